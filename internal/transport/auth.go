// Copyright (C) 2025 Canmi

// Package transport is the secure substrate under every session: QUIC
// for multiplexed, flow-controlled, loss-recovered streams and TLS 1.3
// with mutual certificates on top. Peers are trusted by SHA-256
// certificate fingerprint against an operator-supplied allow-list, not
// by chain verification; trust material comes from an external
// provisioning step.
package transport

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUntrustedPeer rejects a handshake whose client certificate
// fingerprint is not on the allow-list. It carries no partition
// metadata by design.
var ErrUntrustedPeer = errors.New("transport: untrusted peer certificate")

// Fingerprint returns the lowercase hex SHA-256 of the certificate in
// DER form. This is the identity everything else keys on.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// AllowList is the set of trusted peer fingerprints.
type AllowList struct {
	set map[string]struct{}
}

// NewAllowList normalizes and validates the configured fingerprints.
// Colon-separated and uppercase forms are accepted since that is what
// openssl prints.
func NewAllowList(fps []string) (*AllowList, error) {
	a := &AllowList{set: make(map[string]struct{}, len(fps))}

	for _, fp := range fps {
		n := normalizeFingerprint(fp)
		if len(n) != sha256.Size*2 {
			return nil, fmt.Errorf("transport: bad fingerprint %q", fp)
		}
		if _, err := hex.DecodeString(n); err != nil {
			return nil, fmt.Errorf("transport: bad fingerprint %q", fp)
		}
		a.set[n] = struct{}{}
	}

	return a, nil
}

func normalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	fp = strings.TrimPrefix(fp, "sha256:")
	return strings.NewReplacer(":", "", " ", "").Replace(fp)
}

func (a *AllowList) Contains(fp string) bool {
	_, ok := a.set[normalizeFingerprint(fp)]
	return ok
}

func (a *AllowList) Len() int {
	return len(a.set)
}

// verifyRawPeer is the TLS callback: the leaf certificate fingerprint
// must be on the allow-list, nothing else about the chain matters.
func (a *AllowList) verifyRawPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrUntrustedPeer
	}

	sum := sha256.Sum256(rawCerts[0])
	if !a.Contains(hex.EncodeToString(sum[:])) {
		return ErrUntrustedPeer
	}

	return nil
}
