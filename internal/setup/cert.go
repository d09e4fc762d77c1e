// Copyright (C) 2025 Canmi

// Package setup covers the offline provisioning steps: generating a
// self-signed certificate and key, writing a starter configuration and
// validating trust material before the daemon binds anything.
package setup

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/canmi/anchr/internal/transport"
)

// GenerateCertificate writes a self-signed ECDSA P-256 certificate and
// PKCS#8 key in PEM form. hosts are added as DNS or IP subject
// alternative names; localhost and the loopback addresses are always
// included so a freshly provisioned pair works out of the box.
func GenerateCertificate(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "anchr", Organization: []string{"anchr"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		certOut.Close()
		return err
	}
	if err := certOut.Close(); err != nil {
		return err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		keyOut.Close()
		return err
	}

	return keyOut.Close()
}

// ValidateTrustMaterial checks that the configured certificate and key
// exist, parse and belong together, and returns the daemon's own
// fingerprint so the operator can hand it to clients.
func ValidateTrustMaterial(certPath, keyPath string) (string, error) {
	for _, p := range []string{certPath, keyPath} {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("setup: trust material missing: %w", err)
		}
	}

	// LoadX509KeyPair fails when the key does not belong to the
	// certificate, which is exactly the mistake this guards against.
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return "", fmt.Errorf("setup: certificate/key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("setup: parsing certificate: %w", err)
	}

	if time.Now().After(leaf.NotAfter) {
		return "", fmt.Errorf("setup: certificate expired %s", leaf.NotAfter.Format(time.RFC3339))
	}

	return transport.Fingerprint(leaf), nil
}
