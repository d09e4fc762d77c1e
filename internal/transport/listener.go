// Copyright (C) 2025 Canmi

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// ALPN protocol id, bumped together with wire.Version.
const Protocol = "anchr/3"

// Application error codes carried in QUIC CONNECTION_CLOSE frames.
const (
	CodeShutdown  quic.ApplicationErrorCode = 0x0
	CodeAuth      quic.ApplicationErrorCode = 0x1
	CodeProtocol  quic.ApplicationErrorCode = 0x2
	CodeKeepalive quic.ApplicationErrorCode = 0x3
)

// StreamErrReset is the error code used when either side abandons a
// stream; the dispatcher treats it as cancellation of everything still
// pending on that stream.
const StreamErrReset quic.StreamErrorCode = 0x1

// Options tunes the QUIC endpoint. Zero values fall back to sane
// defaults.
type Options struct {
	MaxStreams  int64
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

func (o Options) quicConfig() *quic.Config {
	cfg := &quic.Config{
		MaxIncomingStreams: o.MaxStreams,
		MaxIdleTimeout:     o.IdleTimeout,
		KeepAlivePeriod:    o.KeepAlive,
	}
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = 30 * time.Second
	}
	return cfg
}

// ServerTLS builds the mutually authenticating server TLS config. Any
// client certificate is accepted at the TLS layer and then judged
// solely by its fingerprint, so self-signed provisioning works without
// a CA.
func ServerTLS(certFile, keyFile string, allow *AllowList) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading key pair: %w", err)
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{Protocol},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: allow.verifyRawPeer,
	}, nil
}

// ClientTLS builds the dialing side: it presents its own certificate
// and pins the server by fingerprint the same way the server pins it.
// Used by tests and by the companion client library.
func ClientTLS(certFile, keyFile string, allow *AllowList) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading key pair: %w", err)
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{Protocol},
		InsecureSkipVerify:    true, // replaced by fingerprint pinning below
		VerifyPeerCertificate: allow.verifyRawPeer,
	}, nil
}

// Listener accepts authenticated QUIC connections.
type Listener struct {
	ln *quic.Listener
}

// Listen binds the UDP endpoint. The TLS handshake, including the
// fingerprint check, happens inside Accept; a rejected peer never gets
// past the handshake and never sees a frame of ours.
func Listen(addr string, tlsConf *tls.Config, opts Options) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	return &Listener{ln: ln}, nil
}

// Accept blocks for the next fully handshaken connection.
func (l *Listener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.ln.Accept(ctx)
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial opens an authenticated connection to a daemon. Test and client
// side of Listen.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (quic.Connection, error) {
	return quic.DialAddr(ctx, addr, tlsConf, opts.quicConfig())
}

// PeerFingerprint extracts the authenticated peer identity from an
// established connection.
func PeerFingerprint(conn quic.Connection) (string, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return "", errors.New("transport: connection without peer certificate")
	}
	return Fingerprint(certs[0]), nil
}
