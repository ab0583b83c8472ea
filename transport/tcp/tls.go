// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// CertificateMode selects how the peer certificate is verified.
type CertificateMode string

const (
	// AuthorityBased verifies the peer chain against the configured CA
	// certificates and checks the peer name.
	AuthorityBased CertificateMode = "authority"
	// SelfSigned accepts exactly one peer certificate, compared byte for byte.
	SelfSigned CertificateMode = "self_signed"
)

// TLSOptions describes one side of a TLS session. File paths are PEM.
type TLSOptions struct {
	Mode CertificateMode
	// PeerCert is the CA bundle (authority mode) or the pinned peer
	// certificate (self-signed mode).
	PeerCert string
	// LocalCert and LocalKey are the certificate presented to the peer.
	LocalCert string
	LocalKey  string
	// ServerName is the expected server name on the client side.
	ServerName string
	// MinVersion is "1.2" (default) or "1.3".
	MinVersion string
}

// ParseMinVersion maps a configured version string to a tls version.
func ParseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("tls: unsupported minimum version %q", s)
}

// ClientConfig builds the configuration of a dialing peer.
func (o *TLSOptions) ClientConfig() (*tls.Config, error) {
	cfg, peers, err := o.base()
	if err != nil {
		return nil, err
	}
	cfg.ServerName = o.ServerName
	switch o.mode() {
	case AuthorityBased:
		cfg.RootCAs = pool(peers)
	case SelfSigned:
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = pinned(peers[0])
	}
	return cfg, nil
}

// ServerConfig builds the configuration of a listening peer. Clients must
// present a certificate.
func (o *TLSOptions) ServerConfig() (*tls.Config, error) {
	cfg, peers, err := o.base()
	if err != nil {
		return nil, err
	}
	if len(cfg.Certificates) == 0 {
		return nil, errors.New("tls: server requires a local certificate")
	}
	switch o.mode() {
	case AuthorityBased:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool(peers)
	case SelfSigned:
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = pinned(peers[0])
	}
	return cfg, nil
}

func (o *TLSOptions) mode() CertificateMode {
	if o.Mode == "" {
		return AuthorityBased
	}
	return o.Mode
}

func (o *TLSOptions) base() (*tls.Config, []*x509.Certificate, error) {
	minVersion, err := ParseMinVersion(o.MinVersion)
	if err != nil {
		return nil, nil, err
	}
	cfg := &tls.Config{MinVersion: minVersion}

	if o.LocalCert != "" || o.LocalKey != "" {
		cert, err := tls.LoadX509KeyPair(o.LocalCert, o.LocalKey)
		if err != nil {
			return nil, nil, fmt.Errorf("tls: load local certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	peers, err := loadCertificates(o.PeerCert)
	if err != nil {
		return nil, nil, err
	}
	switch o.mode() {
	case AuthorityBased:
		if len(peers) == 0 {
			return nil, nil, errors.New("tls: no authority certificate")
		}
	case SelfSigned:
		if len(peers) != 1 {
			return nil, nil, fmt.Errorf("tls: self-signed mode needs exactly one peer certificate, got %d", len(peers))
		}
	default:
		return nil, nil, fmt.Errorf("tls: unknown certificate mode %q", o.Mode)
	}
	return cfg, peers, nil
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read peer certificate: %w", err)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("tls: parse peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func pool(certs []*x509.Certificate) *x509.CertPool {
	p := x509.NewCertPool()
	for _, c := range certs {
		p.AddCert(c)
	}
	return p
}

// pinned accepts a handshake only if the leaf certificate equals want.
func pinned(want *x509.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tls: peer presented no certificate")
		}
		if !bytes.Equal(rawCerts[0], want.Raw) {
			return errors.New("tls: peer certificate does not match the pinned certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		now := time.Now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return errors.New("tls: pinned peer certificate is not valid at this time")
		}
		return nil
	}
}
