package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store holds one certificate per HTTPS listener, installed and
// replaced at runtime by update_certificate orders. Reads happen on
// every TLS handshake; updates are rare, so an RWMutex is enough.
type Store struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

// NewStore returns an empty certificate store.
func NewStore() *Store {
	return &Store{certs: make(map[string]*tls.Certificate)}
}

// Update parses and validates the PEM material and installs it for
// the named listener, replacing any previous certificate. On error
// the previous certificate stays in place.
func (s *Store) Update(listener string, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loading certificate for listener %s: %w", listener, err)
	}
	if err := ValidateCertificate(&cert); err != nil {
		return fmt.Errorf("rejecting certificate for listener %s: %w", listener, err)
	}

	s.mu.Lock()
	s.certs[listener] = &cert
	s.mu.Unlock()

	s.logCertificateInfo(listener, &cert)
	return nil
}

// Remove drops the certificate installed for a listener. In-flight
// connections keep their handshaken state; new handshakes fail until
// a new certificate is installed.
func (s *Store) Remove(listener string) {
	s.mu.Lock()
	delete(s.certs, listener)
	s.mu.Unlock()
}

// Certificate returns the current certificate for a listener, or nil.
func (s *Store) Certificate(listener string) *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certs[listener]
}

// Listeners returns the IDs that currently have a certificate.
func (s *Store) Listeners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.certs))
	for id := range s.certs {
		out = append(out, id)
	}
	return out
}

// ServerConfig builds a tls.Config for the named listener. The
// certificate is resolved through the store on each handshake, so a
// later Update takes effect without touching the listening socket.
func (s *Store) ServerConfig(listener string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := s.Certificate(listener)
			if cert == nil {
				return nil, fmt.Errorf("no certificate installed for listener %s", listener)
			}
			return cert, nil
		},
	}
}

func (s *Store) logCertificateInfo(listener string, cert *tls.Certificate) {
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return
	}

	daysUntilExpiry, warning := CheckCertificateExpiration(x509Cert)

	if warning != "" {
		slog.Warn("certificate expiring soon",
			"listener", listener,
			"subject", x509Cert.Subject.CommonName,
			"expires_in_days", daysUntilExpiry,
			"expires_at", x509Cert.NotAfter.Format(time.RFC3339),
		)
	} else {
		slog.Info("certificate installed",
			"listener", listener,
			"subject", x509Cert.Subject.CommonName,
			"fingerprint", Fingerprint(cert),
			"expires_in_days", daysUntilExpiry,
		)
	}
}
