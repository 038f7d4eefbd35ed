package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"
)

// ValidateCertificate checks that a certificate parses and is within
// its validity window. It rejects expired material at install time so
// a bad update_certificate order never replaces a working certificate.
func ValidateCertificate(cert *tls.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}

	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certificate chain is empty")
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	return ValidateX509Certificate(x509Cert)
}

// ValidateX509Certificate validates an x509 certificate for expiration.
func ValidateX509Certificate(cert *x509.Certificate) error {
	now := time.Now()

	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339))
	}

	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}

	return nil
}

// CheckCertificateExpiration reports days until expiration and a
// warning string when fewer than 30 remain.
func CheckCertificateExpiration(cert *x509.Certificate) (daysUntilExpiry int, warning string) {
	now := time.Now()
	duration := cert.NotAfter.Sub(now)
	daysUntilExpiry = int(duration.Hours() / 24)

	if daysUntilExpiry < 30 {
		warning = fmt.Sprintf("certificate expires in %d days (on %s)",
			daysUntilExpiry, cert.NotAfter.Format("2006-01-02"))
	}

	return daysUntilExpiry, warning
}

// Fingerprint returns the hex SHA-256 digest of the leaf certificate's
// DER bytes. It identifies installed certificates in logs and state
// dumps.
func Fingerprint(cert *tls.Certificate) string {
	if cert == nil || len(cert.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return hex.EncodeToString(sum[:])
}
