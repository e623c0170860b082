package transport

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// ExpiryWarningDays marks certificates close to expiry.
const ExpiryWarningDays = 30

// CertificateInfo is the expiry metadata of one certificate in a CA bundle.
type CertificateInfo struct {
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidUntil      time.Time `json:"valid_until"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	IsExpired       bool      `json:"is_expired"`
	ExpiryWarning   bool      `json:"expiry_warning"`
}

// InspectBundle parses every certificate in the PEM bundle at path.
func InspectBundle(path string, now time.Time) ([]CertificateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	var out []CertificateInfo
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
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", path, err)
		}
		out = append(out, certificateInfo(cert, now))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return out, nil
}

func certificateInfo(cert *x509.Certificate, now time.Time) CertificateInfo {
	days := int(cert.NotAfter.Sub(now).Hours() / 24)
	expired := now.After(cert.NotAfter)
	return CertificateInfo{
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		ValidFrom:       cert.NotBefore,
		ValidUntil:      cert.NotAfter,
		DaysUntilExpiry: days,
		IsExpired:       expired,
		ExpiryWarning:   days <= ExpiryWarningDays && !expired,
	}
}

// Expiring returns the certificates that are expired or about to expire.
func Expiring(certs []CertificateInfo) []CertificateInfo {
	var out []CertificateInfo
	for _, c := range certs {
		if c.IsExpired || c.ExpiryWarning {
			out = append(out, c)
		}
	}
	return out
}
