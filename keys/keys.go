// Package keys loads certificates from PEM and DER encoded files and
// exports them as PEM.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/2060-io/go-emrtd/certpath"
)

// Common errors
var (
	ErrNoCertFound = errors.New("no certificate found in data")
)

// LoadCertsFromPemDer loads certificates from a PEM or DER encoded file.
func LoadCertsFromPemDer(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCertsFromPemDerData(data)
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
// DER input may hold one certificate or several concatenated.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else if len(data) > 0 {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// EncodeCertsPEM writes certificates as concatenated PEM blocks.
func EncodeCertsPEM(w io.Writer, certs []*x509.Certificate) error {
	for _, cert := range certs {
		if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return err
		}
	}
	return nil
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	trimmed := strings.TrimLeft(string(data[:min(len(data), 64)]), " \t\r\n")
	return strings.HasPrefix(trimmed, "-----")
}

// CertInfo summarizes a certificate for listings.
type CertInfo struct {
	Country    string    `json:"country"`
	Subject    string    `json:"subject"`
	Serial     string    `json:"serial"`
	NotBefore  time.Time `json:"notBefore"`
	NotAfter   time.Time `json:"notAfter"`
	Thumbprint string    `json:"thumbprint"`
}

// Expired reports whether the certificate is outside its validity at t.
func (c CertInfo) Expired(t time.Time) bool {
	return t.After(c.NotAfter) || t.Before(c.NotBefore)
}

// GetCertInfo summarizes cert.
func GetCertInfo(cert *x509.Certificate) CertInfo {
	info := CertInfo{
		Subject:    cert.Subject.String(),
		Serial:     fmt.Sprintf("%X", cert.SerialNumber),
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		Thumbprint: certpath.Thumbprint(cert),
	}
	if len(cert.Subject.Country) > 0 {
		info.Country = strings.ToUpper(cert.Subject.Country[0])
	}
	return info
}

// SortByCountry orders certificates by country, then subject, then expiry.
func SortByCountry(certs []*x509.Certificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		a, b := GetCertInfo(certs[i]), GetCertInfo(certs[j])
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.NotAfter.Before(b.NotAfter)
	})
}
