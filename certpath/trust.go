package certpath

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"sync"
)

// Thumbprint returns the hex SHA-256 digest of the certificate's DER encoding.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// TrustManager holds trust anchors indexed for issuer lookups.
type TrustManager struct {
	mu sync.RWMutex

	// roots keyed by thumbprint
	roots map[string]*x509.Certificate

	// rootSubjectMap indexes roots by subject name hash
	rootSubjectMap map[string][]*x509.Certificate
}

// NewTrustManager creates a trust manager from anchor certificates.
func NewTrustManager(anchors []*x509.Certificate) *TrustManager {
	tm := &TrustManager{
		roots:          make(map[string]*x509.Certificate),
		rootSubjectMap: make(map[string][]*x509.Certificate),
	}
	for _, cert := range anchors {
		tm.AddRoot(cert)
	}
	return tm
}

// AddRoot adds a certificate as a trust anchor. Returns false for duplicates.
func (tm *TrustManager) AddRoot(cert *x509.Certificate) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	key := Thumbprint(cert)
	if _, exists := tm.roots[key]; exists {
		return false
	}
	tm.roots[key] = cert

	subjectKey := subjectHashKey(cert.Subject)
	tm.rootSubjectMap[subjectKey] = append(tm.rootSubjectMap[subjectKey], cert)
	return true
}

// IsRoot checks if a certificate is a trust anchor.
func (tm *TrustManager) IsRoot(cert *x509.Certificate) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	_, exists := tm.roots[Thumbprint(cert)]
	return exists
}

// FindPotentialIssuers finds anchors that could have issued cert. Name
// matches come first; when none exist, the authority key identifier is
// matched against all anchors.
func (tm *TrustManager) FindPotentialIssuers(cert *x509.Certificate) []*x509.Certificate {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	var issuers []*x509.Certificate
	for _, candidate := range tm.rootSubjectMap[subjectHashKey(cert.Issuer)] {
		if isPotentialIssuer(candidate, cert) {
			issuers = append(issuers, candidate)
		}
	}

	if len(issuers) == 0 && len(cert.AuthorityKeyId) > 0 {
		for _, candidate := range tm.roots {
			if bytes.Equal(cert.AuthorityKeyId, candidate.SubjectKeyId) {
				issuers = append(issuers, candidate)
			}
		}
	}

	return issuers
}

// Count returns the number of trust anchors.
func (tm *TrustManager) Count() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	return len(tm.roots)
}

// isPotentialIssuer checks if issuer could have issued cert.
func isPotentialIssuer(issuer, cert *x509.Certificate) bool {
	if len(cert.AuthorityKeyId) > 0 && len(issuer.SubjectKeyId) > 0 {
		return bytes.Equal(cert.AuthorityKeyId, issuer.SubjectKeyId)
	}
	return namesEqual(cert.Issuer, issuer.Subject)
}
