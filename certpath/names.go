package certpath

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// canonicalNameString renders a name for comparison: attribute order is kept,
// values are NFKC-normalized, case-folded and whitespace-collapsed.
func canonicalNameString(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	parts := make([]string, 0, len(atvs))
	for _, atv := range atvs {
		parts = append(parts, fmt.Sprintf("%s=%s", atv.Type.String(), normalizeRDNValue(atv.Value)))
	}
	return strings.Join(parts, ",")
}

func normalizeRDNValue(value any) string {
	switch v := value.(type) {
	case string:
		return normalizeDNString(v)
	default:
		return fmt.Sprint(v)
	}
}

func normalizeDNString(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	// Casers carry state, so one is made per call.
	folded := cases.Fold().String(norm.NFKC.String(trimmed))
	return strings.Join(strings.Fields(folded), " ")
}

// namesEqual compares two names after canonicalization.
func namesEqual(a, b pkix.Name) bool {
	return canonicalNameString(a) == canonicalNameString(b)
}

// subjectHashKey creates a hash key from a subject name.
func subjectHashKey(name pkix.Name) string {
	h := sha256.Sum256([]byte(canonicalNameString(name)))
	return string(h[:])
}
