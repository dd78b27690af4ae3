package sod

import (
	"crypto"
	"encoding/asn1"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/2060-io/go-emrtd/cms"
)

var (
	// ErrMalformedLDS is returned for content that is not an LDSSecurityObject.
	ErrMalformedLDS = errors.New("malformed LDS Security Object")

	// ErrUnsupportedHash is returned for a digest algorithm outside SHA-1,
	// SHA-256 and SHA-512.
	ErrUnsupportedHash = errors.New("unsupported LDS hash algorithm")
)

// LDSSecurityObject is the signed payload of an EF.SOD.
//
//	LDSSecurityObject ::= SEQUENCE {
//	    version                LDSSecurityObjectVersion,
//	    hashAlgorithm          DigestAlgorithmIdentifier,
//	    dataGroupHashValues    SEQUENCE SIZE (2..ub-DataGroups) OF DataGroupHash,
//	    ldsVersionInfo         LDSVersionInfo OPTIONAL }
type LDSSecurityObject struct {
	Version       int64
	HashAlgorithm asn1.ObjectIdentifier

	// DataGroupHashes maps "DG<n>" to the declared hash.
	DataGroupHashes map[string][]byte

	// LDSVersion and UnicodeVersion are set for version 1 objects.
	LDSVersion     string
	UnicodeVersion string
}

// DataGroupName returns the map key for data group number n.
func DataGroupName(n int) string {
	return fmt.Sprintf("DG%d", n)
}

// ParseLDSSecurityObject parses the encapsulated content of an EF.SOD.
func ParseLDSSecurityObject(data []byte) (*LDSSecurityObject, error) {
	input := cryptobyte.String(data)

	var body cryptobyte.String
	if !input.ReadASN1(&body, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: expected SEQUENCE", ErrMalformedLDS)
	}

	lds := &LDSSecurityObject{DataGroupHashes: make(map[string][]byte)}
	if !body.ReadASN1Int64WithTag(&lds.Version, cbasn1.INTEGER) {
		return nil, fmt.Errorf("%w: expected version", ErrMalformedLDS)
	}

	var algID cryptobyte.String
	if !body.ReadASN1(&algID, cbasn1.SEQUENCE) || !algID.ReadASN1ObjectIdentifier(&lds.HashAlgorithm) {
		return nil, fmt.Errorf("%w: expected hash algorithm identifier", ErrMalformedLDS)
	}

	var hashes cryptobyte.String
	if !body.ReadASN1(&hashes, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: expected data group hash values", ErrMalformedLDS)
	}
	for i := 0; !hashes.Empty(); i++ {
		var entry cryptobyte.String
		var number int
		var value []byte
		if !hashes.ReadASN1(&entry, cbasn1.SEQUENCE) ||
			!entry.ReadASN1Integer(&number) ||
			!entry.ReadASN1Bytes(&value, cbasn1.OCTET_STRING) {
			return nil, fmt.Errorf("%w: data group hash %d", ErrMalformedLDS, i)
		}
		if number <= 0 {
			return nil, fmt.Errorf("%w: data group number %d", ErrMalformedLDS, number)
		}
		lds.DataGroupHashes[DataGroupName(number)] = value
	}

	if body.PeekASN1Tag(cbasn1.SEQUENCE) {
		var info cryptobyte.String
		var ldsVersion, unicodeVersion cryptobyte.String
		if !body.ReadASN1(&info, cbasn1.SEQUENCE) ||
			!info.ReadASN1(&ldsVersion, cbasn1.PrintableString) ||
			!info.ReadASN1(&unicodeVersion, cbasn1.PrintableString) {
			return nil, fmt.Errorf("%w: LDS version info", ErrMalformedLDS)
		}
		lds.LDSVersion = string(ldsVersion)
		lds.UnicodeVersion = string(unicodeVersion)
	}

	return lds, nil
}

// Hash returns the hash function declared by the object.
func (l *LDSSecurityObject) Hash() (crypto.Hash, error) {
	switch {
	case l.HashAlgorithm.Equal(cms.OIDSHA1):
		return crypto.SHA1, nil
	case l.HashAlgorithm.Equal(cms.OIDSHA256):
		return crypto.SHA256, nil
	case l.HashAlgorithm.Equal(cms.OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedHash, l.HashAlgorithm)
	}
}

// DataGroupNames returns the declared data groups in numeric order.
func (l *LDSSecurityObject) DataGroupNames() []string {
	names := make([]string, 0, len(l.DataGroupHashes))
	for name := range l.DataGroupHashes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}

// Marshal encodes the object. Data group keys must have the form "DG<n>".
func (l *LDSSecurityObject) Marshal() ([]byte, error) {
	numbers := make([]int, 0, len(l.DataGroupHashes))
	for name := range l.DataGroupHashes {
		var n int
		if _, err := fmt.Sscanf(name, "DG%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid data group name %q", name)
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(l.Version)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(l.HashAlgorithm)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, n := range numbers {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1Int64(int64(n))
					b.AddASN1OctetString(l.DataGroupHashes[DataGroupName(n)])
				})
			}
		})
		if l.LDSVersion != "" {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.PrintableString, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(l.LDSVersion))
				})
				b.AddASN1(cbasn1.PrintableString, func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(l.UnicodeVersion))
				})
			})
		}
	})
	return b.Bytes()
}
