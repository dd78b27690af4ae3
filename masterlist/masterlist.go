// Package masterlist reads ICAO CSCA Master Lists, either as PKD LDIF
// exports carrying base64 CMS blocks or as a single DER CMS file.
package masterlist

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/2060-io/go-emrtd/certpath"
	"github.com/2060-io/go-emrtd/cms"
)

var (
	// ErrNoMasterList is returned when a source yields no CSCA certificate.
	ErrNoMasterList = errors.New("no valid Master List found")

	// ErrMalformedContent is returned for a CscaMasterList that is not
	// SEQUENCE { version, SET OF Certificate }.
	ErrMalformedContent = errors.New("malformed CscaMasterList content")
)

// Result is the outcome of parsing a Master List source.
type Result struct {
	// Certificates are the CSCA certificates found, deduplicated by thumbprint.
	Certificates []*x509.Certificate

	// Blocks is the number of candidate blocks found in the source.
	Blocks int

	// MasterListBlocks is the number of blocks that parsed as SignedData
	// carrying a well-formed CscaMasterList.
	MasterListBlocks int

	// Skipped aggregates every block or certificate that was passed over.
	Skipped error
}

// SkippedCount returns the number of skipped entries.
func (r *Result) SkippedCount() int {
	return len(multierr.Errors(r.Skipped))
}

// Parse extracts CSCA certificates from a Master List source. Individual
// malformed blocks and certificates are skipped; Parse fails when no
// certificate at all could be read.
func Parse(data []byte, log logr.Logger) (*Result, error) {
	text, err := DecodeText(data)
	if err != nil {
		return nil, err
	}

	var blocks [][]byte
	result := &Result{}
	switch {
	case bytes.Contains(text, []byte(Marker)):
		blocks, result.Skipped = ExtractBlocks(text)
	case len(data) > 0 && data[0] == 0x30:
		blocks = [][]byte{data}
	}
	result.Blocks = len(blocks)

	seen := make(map[string]bool)
	for i, block := range blocks {
		certs, skipped, err := ParseBlock(block)
		if err != nil {
			skipped = multierr.Append(skipped, err)
		}
		if skipped != nil {
			for _, err := range multierr.Errors(skipped) {
				log.V(1).Info("skipping Master List entry", "block", i, "reason", err.Error())
			}
			result.Skipped = multierr.Append(result.Skipped, fmt.Errorf("block %d: %w", i, skipped))
		}
		if err != nil {
			continue
		}
		result.MasterListBlocks++

		for _, cert := range certs {
			key := certpath.Thumbprint(cert)
			if seen[key] {
				continue
			}
			seen[key] = true
			result.Certificates = append(result.Certificates, cert)
		}
	}

	if len(result.Certificates) == 0 {
		if result.Skipped != nil {
			return result, fmt.Errorf("%w: no certificates in %d candidate blocks: %v", ErrNoMasterList, result.Blocks, result.Skipped)
		}
		return result, fmt.Errorf("%w: no certificates in %d candidate blocks", ErrNoMasterList, result.Blocks)
	}

	log.Info("parsed Master List",
		"blocks", result.Blocks,
		"masterListBlocks", result.MasterListBlocks,
		"certificates", len(result.Certificates),
		"skipped", result.SkippedCount())
	return result, nil
}

// ParseBlock parses one DER CMS block and returns its CSCA certificates.
// Certificates that fail to parse are returned in skipped; err is set when
// the block is not SignedData or its content is not a CscaMasterList.
func ParseBlock(block []byte) (certs []*x509.Certificate, skipped error, err error) {
	sd, err := cms.ParseSignedData(block)
	if err != nil {
		return nil, nil, err
	}
	return certificatesFromSignedData(sd)
}

func certificatesFromSignedData(sd *cms.SignedData) ([]*x509.Certificate, error, error) {
	content, err := sd.Content()
	if err != nil {
		return nil, nil, err
	}
	return parseContent(content)
}

// parseContent reads CscaMasterList ::= SEQUENCE { version, certList SET OF Certificate }.
func parseContent(content []byte) (certs []*x509.Certificate, skipped error, err error) {
	input := cryptobyte.String(content)

	var list, certSet cryptobyte.String
	if !input.ReadASN1(&list, cbasn1.SEQUENCE) {
		return nil, nil, fmt.Errorf("%w: expected SEQUENCE", ErrMalformedContent)
	}
	if !list.SkipASN1(cbasn1.INTEGER) {
		return nil, nil, fmt.Errorf("%w: expected version", ErrMalformedContent)
	}
	if !list.ReadASN1(&certSet, cbasn1.SET) {
		return nil, nil, fmt.Errorf("%w: expected certificate SET", ErrMalformedContent)
	}

	for i := 0; !certSet.Empty(); i++ {
		var der cryptobyte.String
		var tag cbasn1.Tag
		if !certSet.ReadAnyASN1Element(&der, &tag) {
			skipped = multierr.Append(skipped, fmt.Errorf("certificate %d: truncated element", i))
			break
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			skipped = multierr.Append(skipped, fmt.Errorf("certificate %d: %w", i, err))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, skipped, nil
}

// MarshalContent encodes certificates as CscaMasterList content (version 0).
func MarshalContent(certs []*x509.Certificate) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			for _, cert := range certs {
				b.AddBytes(cert.Raw)
			}
		})
	})
	return b.Bytes()
}
