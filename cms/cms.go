// Package cms provides the CMS (Cryptographic Message Syntax) SignedData
// support needed to read ICAO Master Lists and document security objects.
package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// OIDs for CMS, ICAO content types and digest algorithms
var (
	// Content types
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// ICAO Doc 9303 content types
	OIDLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	OIDCscaMasterList    = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 2}

	// Digest algorithms
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	// Signed attributes
	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// Common errors
var (
	ErrNotSignedData        = errors.New("content is not SignedData")
	ErrNoContent            = errors.New("no encapsulated content")
	ErrNoSignerInfo         = errors.New("no signer infos")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingCertificate   = errors.New("missing certificate")
	ErrDigestMismatch       = errors.New("message digest mismatch")
)

// AlgorithmIdentifier represents an algorithm identifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo represents a CMS ContentInfo structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData represents a CMS SignedData structure. Signer infos are kept raw
// so the exact signed attribute encoding survives for signature checks.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// EncapsulatedContentInfo represents encapsulated content.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo represents a signer's information.
// SID is a CHOICE, so it is captured raw and decoded by Identifier.
type SignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute represents a CMS attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// ParseSignedData parses a DER ContentInfo wrapping a SignedData structure.
func ParseSignedData(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}

	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: got %v", ErrNotSignedData, contentInfo.ContentType)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}

	return &signedData, nil
}

// ContentType returns the encapsulated content type.
func (sd *SignedData) ContentType() asn1.ObjectIdentifier {
	return sd.EncapContentInfo.EContentType
}

// Content returns the octets of the encapsulated content.
func (sd *SignedData) Content() ([]byte, error) {
	if len(sd.EncapContentInfo.EContent.Bytes) == 0 {
		return nil, ErrNoContent
	}

	var content []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &content); err != nil {
		return nil, fmt.Errorf("failed to parse encapsulated content: %w", err)
	}
	return content, nil
}

// ParsedCertificates returns the embedded certificates. Entries that fail to
// parse are skipped; their errors are returned alongside.
func (sd *SignedData) ParsedCertificates() ([]*x509.Certificate, []error) {
	var certs []*x509.Certificate
	var errs []error
	for i, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			errs = append(errs, fmt.Errorf("certificate %d: %w", i, err))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, errs
}

// ParsedSignerInfos decodes the signer infos.
func (sd *SignedData) ParsedSignerInfos() ([]*SignerInfo, error) {
	if len(sd.SignerInfos) == 0 {
		return nil, ErrNoSignerInfo
	}

	infos := make([]*SignerInfo, 0, len(sd.SignerInfos))
	for i, raw := range sd.SignerInfos {
		var si SignerInfo
		if _, err := asn1.Unmarshal(raw.FullBytes, &si); err != nil {
			return nil, fmt.Errorf("failed to parse SignerInfo %d: %w", i, err)
		}
		infos = append(infos, &si)
	}
	return infos, nil
}

// SignerIdentifier is the decoded SignerInfo.sid CHOICE.
type SignerIdentifier struct {
	IssuerAndSerial      *IssuerAndSerialNumber
	SubjectKeyIdentifier []byte
}

// Identifier decodes the signer identifier.
func (si *SignerInfo) Identifier() (SignerIdentifier, error) {
	switch {
	case si.SID.Class == asn1.ClassUniversal && si.SID.Tag == asn1.TagSequence:
		var ias IssuerAndSerialNumber
		if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
			return SignerIdentifier{}, fmt.Errorf("failed to parse issuerAndSerialNumber: %w", err)
		}
		return SignerIdentifier{IssuerAndSerial: &ias}, nil
	case si.SID.Class == asn1.ClassContextSpecific && si.SID.Tag == 0:
		return SignerIdentifier{SubjectKeyIdentifier: si.SID.Bytes}, nil
	default:
		return SignerIdentifier{}, fmt.Errorf("unexpected signer identifier tag %d", si.SID.Tag)
	}
}

// Matches reports whether cert is the certificate the identifier names.
func (id SignerIdentifier) Matches(cert *x509.Certificate) bool {
	if id.IssuerAndSerial != nil {
		ias := id.IssuerAndSerial
		if ias.SerialNumber == nil || cert.SerialNumber == nil || ias.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			return false
		}
		if bytes.Equal(ias.Issuer.FullBytes, cert.RawIssuer) {
			return true
		}
		// Some issuers re-encode the name with different string types.
		var rdns pkix.RDNSequence
		if _, err := asn1.Unmarshal(ias.Issuer.FullBytes, &rdns); err != nil {
			return false
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdns)
		return name.String() == cert.Issuer.String()
	}
	if len(id.SubjectKeyIdentifier) > 0 {
		return bytes.Equal(id.SubjectKeyIdentifier, cert.SubjectKeyId)
	}
	return false
}

// HashFromOID returns the crypto.Hash for a digest algorithm OID.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, nil
	case oid.Equal(OIDSHA224):
		return crypto.SHA224, nil
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, oid)
	}
}
