package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"sort"
	"time"
)

// SignatureAlgorithm represents a signature algorithm with its hash.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Common signature algorithms
var (
	SHA256WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDSHA256WithRSA,
		Hash:               crypto.SHA256,
	}
	SHA512WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDSHA512WithRSA,
		Hash:               crypto.SHA512,
	}
	SHA256WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDECDSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA384WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: OIDECDSAWithSHA384,
		Hash:               crypto.SHA384,
	}
)

// Builder builds SignedData structures with encapsulated content, as used
// for Master Lists and document security objects.
type Builder struct {
	Certificate *x509.Certificate
	CertChain   []*x509.Certificate
	PrivateKey  crypto.Signer
	Algorithm   SignatureAlgorithm
	ContentType asn1.ObjectIdentifier
	SigningTime time.Time

	// UseSubjectKeyID identifies the signer by subject key identifier
	// instead of issuer and serial number.
	UseSubjectKeyID bool

	// OmitSignedAttributes signs the content digest directly.
	OmitSignedAttributes bool

	// embedded overrides the certificates set when non-nil.
	embedded []*x509.Certificate
}

// NewBuilder creates a new builder for content of the given type.
func NewBuilder(cert *x509.Certificate, key crypto.Signer, alg SignatureAlgorithm, contentType asn1.ObjectIdentifier) *Builder {
	return &Builder{
		Certificate: cert,
		PrivateKey:  key,
		Algorithm:   alg,
		ContentType: contentType,
		SigningTime: time.Now().UTC(),
	}
}

// SetCertificateChain sets certificates embedded after the signer certificate.
func (b *Builder) SetCertificateChain(chain []*x509.Certificate) {
	b.CertChain = chain
}

// SetEmbeddedCertificates replaces the embedded certificate set entirely.
// An empty, non-nil slice embeds no certificates.
func (b *Builder) SetEmbeddedCertificates(certs []*x509.Certificate) {
	if certs == nil {
		certs = []*x509.Certificate{}
	}
	b.embedded = certs
}

// Sign creates a ContentInfo wrapping SignedData that encapsulates content.
func (b *Builder) Sign(content []byte) ([]byte, error) {
	h := b.Algorithm.Hash.New()
	h.Write(content)
	contentDigest := h.Sum(nil)

	var signedAttrs asn1.RawValue
	toSign := contentDigest
	if !b.OmitSignedAttributes {
		setContent, err := b.signedAttributes(contentDigest)
		if err != nil {
			return nil, fmt.Errorf("failed to build signed attributes: %w", err)
		}
		signedAttrs = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: setContent}

		setDER, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: setContent})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
		}
		h = b.Algorithm.Hash.New()
		h.Write(setDER)
		toSign = h.Sum(nil)
	}

	signature, err := b.signDigest(toSign)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	sid, err := b.signerIdentifier()
	if err != nil {
		return nil, err
	}

	version := 1
	if b.UseSubjectKeyID {
		version = 3
	}

	signerInfo := SignerInfo{
		Version: version,
		SID:     sid,
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.DigestAlgorithm,
			Parameters: asn1.RawValue{Tag: asn1.TagNull},
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
		},
		Signature: signature,
	}
	signerInfoBytes, err := asn1.Marshal(signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signer info: %w", err)
	}

	eContent, err := asn1.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}

	signedData := SignedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{
			{
				Algorithm:  b.Algorithm.DigestAlgorithm,
				Parameters: asn1.RawValue{Tag: asn1.TagNull},
			},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: b.ContentType,
			EContent:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: eContent},
		},
		SignerInfos: []asn1.RawValue{{FullBytes: signerInfoBytes}},
	}

	for _, cert := range b.certificates() {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signed data: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}
	return asn1.Marshal(contentInfo)
}

func (b *Builder) certificates() []*x509.Certificate {
	if b.embedded != nil {
		return b.embedded
	}
	certs := []*x509.Certificate{b.Certificate}
	return append(certs, b.CertChain...)
}

func (b *Builder) signerIdentifier() (asn1.RawValue, error) {
	if b.UseSubjectKeyID {
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: b.Certificate.SubjectKeyId}, nil
	}
	der, err := asn1.Marshal(IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
		SerialNumber: b.Certificate.SerialNumber,
	})
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("failed to marshal signer identifier: %w", err)
	}
	return asn1.RawValue{FullBytes: der}, nil
}

func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	switch {
	case oid.Equal(OIDSHA256WithRSA),
		oid.Equal(OIDSHA384WithRSA),
		oid.Equal(OIDSHA512WithRSA):
		return asn1.RawValue{Tag: asn1.TagNull}
	default:
		return asn1.RawValue{}
	}
}

// signedAttributes returns the DER-sorted contents of the attribute SET.
func (b *Builder) signedAttributes(contentDigest []byte) ([]byte, error) {
	contentTypeValue, err := asn1.Marshal(b.ContentType)
	if err != nil {
		return nil, err
	}
	digestValue, err := asn1.Marshal(contentDigest)
	if err != nil {
		return nil, err
	}
	signingTimeValue, err := asn1.Marshal(b.SigningTime)
	if err != nil {
		return nil, err
	}

	attrs := []Attribute{
		{Type: OIDContentType, Values: []asn1.RawValue{{FullBytes: contentTypeValue}}},
		{Type: OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digestValue}}},
		{Type: OIDSigningTime, Values: []asn1.RawValue{{FullBytes: signingTimeValue}}},
	}

	encoded := make([][]byte, len(attrs))
	for i, attr := range attrs {
		der, err := asn1.Marshal(attr)
		if err != nil {
			return nil, err
		}
		encoded[i] = der
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	return bytes.Join(encoded, nil), nil
}

// signDigest signs the digest with the private key.
func (b *Builder) signDigest(digest []byte) ([]byte, error) {
	switch key := b.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, b.Algorithm.Hash, digest)
	default:
		return b.PrivateKey.Sign(rand.Reader, digest, b.Algorithm.Hash)
	}
}
