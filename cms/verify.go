package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// VerifySignerInfo checks the signature of si made by cert over content.
// With signed attributes present, the message-digest attribute must match
// the content digest and the signature covers the DER SET of attributes.
func VerifySignerInfo(si *SignerInfo, cert *x509.Certificate, content []byte) error {
	if cert == nil {
		return ErrMissingCertificate
	}

	hashType, err := HashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	if !hashType.Available() {
		return fmt.Errorf("%w: hash %v not linked", ErrUnsupportedAlgorithm, hashType)
	}

	h := hashType.New()
	h.Write(content)
	contentDigest := h.Sum(nil)

	signed := contentDigest
	if len(si.SignedAttrs.FullBytes) > 0 {
		attrs, err := si.signedAttributes()
		if err != nil {
			return err
		}

		foundDigest, err := messageDigest(attrs)
		if err != nil {
			return err
		}
		if !bytes.Equal(foundDigest, contentDigest) {
			return ErrDigestMismatch
		}

		// The signature covers the attributes re-tagged as a SET.
		der := make([]byte, len(si.SignedAttrs.FullBytes))
		copy(der, si.SignedAttrs.FullBytes)
		der[0] = 0x31

		h = hashType.New()
		h.Write(der)
		signed = h.Sum(nil)
	}

	if err := verifySignature(cert.PublicKey, si.SignatureAlgorithm, hashType, signed, si.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// signedAttributes decodes the implicitly tagged attribute SET.
func (si *SignerInfo) signedAttributes() ([]Attribute, error) {
	var attrs []Attribute
	rest := si.SignedAttrs.Bytes
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signed attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func messageDigest(attrs []Attribute) ([]byte, error) {
	for _, attr := range attrs {
		if !attr.Type.Equal(OIDMessageDigest) || len(attr.Values) == 0 {
			continue
		}
		var digest []byte
		if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err != nil {
			return nil, fmt.Errorf("failed to parse message digest: %w", err)
		}
		return digest, nil
	}
	return nil, fmt.Errorf("message digest attribute not found")
}

// pssParameters is RSASSA-PSS-params with only the fields needed here.
type pssParameters struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional,explicit,tag:0"`
	MaskGen       asn1.RawValue       `asn1:"optional,explicit,tag:1"`
	SaltLength    int                 `asn1:"optional,explicit,tag:2,default:20"`
}

// verifySignature verifies a signature using the public key.
func verifySignature(pub any, sigAlg AlgorithmIdentifier, hashType crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if sigAlg.Algorithm.Equal(OIDRSAPSS) {
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: hashType}
			var params pssParameters
			if len(sigAlg.Parameters.FullBytes) > 0 {
				if _, err := asn1.Unmarshal(sigAlg.Parameters.FullBytes, &params); err == nil {
					opts.SaltLength = params.SaltLength
				}
			}
			return rsa.VerifyPSS(key, hashType, digest, sig, opts)
		}
		return rsa.VerifyPKCS1v15(key, hashType, digest, sig)
	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(key, digest, sig) {
			return nil
		}
		// Plain r||s encoding (BSI TR-03111) is also seen on documents.
		if len(sig) > 0 && len(sig)%2 == 0 {
			half := len(sig) / 2
			r := new(big.Int).SetBytes(sig[:half])
			s := new(big.Int).SetBytes(sig[half:])
			if ecdsa.Verify(key, digest, r, s) {
				return nil
			}
		}
		return fmt.Errorf("ecdsa verification failed")
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrUnsupportedAlgorithm, pub)
	}
}
