package cms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"
)

// Helper to generate test certificate and key
func generateTestCertAndKey(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "Test Document Signer",
			Country:    []string{"UT"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return cert, key
}

func generateECCertAndKey(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "EC Signer", Country: []string{"UT"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		SubjectKeyId: []byte{9, 9, 9},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}

func TestBuilderSignAndParse(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	content := []byte("encapsulated content")

	builder := NewBuilder(cert, key, SHA256WithRSA, OIDLDSSecurityObject)
	der, err := builder.Sign(content)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sd, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("ParseSignedData failed: %v", err)
	}

	if !sd.ContentType().Equal(OIDLDSSecurityObject) {
		t.Errorf("ContentType = %v, want %v", sd.ContentType(), OIDLDSSecurityObject)
	}

	got, err := sd.Content()
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Content = %q, want %q", got, content)
	}

	certs, errs := sd.ParsedCertificates()
	if len(errs) != 0 {
		t.Errorf("unexpected certificate errors: %v", errs)
	}
	if len(certs) != 1 || !certs[0].Equal(cert) {
		t.Errorf("expected the signer certificate to be embedded, got %d certs", len(certs))
	}
}

func TestBuilderWithChain(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	other, _ := generateECCertAndKey(t)

	builder := NewBuilder(cert, key, SHA256WithRSA, OIDData)
	builder.SetCertificateChain([]*x509.Certificate{other})

	der, err := builder.Sign([]byte("data"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sd, _ := ParseSignedData(der)
	if len(sd.Certificates) != 2 {
		t.Errorf("Expected 2 certificates (cert + chain), got %d", len(sd.Certificates))
	}
}

func TestBuilderEmbeddedCertificatesOverride(t *testing.T) {
	cert, key := generateTestCertAndKey(t)

	builder := NewBuilder(cert, key, SHA256WithRSA, OIDData)
	builder.SetEmbeddedCertificates(nil)

	der, err := builder.Sign([]byte("data"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sd, err := ParseSignedData(der)
	if err != nil {
		t.Fatalf("ParseSignedData failed: %v", err)
	}
	if len(sd.Certificates) != 0 {
		t.Errorf("expected no embedded certificates, got %d", len(sd.Certificates))
	}
}

func TestVerifySignerInfo(t *testing.T) {
	rsaCert, rsaKey := generateTestCertAndKey(t)
	ecCert, ecKey := generateECCertAndKey(t)

	tests := []struct {
		name    string
		builder *Builder
	}{
		{"rsa with signed attributes", NewBuilder(rsaCert, rsaKey, SHA256WithRSA, OIDData)},
		{"ecdsa with signed attributes", NewBuilder(ecCert, ecKey, SHA256WithECDSA, OIDData)},
		{"ecdsa sha384", NewBuilder(ecCert, ecKey, SHA384WithECDSA, OIDData)},
		{"rsa without signed attributes", func() *Builder {
			b := NewBuilder(rsaCert, rsaKey, SHA512WithRSA, OIDData)
			b.OmitSignedAttributes = true
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := []byte("content to protect")
			der, err := tt.builder.Sign(content)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			sd, err := ParseSignedData(der)
			if err != nil {
				t.Fatalf("ParseSignedData failed: %v", err)
			}
			infos, err := sd.ParsedSignerInfos()
			if err != nil {
				t.Fatalf("ParsedSignerInfos failed: %v", err)
			}

			if err := VerifySignerInfo(infos[0], tt.builder.Certificate, content); err != nil {
				t.Errorf("VerifySignerInfo failed: %v", err)
			}

			err = VerifySignerInfo(infos[0], tt.builder.Certificate, []byte("tampered"))
			if err == nil {
				t.Error("expected verification to fail for tampered content")
			}
		})
	}
}

func TestVerifySignerInfoWrongCertificate(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	other, _ := generateTestCertAndKey(t)

	der, err := NewBuilder(cert, key, SHA256WithRSA, OIDData).Sign([]byte("x"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sd, _ := ParseSignedData(der)
	infos, _ := sd.ParsedSignerInfos()

	err = VerifySignerInfo(infos[0], other, []byte("x"))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	if err := VerifySignerInfo(infos[0], nil, []byte("x")); !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("expected ErrMissingCertificate, got %v", err)
	}
}

func TestSignerIdentifier(t *testing.T) {
	cert, key := generateTestCertAndKey(t)
	other, _ := generateECCertAndKey(t)

	t.Run("issuer and serial", func(t *testing.T) {
		der, err := NewBuilder(cert, key, SHA256WithRSA, OIDData).Sign([]byte("x"))
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		sd, _ := ParseSignedData(der)
		infos, _ := sd.ParsedSignerInfos()

		id, err := infos[0].Identifier()
		if err != nil {
			t.Fatalf("Identifier failed: %v", err)
		}
		if id.IssuerAndSerial == nil {
			t.Fatal("expected issuerAndSerialNumber identifier")
		}
		if !id.Matches(cert) {
			t.Error("identifier should match signer certificate")
		}
		if id.Matches(other) {
			t.Error("identifier should not match another certificate")
		}
	})

	t.Run("subject key identifier", func(t *testing.T) {
		b := NewBuilder(cert, key, SHA256WithRSA, OIDData)
		b.UseSubjectKeyID = true
		der, err := b.Sign([]byte("x"))
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		sd, _ := ParseSignedData(der)
		infos, _ := sd.ParsedSignerInfos()

		id, err := infos[0].Identifier()
		if err != nil {
			t.Fatalf("Identifier failed: %v", err)
		}
		if len(id.SubjectKeyIdentifier) == 0 {
			t.Fatal("expected subject key identifier")
		}
		if !id.Matches(cert) {
			t.Error("identifier should match signer certificate")
		}
		if id.Matches(other) {
			t.Error("identifier should not match another certificate")
		}
	})
}

func TestParseSignedDataErrors(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		if _, err := ParseSignedData([]byte{0x01, 0x02, 0x03}); err == nil {
			t.Error("expected error for garbage input")
		}
	})

	t.Run("not signed data", func(t *testing.T) {
		der, _ := asn1.Marshal(ContentInfo{ContentType: OIDData})
		_, err := ParseSignedData(der)
		if !errors.Is(err, ErrNotSignedData) {
			t.Errorf("expected ErrNotSignedData, got %v", err)
		}
	})
}

func TestHashFromOID(t *testing.T) {
	tests := []struct {
		oid     asn1.ObjectIdentifier
		wantErr bool
	}{
		{OIDSHA1, false},
		{OIDSHA224, false},
		{OIDSHA256, false},
		{OIDSHA384, false},
		{OIDSHA512, false},
		{asn1.ObjectIdentifier{1, 2, 3}, true},
	}

	for _, tt := range tests {
		_, err := HashFromOID(tt.oid)
		if (err != nil) != tt.wantErr {
			t.Errorf("HashFromOID(%v) error = %v, wantErr %v", tt.oid, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, ErrUnsupportedAlgorithm) {
			t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
		}
	}
}
