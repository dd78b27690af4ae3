package sod

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/2060-io/go-emrtd/cms"
)

// staticAnchors is an AnchorSource over a fixed set.
type staticAnchors struct {
	certs   []*x509.Certificate
	initErr error
}

func (s *staticAnchors) Initialize(ctx context.Context) error { return s.initErr }

func (s *staticAnchors) TrustAnchors() ([]*x509.Certificate, error) { return s.certs, nil }

func createTestCSCA(t testing.TB, country string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "CSCA " + country, Country: []string{country}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert, key
}

func createTestDSC(t testing.TB, csca *x509.Certificate, cscaKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Document Signer", Country: csca.Subject.Country},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, csca, &key.PublicKey, cscaKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert, key
}

var (
	testDG1 = []byte{0x61, 0x0A, 0x5F, 0x1F, 0x07, 'P', '<', 'U', 'T', 'O', 'E', 'R'}
	testDG2 = []byte{0x75, 0x04, 0xCA, 0xFE, 0xBA, 0xBE}
)

func testLDS(t testing.TB) []byte {
	t.Helper()
	h1 := sha256.Sum256(testDG1)
	h2 := sha256.Sum256(testDG2)
	lds := &LDSSecurityObject{
		HashAlgorithm: cms.OIDSHA256,
		DataGroupHashes: map[string][]byte{
			"DG1": h1[:],
			"DG2": h2[:],
		},
	}
	der, err := lds.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return der
}

func signSOD(t testing.TB, b *cms.Builder, lds []byte) []byte {
	t.Helper()
	der, err := b.Sign(lds)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return der
}

// wrapSOD adds the chip EF.SOD envelope.
func wrapSOD(der []byte) []byte {
	n := len(der)
	return append([]byte{0x77, 0x82, byte(n >> 8), byte(n)}, der...)
}

func testDataGroups() map[string][]byte {
	return map[string][]byte{"DG1": testDG1, "DG2": testDG2}
}

func TestVerifySodTrusted(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})

	for name, input := range map[string][]byte{"bare": sod, "wrapped": wrapSOD(sod)} {
		t.Run(name, func(t *testing.T) {
			result := v.VerifySod(context.Background(), input, testDataGroups())

			want := &Result{
				Authenticity:   true,
				Integrity:      true,
				SignatureValid: true,
				SignerMatch:    SignerMatchExact,
				Signer:         dsc.Subject.String(),
				HashAlgorithm:  "SHA-256",
				DataGroups: map[string]DataGroupStatus{
					"DG1": DataGroupMatched,
					"DG2": DataGroupMatched,
				},
			}
			if diff := cmp.Diff(want, result); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerifySodIntegrity(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))
	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})

	t.Run("flipped byte", func(t *testing.T) {
		tampered := append([]byte(nil), testDG2...)
		tampered[len(tampered)-1] ^= 0x01

		result := v.VerifySod(context.Background(), sod, map[string][]byte{"DG1": testDG1, "DG2": tampered})
		if result.Integrity {
			t.Error("expected integrity failure")
		}
		if !result.Authenticity {
			t.Errorf("authenticity should not depend on data groups: %s", result.Details)
		}
		if result.DataGroups["DG2"] != DataGroupMismatch || result.DataGroups["DG1"] != DataGroupMatched {
			t.Errorf("unexpected data group statuses: %v", result.DataGroups)
		}
		if !strings.Contains(result.Details, "DG2 hash mismatch") {
			t.Errorf("Details = %q", result.Details)
		}
	})

	t.Run("subset supplied", func(t *testing.T) {
		result := v.VerifySod(context.Background(), sod, map[string][]byte{"DG1": testDG1})
		if !result.Integrity {
			t.Errorf("missing data groups must not fail integrity: %s", result.Details)
		}
		if result.DataGroups["DG2"] != DataGroupNotSupplied {
			t.Errorf("DG2 status = %q, want %q", result.DataGroups["DG2"], DataGroupNotSupplied)
		}
	})

	t.Run("none supplied", func(t *testing.T) {
		result := v.VerifySod(context.Background(), sod, nil)
		if !result.Integrity {
			t.Error("expected integrity with no data groups supplied")
		}
	})
}

func TestVerifySodUntrusted(t *testing.T) {
	trusted, _ := createTestCSCA(t, "UT")
	rogue, rogueKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, rogue, rogueKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{trusted}}, Options{})
	result := v.VerifySod(context.Background(), sod, testDataGroups())

	if result.Authenticity {
		t.Error("expected authenticity failure for untrusted signer")
	}
	if !result.SignatureValid || !result.Integrity {
		t.Errorf("signature and integrity should still hold: %+v", result)
	}
	if !strings.Contains(result.Details, "no trusted path") {
		t.Errorf("Details = %q", result.Details)
	}
}

func TestVerifySodInvalidSignature(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, _ := createTestDSC(t, csca, cscaKey)
	_, otherKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, otherKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})
	result := v.VerifySod(context.Background(), sod, testDataGroups())

	if result.Authenticity || result.SignatureValid {
		t.Errorf("expected signature failure: %+v", result)
	}
}

func TestVerifySodSignerMatch(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})

	t.Run("single certificate fallback", func(t *testing.T) {
		// dsc has no subject key identifier, so the identifier cannot match.
		b := cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject)
		b.UseSubjectKeyID = true

		result := v.VerifySod(context.Background(), signSOD(t, b, testLDS(t)), testDataGroups())
		if result.SignerMatch != SignerMatchSingleCertificate {
			t.Errorf("SignerMatch = %q, want %q", result.SignerMatch, SignerMatchSingleCertificate)
		}
		if !result.Authenticity {
			t.Errorf("expected authenticity through fallback: %s", result.Details)
		}
	})

	t.Run("no certificates", func(t *testing.T) {
		b := cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject)
		b.SetEmbeddedCertificates(nil)

		result := v.VerifySod(context.Background(), signSOD(t, b, testLDS(t)), testDataGroups())
		if result.Authenticity || result.SignerMatch != SignerMatchNone {
			t.Errorf("expected no signer: %+v", result)
		}
		if !result.Integrity {
			t.Error("integrity is independent of the signer")
		}
		if !strings.Contains(result.Details, "signer certificate not found") {
			t.Errorf("Details = %q", result.Details)
		}
	})
}

func TestVerifySodNoAnchors(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	v := NewVerifier(&staticAnchors{}, Options{})
	result := v.VerifySod(context.Background(), sod, testDataGroups())

	if result.Authenticity || result.Integrity || result.Details != DetailNoAnchors {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestVerifySodStoreFailure(t *testing.T) {
	v := NewVerifier(&staticAnchors{initErr: errors.New("download failed")}, Options{})
	result := v.VerifySod(context.Background(), nil, nil)

	if result.Authenticity || result.Integrity {
		t.Error("expected failure")
	}
	if !strings.Contains(result.Details, "download failed") {
		t.Errorf("Details = %q", result.Details)
	}
}

func TestVerifySodUnsupportedHash(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)

	lds := &LDSSecurityObject{
		HashAlgorithm:   cms.OIDSHA384,
		DataGroupHashes: map[string][]byte{"DG1": make([]byte, 48)},
	}
	content, err := lds.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), content)

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})
	result := v.VerifySod(context.Background(), sod, testDataGroups())

	if result.Authenticity || result.Integrity {
		t.Errorf("expected failure: %+v", result)
	}
	if !strings.Contains(result.Details, ErrUnsupportedHash.Error()) {
		t.Errorf("Details = %q", result.Details)
	}
}

func TestVerifySodMalformed(t *testing.T) {
	csca, _ := createTestCSCA(t, "UT")
	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})

	notLDS, _ := asn1.Marshal(cms.ContentInfo{ContentType: cms.OIDData})

	tests := []struct {
		name string
		sod  []byte
	}{
		{"empty", nil},
		{"truncated envelope", []byte{0x77, 0x82, 0xFF, 0xFF, 0x30}},
		{"random", []byte("not a security object")},
		{"not signed data", notLDS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.VerifySod(context.Background(), tt.sod, testDataGroups())
			if result == nil {
				t.Fatal("expected a result")
			}
			if result.Authenticity || result.Integrity || result.Details == "" {
				t.Errorf("unexpected result: %+v", result)
			}
		})
	}
}

func TestVerifierPathCache(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})
	for i := 0; i < 3; i++ {
		if result := v.VerifySod(context.Background(), sod, testDataGroups()); !result.Authenticity {
			t.Fatalf("attempt %d: %s", i, result.Details)
		}
	}
	if n := v.paths.ItemCount(); n != 1 {
		t.Errorf("cached paths = %d, want 1", n)
	}

	uncached := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{PathCacheTTL: -1})
	if uncached.paths != nil {
		t.Error("negative TTL should disable the path cache")
	}
}

func TestVerifierAnchorSetChange(t *testing.T) {
	csca, cscaKey := createTestCSCA(t, "UT")
	other, _ := createTestCSCA(t, "ZZ")
	dsc, dscKey := createTestDSC(t, csca, cscaKey)
	sod := signSOD(t, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(t))

	tests := []struct {
		name string
		ttl  time.Duration
	}{
		{"path cache enabled", 0},
		{"path cache disabled", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchors := &staticAnchors{certs: []*x509.Certificate{csca}}
			v := NewVerifier(anchors, Options{PathCacheTTL: tt.ttl})

			if result := v.VerifySod(context.Background(), sod, testDataGroups()); !result.Authenticity {
				t.Fatalf("expected trusted signer: %s", result.Details)
			}

			// Same size, different anchor.
			anchors.certs = []*x509.Certificate{other}
			if result := v.VerifySod(context.Background(), sod, testDataGroups()); result.Authenticity {
				t.Error("signer must not be trusted after its CSCA left the anchor set")
			}

			anchors.certs = []*x509.Certificate{csca}
			if result := v.VerifySod(context.Background(), sod, testDataGroups()); !result.Authenticity {
				t.Errorf("expected trusted signer after restoring the anchor: %s", result.Details)
			}
		})
	}
}

func TestAnchorSetDigest(t *testing.T) {
	a, _ := createTestCSCA(t, "AA")
	b, _ := createTestCSCA(t, "BB")
	c, _ := createTestCSCA(t, "CC")

	if anchorSetDigest([]*x509.Certificate{a, b}) != anchorSetDigest([]*x509.Certificate{b, a}) {
		t.Error("digest should not depend on anchor order")
	}
	if anchorSetDigest([]*x509.Certificate{a, b}) == anchorSetDigest([]*x509.Certificate{a, c}) {
		t.Error("same-size sets with different anchors must differ")
	}
}

func FuzzVerifySod(f *testing.F) {
	csca, cscaKey := createTestCSCA(f, "UT")
	dsc, dscKey := createTestDSC(f, csca, cscaKey)
	sod := signSOD(f, cms.NewBuilder(dsc, dscKey, cms.SHA256WithECDSA, cms.OIDLDSSecurityObject), testLDS(f))

	f.Add(sod)
	f.Add(wrapSOD(sod))
	f.Add([]byte{})
	f.Add([]byte{0x77, 0x84, 0xFF, 0xFF, 0xFF, 0xFF})
	f.Add(sod[:len(sod)/2])

	v := NewVerifier(&staticAnchors{certs: []*x509.Certificate{csca}}, Options{})
	f.Fuzz(func(t *testing.T, data []byte) {
		result := v.VerifySod(context.Background(), data, map[string][]byte{"DG1": data})
		if result == nil {
			t.Fatal("VerifySod returned nil")
		}
		if result.Authenticity && !result.SignatureValid {
			t.Error("authenticity without a valid signature")
		}
	})
}
