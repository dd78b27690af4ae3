// Package sod verifies the Document Security Object (EF.SOD) of an
// electronic travel document: data group integrity against the declared
// hashes, and authenticity of the document signer against CSCA anchors.
package sod

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"

	"github.com/2060-io/go-emrtd/certpath"
	"github.com/2060-io/go-emrtd/cms"
	"github.com/2060-io/go-emrtd/tlv"
)

// DetailNoAnchors is reported when no trust anchors are available.
const DetailNoAnchors = "no anchors"

// DataGroupStatus is the integrity outcome for one data group.
type DataGroupStatus string

const (
	DataGroupMatched     DataGroupStatus = "matched"
	DataGroupMismatch    DataGroupStatus = "mismatch"
	DataGroupNotSupplied DataGroupStatus = "not-supplied"
)

// SignerMatch describes how the document signer certificate was found.
type SignerMatch string

const (
	// SignerMatchExact means the signer identifier named the certificate.
	SignerMatchExact SignerMatch = "exact"

	// SignerMatchSingleCertificate means the identifier matched nothing and
	// the only embedded certificate was assumed to be the signer.
	SignerMatchSingleCertificate SignerMatch = "single-certificate"

	// SignerMatchNone means no signer certificate was identified.
	SignerMatchNone SignerMatch = "none"
)

// Result is the outcome of verifying one EF.SOD.
type Result struct {
	// Authenticity is true when the signature is valid and the signer
	// chains to a trust anchor.
	Authenticity bool `json:"authenticity"`

	// Integrity is true when no supplied data group mismatched its hash.
	Integrity bool `json:"integrity"`

	Details string `json:"details,omitempty"`

	SignatureValid bool                       `json:"signatureValid"`
	SignerMatch    SignerMatch                `json:"signerMatch,omitempty"`
	Signer         string                     `json:"signer,omitempty"`
	HashAlgorithm  string                     `json:"hashAlgorithm,omitempty"`
	LDSVersion     string                     `json:"ldsVersion,omitempty"`
	DataGroups     map[string]DataGroupStatus `json:"dataGroups,omitempty"`
}

// AnchorSource provides trust anchors. *truststore.Store implements it.
type AnchorSource interface {
	Initialize(ctx context.Context) error
	TrustAnchors() ([]*x509.Certificate, error)
}

// Options configure a Verifier.
type Options struct {
	// Path configures certification path building.
	Path certpath.Options

	// PathCacheTTL is how long path building outcomes are cached.
	// Default: 10 minutes. Negative disables caching.
	PathCacheTTL time.Duration

	Logger logr.Logger
}

// Verifier verifies EF.SOD files. It is safe for concurrent use.
type Verifier struct {
	anchors AnchorSource
	opts    Options
	log     logr.Logger
	paths   *cache.Cache

	trustMu  sync.Mutex
	trust    *certpath.TrustManager
	trustKey string
}

// pathOutcome is a cached path building result.
type pathOutcome struct {
	anchor string
	err    error
}

// NewVerifier creates a Verifier over an anchor source.
func NewVerifier(anchors AnchorSource, opts Options) *Verifier {
	v := &Verifier{anchors: anchors, opts: opts, log: opts.Logger}
	if v.log.GetSink() == nil {
		v.log = logr.Discard()
	}
	if opts.PathCacheTTL == 0 {
		opts.PathCacheTTL = 10 * time.Minute
	}
	if opts.PathCacheTTL > 0 {
		v.paths = cache.New(opts.PathCacheTTL, 2*opts.PathCacheTTL)
	}
	return v
}

// VerifySod verifies sod against the supplied data groups, keyed "DG<n>".
// Data groups declared in the SOD but not supplied are not counted as
// failures. VerifySod never fails: every problem is reported in the Result.
func (v *Verifier) VerifySod(ctx context.Context, sod []byte, dataGroups map[string][]byte) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error(fmt.Errorf("%v", r), "SOD verification panicked")
			result = &Result{SignerMatch: SignerMatchNone, Details: fmt.Sprintf("verification failed: %v", r)}
		}
	}()

	if err := v.anchors.Initialize(ctx); err != nil {
		return failed(fmt.Errorf("trust store unavailable: %w", err))
	}
	anchors, err := v.anchors.TrustAnchors()
	if err != nil {
		return failed(fmt.Errorf("trust store unavailable: %w", err))
	}
	if len(anchors) == 0 {
		return &Result{SignerMatch: SignerMatchNone, Details: DetailNoAnchors}
	}

	result, err = v.verify(ctx, sod, dataGroups, anchors)
	if err != nil {
		v.log.V(1).Info("SOD verification failed", "reason", err.Error())
		return failed(err)
	}
	return result
}

func failed(err error) *Result {
	return &Result{SignerMatch: SignerMatchNone, Details: err.Error()}
}

func (v *Verifier) verify(ctx context.Context, raw []byte, dataGroups map[string][]byte, anchors []*x509.Certificate) (*Result, error) {
	der, err := tlv.Unwrap(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid EF.SOD envelope: %w", err)
	}
	sd, err := cms.ParseSignedData(der)
	if err != nil {
		return nil, err
	}
	if !sd.ContentType().Equal(cms.OIDLDSSecurityObject) {
		return nil, fmt.Errorf("%w: content type %v", ErrMalformedLDS, sd.ContentType())
	}
	content, err := sd.Content()
	if err != nil {
		return nil, err
	}
	lds, err := ParseLDSSecurityObject(content)
	if err != nil {
		return nil, err
	}
	hashType, err := lds.Hash()
	if err != nil {
		return nil, err
	}

	result := &Result{
		HashAlgorithm: hashType.String(),
		LDSVersion:    lds.LDSVersion,
		DataGroups:    make(map[string]DataGroupStatus, len(lds.DataGroupHashes)),
		Integrity:     true,
	}
	var details []string

	for _, name := range lds.DataGroupNames() {
		data, ok := dataGroups[name]
		if !ok {
			result.DataGroups[name] = DataGroupNotSupplied
			continue
		}
		if matchesHash(data, lds.DataGroupHashes[name], hashType) {
			result.DataGroups[name] = DataGroupMatched
			continue
		}
		result.DataGroups[name] = DataGroupMismatch
		result.Integrity = false
		details = append(details, name+" hash mismatch")
	}

	details = append(details, v.checkAuthenticity(ctx, sd, content, anchors, result)...)
	result.Details = strings.Join(details, "; ")
	return result, nil
}

// matchesHash hashes a data group file. Only an EF.SOD envelope is
// stripped; data group files are hashed whole, including their own tag.
func matchesHash(data, expected []byte, hashType crypto.Hash) bool {
	body, err := tlv.Unwrap(data)
	if err != nil {
		return false
	}
	h := hashType.New()
	h.Write(body)
	return bytes.Equal(h.Sum(nil), expected)
}

// checkAuthenticity fills the signer fields of result and returns details.
func (v *Verifier) checkAuthenticity(ctx context.Context, sd *cms.SignedData, content []byte, anchors []*x509.Certificate, result *Result) []string {
	var details []string

	certs, certErrs := sd.ParsedCertificates()
	for _, err := range certErrs {
		v.log.V(1).Info("skipping embedded certificate", "reason", err.Error())
	}

	infos, err := sd.ParsedSignerInfos()
	if err != nil {
		result.SignerMatch = SignerMatchNone
		return append(details, err.Error())
	}
	si := infos[0]

	signer, match := findSigner(si, certs)
	result.SignerMatch = match
	switch match {
	case SignerMatchNone:
		return append(details, "signer certificate not found")
	case SignerMatchSingleCertificate:
		details = append(details, "signer identifier did not match; using the only embedded certificate")
	}
	result.Signer = signer.Subject.String()

	if err := cms.VerifySignerInfo(si, signer, content); err != nil {
		details = append(details, fmt.Sprintf("signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
	}

	if err := v.buildPath(ctx, signer, certs, anchors); err != nil {
		details = append(details, fmt.Sprintf("no trusted path: %v", err))
	} else {
		result.Authenticity = result.SignatureValid
	}
	return details
}

func findSigner(si *cms.SignerInfo, certs []*x509.Certificate) (*x509.Certificate, SignerMatch) {
	if id, err := si.Identifier(); err == nil {
		for _, cert := range certs {
			if id.Matches(cert) {
				return cert, SignerMatchExact
			}
		}
	}
	if len(certs) == 1 {
		return certs[0], SignerMatchSingleCertificate
	}
	return nil, SignerMatchNone
}

func (v *Verifier) buildPath(ctx context.Context, signer *x509.Certificate, embedded []*x509.Certificate, anchors []*x509.Certificate) error {
	var intermediates []*x509.Certificate
	for _, cert := range embedded {
		if !cert.Equal(signer) {
			intermediates = append(intermediates, cert)
		}
	}

	anchorSet := anchorSetDigest(anchors)
	key := pathCacheKey(signer, intermediates, anchorSet)
	if v.paths != nil {
		if cached, ok := v.paths.Get(key); ok {
			return cached.(pathOutcome).err
		}
	}

	path, err := certpath.NewPathBuilder(v.trustManager(anchors, anchorSet), v.opts.Path).BuildPath(ctx, signer, intermediates)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	outcome := pathOutcome{err: err}
	if err == nil {
		outcome.anchor = path.Anchor.Subject.String()
		v.log.V(1).Info("document signer chains to anchor", "signer", signer.Subject.String(), "anchor", outcome.anchor)
	}
	if v.paths != nil {
		v.paths.Set(key, outcome, cache.DefaultExpiration)
	}
	return err
}

// trustManager returns an index over anchors, rebuilt when the set changes.
func (v *Verifier) trustManager(anchors []*x509.Certificate, anchorSet string) *certpath.TrustManager {
	v.trustMu.Lock()
	defer v.trustMu.Unlock()

	if v.trust == nil || v.trustKey != anchorSet {
		v.trust = certpath.NewTrustManager(anchors)
		v.trustKey = anchorSet
	}
	return v.trust
}

// anchorSetDigest identifies an anchor set independently of its order.
func anchorSetDigest(anchors []*x509.Certificate) string {
	prints := make([]string, len(anchors))
	for i, cert := range anchors {
		prints[i] = certpath.Thumbprint(cert)
	}
	sort.Strings(prints)

	h := sha256.New()
	for _, p := range prints {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func pathCacheKey(signer *x509.Certificate, intermediates []*x509.Certificate, anchorSet string) string {
	h := sha256.New()
	h.Write(signer.Raw)
	for _, cert := range intermediates {
		h.Write(cert.Raw)
	}
	return hex.EncodeToString(h.Sum(nil)) + "/" + anchorSet
}
