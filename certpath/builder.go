package certpath

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxDepth bounds the number of intermediates between the target and
// an anchor. Document signers normally chain directly to a CSCA.
const DefaultMaxDepth = 4

// Options configure path building.
type Options struct {
	// CheckValidity rejects paths containing a certificate outside its
	// validity period at Clock.Now(). Document signer certificates commonly
	// expire long before the documents they signed, so this is off by default.
	CheckValidity bool

	// Clock supplies the validation time. Defaults to the real clock.
	Clock clockwork.Clock

	// MaxDepth limits intermediate certificates. Defaults to DefaultMaxDepth.
	MaxDepth int
}

// Path is a certification path from a target certificate to a trust anchor.
type Path struct {
	// Certificates from the target towards the anchor, excluding the anchor.
	Certificates []*x509.Certificate

	// Anchor at the end of the path.
	Anchor *x509.Certificate
}

// Length returns the total length of the path including the anchor.
func (p *Path) Length() int {
	return len(p.Certificates) + 1
}

// Chain returns the path certificates followed by the anchor.
func (p *Path) Chain() []*x509.Certificate {
	chain := make([]*x509.Certificate, 0, p.Length())
	chain = append(chain, p.Certificates...)
	return append(chain, p.Anchor)
}

// PathBuilder builds certification paths to the anchors of a TrustManager.
type PathBuilder struct {
	trust *TrustManager
	opts  Options
}

// NewPathBuilder creates a new PathBuilder.
func NewPathBuilder(trust *TrustManager, opts Options) *PathBuilder {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &PathBuilder{trust: trust, opts: opts}
}

// BuildPath returns the first valid path from cert to an anchor. Untrusted
// intermediates, such as extra certificates embedded next to the signer, may
// be used as path elements but never terminate a path.
func (pb *PathBuilder) BuildPath(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) (*Path, error) {
	if pb.trust == nil || pb.trust.Count() == 0 {
		return nil, ErrNoAnchors
	}

	w := &pathWalker{
		ctx:           ctx,
		builder:       pb,
		intermediates: intermediates,
		seen:          map[string]bool{Thumbprint(cert): true},
	}

	if pb.trust.IsRoot(cert) {
		err := w.checkValidity(cert)
		if err == nil {
			return &Path{Anchor: cert}, nil
		}
		w.failures = append(w.failures, err.Error())
	}

	if path := w.walk([]*x509.Certificate{cert}); path != nil {
		return path, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, NewPathBuildingError(
		fmt.Sprintf("no path to a trust anchor for %q", cert.Subject.String()), w.failures)
}

// pathWalker walks the issuer graph depth first.
type pathWalker struct {
	ctx           context.Context
	builder       *PathBuilder
	intermediates []*x509.Certificate
	seen          map[string]bool
	failures      []string
}

func (w *pathWalker) walk(current []*x509.Certificate) *Path {
	if w.ctx.Err() != nil {
		return nil
	}

	cert := current[len(current)-1]
	if err := w.checkValidity(cert); err != nil {
		w.failures = append(w.failures, err.Error())
		return nil
	}

	for _, anchor := range w.builder.trust.FindPotentialIssuers(cert) {
		if err := w.checkIssued(cert, anchor); err != nil {
			w.failures = append(w.failures, err.Error())
			continue
		}
		if err := w.checkValidity(anchor); err != nil {
			w.failures = append(w.failures, err.Error())
			continue
		}
		certs := make([]*x509.Certificate, len(current))
		copy(certs, current)
		return &Path{Certificates: certs, Anchor: anchor}
	}

	if len(current) > w.builder.opts.MaxDepth {
		return nil
	}

	for _, issuer := range w.intermediates {
		key := Thumbprint(issuer)
		if w.seen[key] || !isPotentialIssuer(issuer, cert) {
			continue
		}
		if err := w.checkIssued(cert, issuer); err != nil {
			w.failures = append(w.failures, err.Error())
			continue
		}

		w.seen[key] = true
		path := w.walk(append(current, issuer))
		delete(w.seen, key)
		if path != nil {
			return path
		}
	}

	return nil
}

// checkIssued verifies that issuer is a CA whose key signed cert.
// SHA-1 signatures are accepted; they remain common on older documents.
func (w *pathWalker) checkIssued(cert, issuer *x509.Certificate) error {
	if issuer.Version == 3 && issuer.BasicConstraintsValid && !issuer.IsCA {
		return fmt.Errorf("%q is not a CA", issuer.Subject.String())
	}
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return fmt.Errorf("%q may not sign certificates", issuer.Subject.String())
	}
	if err := issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("signature of %q not verified by %q: %v",
			cert.Subject.String(), issuer.Subject.String(), err)
	}
	return nil
}

func (w *pathWalker) checkValidity(cert *x509.Certificate) error {
	if !w.builder.opts.CheckValidity {
		return nil
	}
	now := w.builder.opts.Clock.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%q not valid at %s", cert.Subject.String(), now.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return nil
}
