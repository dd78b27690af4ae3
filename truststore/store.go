// Package truststore maintains the set of CSCA trust anchors loaded from an
// ICAO Master List, with an on-disk cache for remote sources.
package truststore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"

	"github.com/2060-io/go-emrtd/certpath"
	"github.com/2060-io/go-emrtd/masterlist"
)

// ErrNotInitialized is returned by TrustAnchors before Initialize succeeded.
var ErrNotInitialized = errors.New("trust store not initialized")

// InitError reports a failed initialization step.
type InitError struct {
	Op     string
	Source string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("trust store initialization failed: %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Options configure a Store.
type Options struct {
	// Source is a local path or an http(s) URL. With no Source and no
	// Anchors the store is disabled and initializes with no anchors.
	Source string

	// Anchors are additional CSCA certificates, typically read from PEM
	// or DER files, trusted alongside the Master List.
	Anchors []*x509.Certificate

	// CacheDir holds downloaded Master Lists. Defaults to FS.CacheDir().
	CacheDir string

	// TTL controls cache staleness for remote sources. Nil or negative
	// reuses the cache indefinitely, zero refreshes on every
	// initialization, and a positive value refreshes once the cached copy
	// is at least that old.
	TTL *time.Duration

	// FS is the file system and download surface. Required for remote
	// sources; defaults to a LocalFileSystem.
	FS FileSystem

	Logger logr.Logger
	Clock  clockwork.Clock
}

// Metadata is persisted next to a cached Master List.
type Metadata struct {
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Store loads and holds CSCA trust anchors.
type Store struct {
	opts      Options
	log       logr.Logger
	clock     clockwork.Clock
	cachePath string
	metaPath  string

	// initMu serializes Initialize; mu guards the fields below.
	initMu      sync.Mutex
	mu          sync.RWMutex
	initialized bool
	anchors     []*x509.Certificate
	index       map[string]bool
}

// New creates a Store. Nothing is read until Initialize.
func New(opts Options) (*Store, error) {
	s := &Store{
		opts:  opts,
		log:   opts.Logger,
		clock: opts.Clock,
		index: make(map[string]bool),
	}
	if s.log.GetSink() == nil {
		s.log = logr.Discard()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	if opts.FS == nil {
		fs, err := NewLocalFileSystem(opts.CacheDir, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
		}
		s.opts.FS = fs
	}

	if isRemote(opts.Source) {
		dir := s.opts.CacheDir
		if dir == "" {
			dir = s.opts.FS.CacheDir()
		}
		s.cachePath = filepath.Join(dir, cacheFileName(opts.Source))
		s.metaPath = s.cachePath + ".meta.json"
	}
	return s, nil
}

// Enabled reports whether a Master List source or extra anchors are configured.
func (s *Store) Enabled() bool {
	return s.opts.Source != "" || len(s.opts.Anchors) > 0
}

// CachePath returns the cache file for a remote source, or "".
func (s *Store) CachePath() string {
	return s.cachePath
}

// Initialize loads the trust anchors. It is safe for concurrent use and
// does its work once: after a successful call further calls return nil
// immediately. A failed call leaves the store uninitialized, so it may be
// retried.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.isInitialized() {
		return nil
	}

	if !s.Enabled() {
		s.log.Info("no Master List source configured, document authenticity checks disabled")
		s.setAnchors(nil)
		return nil
	}
	if s.opts.Source == "" {
		s.setAnchors(s.opts.Anchors)
		s.log.Info("trust store initialized from configured anchors", "anchors", len(s.opts.Anchors))
		return nil
	}

	data, err := s.load(ctx)
	if err != nil {
		s.log.Error(err, "failed to load Master List", "source", s.opts.Source)
		return err
	}

	result, err := masterlist.Parse(data, s.log)
	if err != nil {
		err = &InitError{Op: "parse", Source: s.opts.Source, Err: err}
		s.log.Error(err, "failed to parse Master List", "source", s.opts.Source)
		return err
	}

	s.setAnchors(result.Certificates)
	s.setAnchors(s.opts.Anchors)
	s.log.Info("trust store initialized", "source", s.opts.Source,
		"masterListAnchors", len(result.Certificates), "extraAnchors", len(s.opts.Anchors))
	return nil
}

// TrustAnchors returns a snapshot of the anchors.
func (s *Store) TrustAnchors() ([]*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]*x509.Certificate, len(s.anchors))
	copy(out, s.anchors)
	return out, nil
}

func (s *Store) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Store) setAnchors(certs []*x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cert := range certs {
		key := certpath.Thumbprint(cert)
		if s.index[key] {
			continue
		}
		s.index[key] = true
		s.anchors = append(s.anchors, cert)
	}
	s.initialized = true
}

func (s *Store) load(ctx context.Context) ([]byte, error) {
	fs := s.opts.FS

	if !isRemote(s.opts.Source) {
		text, err := fs.ReadString(s.opts.Source)
		if err != nil {
			return nil, &InitError{Op: "read", Source: s.opts.Source, Err: err}
		}
		return []byte(text), nil
	}

	if refresh, reason := s.needsRefresh(); refresh {
		s.log.Info("downloading Master List", "source", s.opts.Source, "reason", reason)
		if err := fs.Download(ctx, s.opts.Source, s.cachePath); err != nil {
			return nil, &InitError{Op: "download", Source: s.opts.Source, Err: err}
		}
		meta, err := json.Marshal(Metadata{DownloadedAt: s.clock.Now().UTC()})
		if err != nil {
			return nil, &InitError{Op: "write metadata", Source: s.metaPath, Err: err}
		}
		if err := fs.WriteString(s.metaPath, string(meta)); err != nil {
			return nil, &InitError{Op: "write metadata", Source: s.metaPath, Err: err}
		}
	} else {
		s.log.V(1).Info("using cached Master List", "path", s.cachePath)
	}

	text, err := fs.ReadString(s.cachePath)
	if err != nil {
		return nil, &InitError{Op: "read cache", Source: s.cachePath, Err: err}
	}
	return []byte(text), nil
}

// needsRefresh applies the staleness policy to the cache file.
func (s *Store) needsRefresh() (bool, string) {
	fs := s.opts.FS
	if !fs.Exists(s.cachePath) {
		return true, "no cached copy"
	}

	ttl := s.opts.TTL
	switch {
	case ttl == nil || *ttl < 0:
		return false, ""
	case *ttl == 0:
		return true, "cache TTL is zero"
	}

	if !fs.Exists(s.metaPath) {
		return true, "cache metadata missing"
	}
	raw, err := fs.ReadString(s.metaPath)
	if err != nil {
		return true, "cache metadata unreadable"
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.DownloadedAt.IsZero() {
		return true, "cache metadata invalid"
	}

	if age := s.clock.Since(meta.DownloadedAt); age >= *ttl {
		return true, fmt.Sprintf("cache age %s exceeds TTL %s", age.Truncate(time.Second), *ttl)
	}
	return false, ""
}

func isRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// cacheFileName derives a stable file name from the source URL.
func cacheFileName(source string) string {
	sum := sha256.Sum256([]byte(source))
	ext := ".ldif"
	if u, err := url.Parse(source); err == nil {
		if e := path.Ext(u.Path); e != "" && len(e) <= 6 {
			ext = e
		}
	}
	return "masterlist-" + hex.EncodeToString(sum[:8]) + ext
}
