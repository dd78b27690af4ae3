// Package fetchers retrieves remote Master List resources over HTTP with
// retries and writes them to local files.
package fetchers

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultUserAgent identifies Master List downloads to PKD mirrors.
const DefaultUserAgent = "go-emrtd-masterlist/1.0"

// masterListMediaTypes is sent as Accept. PKD mirrors serve LDIF as text
// and single Master Lists as CMS.
const masterListMediaTypes = "application/pkcs7-mime, text/plain, application/octet-stream;q=0.9, */*;q=0.5"

// ErrInsecureRedirect is returned when an https download redirects to http.
var ErrInsecureRedirect = errors.New("redirect from https to http refused")

// HTTPClientConfig configures the client used for Master List downloads.
type HTTPClientConfig struct {
	// Timeout bounds a whole request including the body.
	// Default: 60 seconds. Master Lists are several megabytes.
	Timeout time.Duration

	// ProxyURL overrides the proxy from the environment,
	// e.g. "http://proxy.example.com:8080".
	ProxyURL string

	// TLSConfig replaces the generated TLS settings. MinTLSVersion still
	// applies when it leaves MinVersion unset.
	TLSConfig *tls.Config

	// MinTLSVersion defaults to TLS 1.2.
	MinTLSVersion uint16

	// UserAgent is sent with every request. Default: DefaultUserAgent.
	UserAgent string

	// MaxRedirects caps redirects per request. Default: 5.
	MaxRedirects int

	// Connection pool and dial settings.
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultHTTPClientConfig returns the settings used when none are given.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:         60 * time.Second,
		MinTLSVersion:   tls.VersionTLS12,
		UserAgent:       DefaultUserAgent,
		MaxRedirects:    5,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
		DialTimeout:     30 * time.Second,
	}
}

// headerTransport sets the download headers on requests that lack them.
type headerTransport struct {
	base      *http.Transport
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" && req.Header.Get("Accept") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", masterListMediaTypes)
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient builds a client for Master List downloads from config,
// or from DefaultHTTPClientConfig when config is nil.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	base, err := newTransport(config)
	if err != nil {
		return nil, err
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	maxRedirects := config.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultHTTPClientConfig().MaxRedirects
	}

	return &http.Client{
		Transport:     &headerTransport{base: base, userAgent: userAgent},
		Timeout:       config.Timeout,
		CheckRedirect: checkRedirect(maxRedirects),
	}, nil
}

func newTransport(config *HTTPClientConfig) (*http.Transport, error) {
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = config.MinTLSVersion
	}

	proxy := http.ProxyFromEnvironment
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		proxy = http.ProxyURL(proxyURL)
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
	}, nil
}

// checkRedirect limits redirect chains and refuses to leave https.
func checkRedirect(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		if via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
			return fmt.Errorf("%w: %s", ErrInsecureRedirect, req.URL.Redacted())
		}
		return nil
	}
}
