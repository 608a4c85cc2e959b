package fetchers

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
)

// HTTPClientConfig holds transport settings for trusted-list downloads.
// Lists are few, large and served by a handful of national hosts, so the
// pool is small and the response-header wait generous.
type HTTPClientConfig struct {
	// Timeout bounds a whole download including the body.
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the status line.
	ResponseHeaderTimeout time.Duration

	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	MaxConnsPerHost int

	// ProxyURL overrides the proxy from the environment.
	ProxyURL string

	// ExtraRoots are added to the system pool, for national hosts whose
	// server certificates chain to a government CA.
	ExtraRoots []*x509.Certificate

	// TLSConfig replaces the TLS settings derived from the fields above.
	TLSConfig *tls.Config
}

// DefaultHTTPClientConfig returns the configuration used when none is given.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:               2 * time.Minute,
		ResponseHeaderTimeout: 30 * time.Second,
		DialTimeout:           15 * time.Second,
		IdleConnTimeout:       time.Minute,
		MaxConnsPerHost:       2,
	}
}

func (c *HTTPClientConfig) tlsConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(c.ExtraRoots) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "system cert pool")
		}
		for _, root := range c.ExtraRoots {
			pool.AddCert(root)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (c *HTTPClientConfig) proxy() (func(*http.Request) (*url.URL, error), error) {
	if c.ProxyURL == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid proxy URL %q", c.ProxyURL)
	}
	return http.ProxyURL(u), nil
}

// NewHTTPClient builds the client used by HTTPRetriever. A nil config uses
// DefaultHTTPClientConfig.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}
	proxy, err := config.proxy()
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: config.DialTimeout}).DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   config.DialTimeout,
	}
	return &http.Client{Transport: transport, Timeout: config.Timeout}, nil
}
