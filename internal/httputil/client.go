// Package httputil builds the HTTP clients used for upstream probes.
package httputil

import (
	"net/http"
	"time"
)

const (
	defaultTimeout             = 15 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// HTTPClientConfig tunes the transport of a probe client.
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPClientConfig returns the settings used for zero fields.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

// withDefaults returns a copy of cfg with zero fields filled in.
func (cfg HTTPClientConfig) withDefaults() HTTPClientConfig {
	d := DefaultHTTPClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = d.IdleConnTimeout
	}
	return cfg
}

// NewHTTPClient builds a probe client. A nil cfg uses the defaults.
// Redirects are not followed: a probe answered with a redirect is reported
// as such.
func NewHTTPClient(cfg *HTTPClientConfig) *http.Client {
	var c HTTPClientConfig
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	return &http.Client{
		// Probe responses are small, so the whole exchange is bounded.
		Timeout: c.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: c.Timeout,
			MaxIdleConns:          c.MaxIdleConns,
			MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
			IdleConnTimeout:       c.IdleConnTimeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
