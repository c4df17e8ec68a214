package webhook

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"
)

// Doer sends one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFactory hands out HTTP clients keyed by the TLS verification toggle.
// Redirects are never followed so signed requests are not replayed to a
// different host.
type ClientFactory struct {
	mu       sync.Mutex
	verified Doer
	insecure Doer
	base     *http.Transport
}

// NewClientFactory constructs a ClientFactory on top of the default transport.
func NewClientFactory() *ClientFactory {
	base, _ := http.DefaultTransport.(*http.Transport)
	if base == nil {
		base = &http.Transport{}
	}
	base = base.Clone()
	base.MaxIdleConnsPerHost = 16
	base.IdleConnTimeout = 90 * time.Second
	return &ClientFactory{base: base}
}

// NewStaticClientFactory always returns doer. Tests use it to inject an
// httptest client.
func NewStaticClientFactory(doer Doer) *ClientFactory {
	return &ClientFactory{verified: doer, insecure: doer}
}

// Client returns the client for the given verification setting.
func (f *ClientFactory) Client(verifyTLS bool) Doer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if verifyTLS {
		if f.verified == nil {
			f.verified = f.build(false)
		}
		return f.verified
	}
	if f.insecure == nil {
		f.insecure = f.build(true)
	}
	return f.insecure
}

func (f *ClientFactory) build(skipVerify bool) *http.Client {
	transport := f.base.Clone()
	if skipVerify {
		cfg := transport.TLSClientConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		cfg.InsecureSkipVerify = true //nolint:gosec // per-subscriber opt-out
		transport.TLSClientConfig = cfg
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
