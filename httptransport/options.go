package httptransport

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTLSConfig replaces the base TLS configuration. GetClientCertificate
// is always overridden per request.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) {
		if cfg != nil {
			t.base.TLSClientConfig = cfg.Clone()
		}
	}
}

// WithRootCAs sets the pool server certificates are verified against.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(t *Transport) {
		t.base.TLSClientConfig.RootCAs = pool
	}
}

// WithTimeout bounds each request, redirects and body included.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

// WithMaxRedirects sets how many redirects a request may follow.
// Default: 10.
func WithMaxRedirects(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxRedirects = n
		}
	}
}

// WithCookieJar replaces the cookie jar shared by all requests.
func WithCookieJar(jar http.CookieJar) Option {
	return func(t *Transport) {
		t.jar = jar
	}
}

// WithTracerProvider sets the provider spans are created with.
// Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) {
		if tp != nil {
			t.tracer = tp.Tracer(tracerName)
		}
	}
}
