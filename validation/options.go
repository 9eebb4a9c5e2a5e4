package validation

import (
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/tokenvalidator/certs"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger failure reasons are reported to.
// Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCertificateStore sets the store client certificates are selected
// from. Without one, certificate requests are answered with no certificate.
func WithCertificateStore(store certs.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithClock sets the time source used for certificate validity.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClientID adds a client_id parameter to the validation request.
func WithClientID(id string) Option {
	return func(s *Session) {
		s.clientID = id
	}
}

// WithRedirectURI adds a redirect_uri parameter to the validation request.
func WithRedirectURI(uri string) Option {
	return func(s *Session) {
		s.redirectURI = uri
	}
}
