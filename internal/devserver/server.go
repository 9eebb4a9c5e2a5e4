// Package devserver is a local stand-in for a third-party token validation
// service. It implements the remote side of the validation contract,
// including the auth gate that turns the first POST into a GET redirect
// chain, so the client can be exercised end to end without the real
// service.
package devserver

import (
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	openapi "github.com/go-openapi/runtime/middleware"
	"go.uber.org/zap"

	"github.com/jmcleod/tokenvalidator/internal/util"
)

const (
	// ValidatePath receives the validation POST.
	ValidatePath = "/validate"
	// GatePath is where a gated POST is sent to pick up its cookie.
	GatePath = "/gate"

	gateCookieName = "tv_gate"
	grantType      = "authorization_code"
	maxBodySize    = 64 << 10
)

//go:embed openapi.yaml
var openapiSpec []byte

// Config describes the behaviour of the service.
type Config struct {
	// Scope is returned with every successful validation.
	Scope string
	// Tokens maps accepted tokens to the shared secret returned for them.
	Tokens map[string]string
	// AuthGate redirects a POST without the gate cookie through GatePath
	// and back to ValidatePath as a GET.
	AuthGate bool
	// ClientIssuer, when set, requires a verified client certificate whose
	// issuer common name matches.
	ClientIssuer string
}

// Server serves the validation endpoints.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	gateSecret string
	limiter    *failureLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Server for cfg.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Scope == "" {
		return nil, errors.New("devserver: scope is required")
	}
	tokens := make(map[string]string, len(cfg.Tokens))
	for k, v := range cfg.Tokens {
		tokens[k] = v
	}
	cfg.Tokens = tokens

	secret, err := util.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("devserver: %w", err)
	}
	s := &Server{
		cfg:        cfg,
		logger:     zap.NewNop(),
		gateSecret: hex.EncodeToString(secret),
		limiter:    newFailureLimiter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router returns a chi.Router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(securityHeaders)
	r.Use(middleware.RequestSize(maxBodySize))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", openapi.Redoc(openapi.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Post(ValidatePath, s.Validate)
	r.Get(GatePath, s.Gate)
	return r
}

// Sweep drops expired rate limit records. Call it periodically.
func (s *Server) Sweep() {
	s.limiter.sweep()
}

// Validate checks the posted token and returns the shared secret for it.
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthGate && !s.hasGateCookie(r) {
		http.Redirect(w, r, GatePath, http.StatusSeeOther)
		return
	}

	ip := clientIP(r)
	if blocked, retryAfter := s.limiter.check(ip); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	if s.cfg.ClientIssuer != "" && !s.clientIssuerMatches(r) {
		writeError(w, http.StatusForbidden, "client_certificate_required")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != grantType {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	secret, ok := s.lookup(r.PostForm.Get("code"))
	if !ok {
		s.limiter.recordFailure(ip)
		writeError(w, http.StatusUnauthorized, "invalid_grant")
		return
	}
	s.limiter.recordSuccess(ip)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{
		Scope:       s.cfg.Scope,
		AccessToken: secret,
		TokenType:   "Bearer",
	})
}

// Gate sets the gate cookie and sends the client back to ValidatePath.
func (s *Server) Gate(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     gateCookieName,
		Value:    s.gateSecret,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(10 * time.Minute),
	})
	http.Redirect(w, r, ValidatePath, http.StatusFound)
}

func (s *Server) hasGateCookie(r *http.Request) bool {
	c, err := r.Cookie(gateCookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(s.gateSecret)) == 1
}

func (s *Server) clientIssuerMatches(r *http.Request) bool {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 {
		return false
	}
	leaf := r.TLS.VerifiedChains[0][0]
	return leaf.Issuer.CommonName == s.cfg.ClientIssuer
}

func (s *Server) lookup(code string) (string, bool) {
	if code == "" {
		return "", false
	}
	for token, secret := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(code)) == 1 {
			return secret, true
		}
	}
	return "", false
}

// TokenResponse is the body of a successful validation.
type TokenResponse struct {
	Scope       string `json:"scope"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
