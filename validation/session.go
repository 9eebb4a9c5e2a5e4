// Package validation proves a third-party token to a remote validation
// service and recovers the shared secret the service returns.
//
// A Session owns one validation attempt at a time. It submits the token
// through a Transport, replays the POST once when an auth gate redirects it
// back as a GET, answers client certificate requests from a certs.Store and
// parses the final response. The outcome is a single string delivered to a
// CompletionFunc: the shared secret, or "" when the token is not authorized
// for any reason. Reasons are only distinguished in the logs.
package validation

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/jmcleod/tokenvalidator/certs"
	"github.com/jmcleod/tokenvalidator/internal/util"
	"github.com/jmcleod/tokenvalidator/internal/uuid"
	"github.com/jmcleod/tokenvalidator/trust"
)

const (
	formContentType = "application/x-www-form-urlencoded"
	grantType       = "authorization_code"

	// maxLoggedBody bounds how much of a rejected response body is logged.
	maxLoggedBody = 512
)

// CompletionFunc receives the result of an attempt: the shared secret, or
// "" on any failure.
type CompletionFunc func(sharedSecret string)

// State is the phase of the current attempt.
type State int

const (
	StateIdle State = iota
	StateSending
	StateReceiving
	StateCompleted
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// attempt is the live validation attempt of a session.
type attempt struct {
	id      string
	token   *memguard.Enclave
	body    bytes.Buffer
	retried bool
	state   State
	request Request
}

// Session validates tokens against one trust configuration.
//
// A Session is not safe for concurrent use. Validate, Close and every
// transport callback must run on one sequential stream, and Validate must
// not be called again before the previous attempt's CompletionFunc has run.
type Session struct {
	cfg       trust.Config
	transport Transport
	done      CompletionFunc

	logger      *zap.Logger
	store       certs.Store
	now         func() time.Time
	clientID    string
	redirectURI string

	attempt *attempt
	closed  bool
}

// NewSession returns an idle session bound to a copy of cfg.
func NewSession(cfg trust.Config, transport Transport, done CompletionFunc, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("validation: transport is required")
	}
	if done == nil {
		return nil, errors.New("validation: completion callback is required")
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		done:      done,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TokenURL returns the configured token exchange endpoint.
func (s *Session) TokenURL() string { return s.cfg.TokenURL }

// Scope returns the scope a validated token must carry.
func (s *Session) Scope() string { return s.cfg.Scope }

// State returns the phase of the current attempt, StateIdle when there is none.
func (s *Session) State() State {
	if s.attempt == nil {
		return StateIdle
	}
	return s.attempt.state
}

// Validate starts validating token. The result is delivered to the
// session's CompletionFunc exactly once, possibly before Validate returns
// when the request cannot even be submitted.
func (s *Session) Validate(token string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.attempt != nil {
		return ErrAttemptInFlight
	}
	if token == "" {
		return ErrEmptyToken
	}

	a := &attempt{
		id:    uuid.New(),
		token: memguard.NewEnclave([]byte(token)),
	}
	s.attempt = a
	s.logger.Debug("validating token",
		zap.String("attempt_id", a.id),
		zap.String("validation_url", s.cfg.ValidationURL))

	if err := s.send(a); err != nil {
		s.logger.Error("error submitting token validation request",
			zap.String("attempt_id", a.id), zap.Error(err))
		s.complete(a, "")
	}
	return nil
}

// Close abandons the in-flight attempt, if any, without invoking the
// CompletionFunc, and releases the token and buffered response. Close is
// idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if a := s.attempt; a != nil {
		if a.request != nil {
			a.request.Cancel()
		}
		s.logger.Debug("validation attempt abandoned", zap.String("attempt_id", a.id))
		s.release(a)
	}
}

// send submits the validation POST for a.
func (s *Session) send(a *attempt) error {
	if a.token == nil {
		return errors.New("token already released")
	}
	buf, err := a.token.Open()
	if err != nil {
		return fmt.Errorf("opening token enclave: %w", err)
	}
	form := url.Values{}
	form.Set("code", buf.String())
	form.Set("grant_type", grantType)
	buf.Destroy()
	if s.clientID != "" {
		form.Set("client_id", s.clientID)
	}
	if s.redirectURI != "" {
		form.Set("redirect_uri", s.redirectURI)
	}
	body := []byte(form.Encode())
	defer util.WipeBytes(body)

	req, err := s.transport.Submit(Submission{
		Method:      http.MethodPost,
		URL:         s.cfg.ValidationURL,
		ContentType: formContentType,
		Body:        body,
	}, (*delegate)(s))
	if err != nil {
		return err
	}
	a.request = req
	a.state = StateSending
	return nil
}

// complete ends a with secret and notifies the caller. The attempt is
// cleared first so the CompletionFunc may start a new one.
func (s *Session) complete(a *attempt, secret string) {
	a.state = StateCompleted
	s.release(a)
	s.done(secret)
}

func (s *Session) release(a *attempt) {
	util.WipeBytes(a.body.Bytes())
	a.body.Reset()
	a.token = nil
	a.request = nil
	if s.attempt == a {
		s.attempt = nil
	}
}

// current returns the live attempt if req is its request.
func (s *Session) current(req Request) *attempt {
	a := s.attempt
	if s.closed || a == nil || a.request == nil || a.request != req {
		s.logger.Debug("ignoring event from stale validation request")
		return nil
	}
	return a
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

// delegate implements Delegate for a Session without exposing the
// callbacks in the Session API.
type delegate Session

func (d *delegate) OnRedirect(req Request, newMethod, newURL string) RedirectDecision {
	s := (*Session)(d)
	a := s.current(req)
	if a == nil {
		return RedirectFollow
	}
	if a.retried || newMethod != http.MethodGet || newURL != s.cfg.ValidationURL {
		s.logger.Debug("following redirect",
			zap.String("attempt_id", a.id),
			zap.String("method", newMethod),
			zap.String("url", newURL))
		return RedirectFollow
	}

	// A redirect chain turned the POST into a GET for the validation URL.
	// The chain is expected to have set cookies that let a fresh POST
	// through, so resend it once instead of following.
	s.logger.Info("validation POST redirected back as GET; resending",
		zap.String("attempt_id", a.id))
	a.retried = true
	a.request.Cancel()
	a.request = nil
	util.WipeBytes(a.body.Bytes())
	a.body.Reset()
	if err := s.send(a); err != nil {
		s.logger.Error("error resubmitting token validation request",
			zap.String("attempt_id", a.id), zap.Error(err))
		s.complete(a, "")
	}
	return RedirectSuppress
}

func (d *delegate) OnCertificateRequested(req Request, info *tls.CertificateRequestInfo) {
	s := (*Session)(d)
	a := s.current(req)
	if a == nil {
		return
	}
	req.ContinueWithCertificate(s.selectCertificate(a, info))
}

// selectCertificate ranks the store's candidates afresh on every request.
// Any failure yields no certificate and leaves the decision to the server.
func (s *Session) selectCertificate(a *attempt, info *tls.CertificateRequestInfo) *tls.Certificate {
	if s.store == nil {
		s.logger.Info("client certificate requested but no store is configured",
			zap.String("attempt_id", a.id))
		return nil
	}
	candidates, err := s.store.ClientCertificates(context.Background(), info)
	if err != nil {
		s.logger.Warn("error listing client certificates",
			zap.String("attempt_id", a.id), zap.Error(err))
		return nil
	}
	best, ok := certs.Rank(s.cfg.CertIssuer, s.now(), candidates)
	if !ok {
		s.logger.Warn("no valid client certificate",
			zap.String("attempt_id", a.id),
			zap.String("issuer", s.cfg.CertIssuer),
			zap.Int("candidates", len(candidates)))
		return nil
	}
	s.logger.Debug("selected client certificate",
		zap.String("attempt_id", a.id),
		zap.String("issuer", best.IssuerCommonName),
		zap.Time("not_before", best.NotBefore),
		zap.Time("not_after", best.NotAfter))
	return best.Handle
}

func (d *delegate) OnResponseData(req Request, chunk []byte) {
	s := (*Session)(d)
	a := s.current(req)
	if a == nil {
		return
	}
	a.state = StateReceiving
	a.body.Write(chunk)
}

func (d *delegate) OnComplete(req Request, resp Response) {
	s := (*Session)(d)
	a := s.current(req)
	if a == nil {
		return
	}
	s.complete(a, s.processResponse(a, resp))
}

// processResponse turns the finished response into the shared secret and
// logs why it is empty.
func (s *Session) processResponse(a *attempt, resp Response) string {
	log := s.logger.With(zap.String("attempt_id", a.id))
	if resp.Err != nil {
		log.Error("error validating token", zap.Error(resp.Err))
		return ""
	}

	secret, err := ParseResponse(resp.StatusCode, a.body.Bytes(), s.cfg.Scope)
	switch {
	case errors.Is(err, ErrUnexpectedStatus):
		log.Error("error status validating token",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(a.body.Bytes())))
	case errors.Is(err, ErrMalformedResponse):
		log.Error("invalid token validation response",
			zap.String("body", truncate(a.body.Bytes())), zap.Error(err))
	case errors.Is(err, ErrScopeMismatch):
		log.Error("invalid scope", zap.String("expected", s.cfg.Scope), zap.Error(err))
	case err != nil:
		log.Error("error parsing token validation response", zap.Error(err))
	case secret == "":
		log.Warn("validation response has the expected scope but no access_token")
	default:
		log.Debug("token validated")
	}
	return secret
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "..."
	}
	return string(b)
}
