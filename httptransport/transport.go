// Package httptransport implements validation.Transport on top of net/http.
//
// Every request runs on its own goroutine. Progress is reported to the
// request's delegate through a validation.Runner, so all callbacks arrive on
// the runner's sequential stream:
//
//   - each redirect hop is offered to Delegate.OnRedirect before it is
//     followed (http.Client.CheckRedirect);
//   - a TLS client certificate request pauses the handshake until the
//     delegate answers with Request.ContinueWithCertificate
//     (tls.Config.GetClientCertificate);
//   - the response body is reported in chunks, then completion.
//
// Cookies set anywhere along a redirect chain are kept in a jar shared by
// all requests of a Transport, so a replayed request carries them.
package httptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/jmcleod/tokenvalidator/internal/util"
	"github.com/jmcleod/tokenvalidator/validation"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/jmcleod/tokenvalidator/httptransport"

const (
	// chunkSize is the size of the reads the response body is reported in.
	chunkSize = 4096

	defaultMaxRedirects = 10
)

var (
	// ErrRedirectSuppressed is the error a request ends with when its
	// delegate took over a redirect. It is never reported to the delegate.
	ErrRedirectSuppressed = errors.New("redirect suppressed by delegate")

	// ErrTooManyRedirects is reported when a redirect chain exceeds the
	// configured limit.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport submits requests over HTTP(S).
type Transport struct {
	runner       validation.Runner
	base         *http.Transport
	jar          http.CookieJar
	logger       *zap.Logger
	tracer       trace.Tracer
	timeout      time.Duration
	maxRedirects int

	ctx    context.Context
	cancel context.CancelFunc
}

var _ validation.Transport = (*Transport)(nil)

// New returns a Transport delivering callbacks through runner.
func New(runner validation.Runner, opts ...Option) (*Transport, error) {
	if runner == nil {
		return nil, errors.New("httptransport: runner is required")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	t := &Transport{
		runner:       runner,
		base:         base,
		jar:          jar,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer(tracerName),
		maxRedirects: defaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Close aborts every in-flight request. Their delegates receive no further
// callbacks unless a completion was already queued.
func (t *Transport) Close() {
	t.cancel()
	t.base.CloseIdleConnections()
}

// Submit starts sub and returns immediately. It copies sub.Body.
func (t *Transport) Submit(sub validation.Submission, d validation.Delegate) (validation.Request, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if d == nil {
		return nil, errors.New("httptransport: delegate is required")
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(t.ctx, t.timeout)
	} else {
		ctx, cancel = context.WithCancel(t.ctx)
	}
	body := util.CopyBytes(sub.Body)
	httpReq, err := http.NewRequestWithContext(ctx, sub.Method, sub.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		util.WipeBytes(body)
		return nil, fmt.Errorf("building request: %w", err)
	}
	if sub.ContentType != "" {
		httpReq.Header.Set("Content-Type", sub.ContentType)
	}

	r := &request{
		transport: t,
		delegate:  d,
		ctx:       ctx,
		cancel:    cancel,
		body:      body,
		certs:     make(chan *tls.Certificate, 1),
	}
	go r.run(httpReq)
	return r, nil
}

// request is the handle of one submitted request.
type request struct {
	transport *Transport
	delegate  validation.Delegate
	ctx       context.Context
	cancel    context.CancelFunc
	body      []byte
	certs     chan *tls.Certificate
	canceled  atomic.Bool
	redirects int
}

var _ validation.Request = (*request)(nil)

// ContinueWithCertificate answers a pending certificate request.
func (r *request) ContinueWithCertificate(cert *tls.Certificate) {
	select {
	case r.certs <- cert:
	default:
		r.transport.logger.Warn("certificate answer without a pending request")
	}
}

// Cancel stops the request. Callbacks already queued are dropped.
func (r *request) Cancel() {
	r.canceled.Store(true)
	r.cancel()
}

// post queues fn on the runner unless the request has been cancelled by
// the time it runs.
func (r *request) post(fn func()) bool {
	return r.transport.runner.Post(func() {
		if r.canceled.Load() {
			return
		}
		fn()
	})
}

func (r *request) run(httpReq *http.Request) {
	t := r.transport
	defer r.cancel()
	defer util.WipeBytes(r.body)

	ctx, span := t.tracer.Start(r.ctx, "httptransport."+httpReq.Method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.request.method", httpReq.Method),
		attribute.String("url.full", httpReq.URL.Redacted()),
	)

	hc := t.base.Clone()
	hc.TLSClientConfig.GetClientCertificate = r.getClientCertificate
	defer hc.CloseIdleConnections()
	client := &http.Client{
		Transport:     hc,
		Jar:           t.jar,
		CheckRedirect: r.checkRedirect,
	}

	start := time.Now()
	log := t.logger.With(zap.String("method", httpReq.Method), zap.String("url", httpReq.URL.Redacted()))
	log.Debug("submitting request")

	resp, err := client.Do(httpReq.WithContext(ctx))
	if err != nil {
		r.finish(span, validation.Response{Err: err}, log, start)
		return
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := util.CopyBytes(buf[:n])
			if !r.post(func() { r.delegate.OnResponseData(r, chunk) }) {
				finishSpan(span, ErrClosed)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			r.finish(span, validation.Response{Err: fmt.Errorf("reading response body: %w", readErr)}, log, start)
			return
		}
	}
	util.WipeBytes(buf)
	r.finish(span, validation.Response{StatusCode: resp.StatusCode}, log, start)
}

// finish reports completion and ends the span. A request that was cancelled
// or whose redirect was suppressed reports nothing.
func (r *request) finish(span trace.Span, resp validation.Response, log *zap.Logger, start time.Time) {
	if r.canceled.Load() || errors.Is(resp.Err, ErrRedirectSuppressed) {
		span.SetAttributes(attribute.Bool("httptransport.canceled", true))
		finishSpan(span, nil)
		log.Debug("request abandoned", zap.Duration("elapsed", time.Since(start)))
		return
	}
	finishSpan(span, resp.Err)
	if resp.Err != nil {
		log.Debug("request failed", zap.Error(resp.Err), zap.Duration("elapsed", time.Since(start)))
	} else {
		log.Debug("request finished",
			zap.Int("status", resp.StatusCode),
			zap.Int("redirects", r.redirects),
			zap.Duration("elapsed", time.Since(start)))
	}
	r.post(func() { r.delegate.OnComplete(r, resp) })
}

// checkRedirect asks the delegate about each hop, synchronously.
func (r *request) checkRedirect(next *http.Request, via []*http.Request) error {
	decision := validation.RedirectSuppress
	err := r.transport.runner.Call(func() {
		if r.canceled.Load() {
			return
		}
		decision = r.delegate.OnRedirect(r, next.Method, next.URL.String())
	})
	if err != nil {
		return err
	}
	trace.SpanFromContext(next.Context()).AddEvent("redirect", trace.WithAttributes(
		attribute.String("http.request.method", next.Method),
		attribute.String("url.full", next.URL.Redacted()),
		attribute.String("decision", decision.String()),
	))
	if decision == validation.RedirectSuppress {
		return ErrRedirectSuppressed
	}
	if len(via) >= r.transport.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, len(via))
	}
	r.redirects++
	return nil
}

// getClientCertificate runs on the handshake goroutine and blocks until
// the delegate answers. An empty certificate continues without client
// authentication.
func (r *request) getClientCertificate(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if !r.post(func() { r.delegate.OnCertificateRequested(r, info) }) {
		return nil, ErrClosed
	}
	select {
	case cert := <-r.certs:
		if cert == nil {
			return &tls.Certificate{}, nil
		}
		return cert, nil
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

// finishSpan records an error on the span (if any) and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
