package httptransport_test

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jmcleod/tokenvalidator/certs"
	"github.com/jmcleod/tokenvalidator/httptransport"
	"github.com/jmcleod/tokenvalidator/internal/devpki"
	"github.com/jmcleod/tokenvalidator/internal/devserver"
	"github.com/jmcleod/tokenvalidator/internal/eventloop"
	"github.com/jmcleod/tokenvalidator/trust"
	"github.com/jmcleod/tokenvalidator/validation"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type pki struct {
	serverCA *devpki.CA
	clientCA *devpki.CA
	server   *tls.Certificate
}

func newPKI(t *testing.T) *pki {
	t.Helper()
	from, until := time.Now().Add(-time.Hour), time.Now().AddDate(1, 0, 0)
	serverCA, err := devpki.NewCA("Test Server CA", from, until)
	require.NoError(t, err)
	clientCA, err := devpki.NewCA("Corp CA", from, until)
	require.NoError(t, err)
	server, err := serverCA.IssueServer()
	require.NoError(t, err)
	return &pki{serverCA: serverCA, clientCA: clientCA, server: server}
}

func (p *pki) startTLS(t *testing.T, h http.Handler, requestClientCert bool) *httptest.Server {
	t.Helper()
	ts := httptest.NewUnstartedServer(h)
	if requestClientCert {
		ts.TLS = devserver.TLSConfig(p.server, p.clientCA.Pool())
	} else {
		ts.TLS = devserver.TLSConfig(p.server, nil)
	}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts
}

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New()
	t.Cleanup(l.Stop)
	return l
}

func newTransport(t *testing.T, loop *eventloop.Loop, opts ...httptransport.Option) *httptransport.Transport {
	t.Helper()
	tr, err := httptransport.New(loop, opts...)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func newTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exporter
}

func trustConfig(baseURL string) trust.Config {
	return trust.Config{
		TokenURL:      baseURL + "/token",
		ValidationURL: baseURL + devserver.ValidatePath,
		Scope:         "s",
		CertIssuer:    trust.AnyIssuer,
	}
}

func newDevServer(t *testing.T, cfg devserver.Config) http.Handler {
	t.Helper()
	cfg.Scope = "s"
	cfg.Tokens = map[string]string{"good": "secret-1"}
	s, err := devserver.New(cfg)
	require.NoError(t, err)
	return s.Router()
}

// recorder is a Delegate that records everything it is told. All of its
// methods run on the loop; read it only after done is closed or from
// loop.Call.
type recorder struct {
	decide    func(req validation.Request, method, url string) validation.RedirectDecision
	cert      *tls.Certificate
	redirects []string
	certAsks  int
	chunks    [][]byte
	resp      validation.Response
	completed int
	done      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) OnRedirect(req validation.Request, method, url string) validation.RedirectDecision {
	r.redirects = append(r.redirects, method+" "+url)
	if r.decide != nil {
		return r.decide(req, method, url)
	}
	return validation.RedirectFollow
}

func (r *recorder) OnCertificateRequested(req validation.Request, _ *tls.CertificateRequestInfo) {
	r.certAsks++
	req.ContinueWithCertificate(r.cert)
}

func (r *recorder) OnResponseData(_ validation.Request, chunk []byte) {
	r.chunks = append(r.chunks, chunk)
}

func (r *recorder) OnComplete(_ validation.Request, resp validation.Response) {
	r.resp = resp
	r.completed++
	close(r.done)
}

func (r *recorder) body() string {
	var b strings.Builder
	for _, c := range r.chunks {
		b.Write(c)
	}
	return b.String()
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		t.Fatal("request did not complete")
	}
}

func submit(t *testing.T, loop *eventloop.Loop, tr *httptransport.Transport, sub validation.Submission, d validation.Delegate) validation.Request {
	t.Helper()
	var (
		req validation.Request
		err error
	)
	require.NoError(t, loop.Call(func() { req, err = tr.Submit(sub, d) }))
	require.NoError(t, err)
	return req
}

// ---------------------------------------------------------------------------
// Transport behaviour
// ---------------------------------------------------------------------------

func TestNew_RequiresRunner(t *testing.T) {
	_, err := httptransport.New(nil)
	assert.Error(t, err)
}

func TestTransport_ChunkedBody(t *testing.T) {
	payload := strings.Repeat("0123456789", 1500)
	received := make(chan [2]string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		received <- [2]string{r.PostForm.Encode(), r.Header.Get("Content-Type")}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(payload))
	}))
	defer ts.Close()

	loop := newLoop(t)
	tr := newTransport(t, loop)
	rec := newRecorder()
	body := []byte("code=abc")
	submit(t, loop, tr, validation.Submission{
		Method:      http.MethodPost,
		URL:         ts.URL,
		ContentType: "application/x-www-form-urlencoded",
		Body:        body,
	}, rec)
	// The transport owns a copy.
	copy(body, "xxxxxxxx")
	rec.wait(t)

	require.NoError(t, rec.resp.Err)
	assert.Equal(t, http.StatusAccepted, rec.resp.StatusCode)
	assert.Equal(t, payload, rec.body())
	assert.Greater(t, len(rec.chunks), 1)
	for _, c := range rec.chunks {
		assert.LessOrEqual(t, len(c), 4096)
	}
	got := <-received
	assert.Equal(t, "code=abc", got[0])
	assert.Equal(t, "application/x-www-form-urlencoded", got[1])
	assert.Equal(t, 1, rec.completed)
}

func TestTransport_RedirectsOfferedToDelegate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusSeeOther)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Method))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	loop := newLoop(t)
	tr := newTransport(t, loop)
	rec := newRecorder()
	submit(t, loop, tr, validation.Submission{Method: http.MethodPost, URL: ts.URL + "/start"}, rec)
	rec.wait(t)

	require.NoError(t, rec.resp.Err)
	assert.Equal(t, []string{"GET " + ts.URL + "/middle", "GET " + ts.URL + "/end"}, rec.redirects)
	assert.Equal(t, "GET", rec.body())
}

func TestTransport_SuppressedRedirectReportsNothing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("next"))
	}))
	defer ts.Close()

	loop := newLoop(t)
	tr := newTransport(t, loop)
	rec := newRecorder()
	rec.decide = func(req validation.Request, _, _ string) validation.RedirectDecision {
		req.Cancel()
		return validation.RedirectSuppress
	}
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL + "/start"}, rec)

	time.Sleep(200 * time.Millisecond)
	var redirects, completed int
	require.NoError(t, loop.Call(func() {
		redirects, completed = len(rec.redirects), rec.completed
	}))
	assert.Equal(t, 1, redirects)
	assert.Zero(t, completed)
}

func TestTransport_TooManyRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer ts.Close()

	loop := newLoop(t)
	tr := newTransport(t, loop, httptransport.WithMaxRedirects(2))
	rec := newRecorder()
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL + "/"}, rec)
	rec.wait(t)

	assert.ErrorIs(t, rec.resp.Err, httptransport.ErrTooManyRedirects)
	assert.Len(t, rec.redirects, 2)
}

func TestTransport_CancelDropsCallbacks(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("late"))
	}))
	defer ts.Close()
	defer close(release)

	loop := newLoop(t)
	tr := newTransport(t, loop)
	rec := newRecorder()
	req := submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL}, rec)
	require.NoError(t, loop.Call(req.Cancel))

	time.Sleep(200 * time.Millisecond)
	var chunks, completed int
	require.NoError(t, loop.Call(func() { chunks, completed = len(rec.chunks), rec.completed }))
	assert.Zero(t, chunks)
	assert.Zero(t, completed)
}

func TestTransport_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	loop := newLoop(t)
	tr := newTransport(t, loop, httptransport.WithTimeout(50*time.Millisecond))
	rec := newRecorder()
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL}, rec)
	rec.wait(t)

	assert.ErrorIs(t, rec.resp.Err, context.DeadlineExceeded)
}

func TestTransport_Closed(t *testing.T) {
	loop := newLoop(t)
	tr := newTransport(t, loop)
	tr.Close()

	var err error
	require.NoError(t, loop.Call(func() {
		_, err = tr.Submit(validation.Submission{Method: http.MethodGet, URL: "http://127.0.0.1:1"}, newRecorder())
	}))
	assert.ErrorIs(t, err, httptransport.ErrClosed)
}

func TestTransport_CertificateRequest(t *testing.T) {
	p := newPKI(t)
	ts := p.startTLS(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(r.TLS.PeerCertificates[0].Subject.CommonName))
	}), true)

	client, err := p.clientCA.Issue(devpki.IssueRequest{
		CommonName: "host-1",
		NotBefore:  time.Now().Add(-time.Hour),
		NotAfter:   time.Now().Add(time.Hour),
		Client:     true,
	})
	require.NoError(t, err)

	loop := newLoop(t)
	tr := newTransport(t, loop, httptransport.WithRootCAs(p.serverCA.Pool()))

	rec := newRecorder()
	rec.cert = client
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL}, rec)
	rec.wait(t)
	require.NoError(t, rec.resp.Err)
	assert.Equal(t, 1, rec.certAsks)
	assert.Equal(t, "host-1", rec.body())

	// A nil answer continues without a certificate.
	rec = newRecorder()
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL}, rec)
	rec.wait(t)
	require.NoError(t, rec.resp.Err)
	assert.Equal(t, 1, rec.certAsks)
	assert.Equal(t, http.StatusForbidden, rec.resp.StatusCode)
}

func TestTransport_UntrustedServer(t *testing.T) {
	p := newPKI(t)
	ts := p.startTLS(t, http.NotFoundHandler(), false)

	loop := newLoop(t)
	tr := newTransport(t, loop)
	rec := newRecorder()
	submit(t, loop, tr, validation.Submission{Method: http.MethodGet, URL: ts.URL}, rec)
	rec.wait(t)

	assert.Error(t, rec.resp.Err)
	assert.Empty(t, rec.chunks)
}

// ---------------------------------------------------------------------------
// End to end against the development service
// ---------------------------------------------------------------------------

func TestValidate_EndToEnd(t *testing.T) {
	p := newPKI(t)
	ts := p.startTLS(t, newDevServer(t, devserver.Config{}), false)

	loop := newLoop(t)
	tr := newTransport(t, loop, httptransport.WithRootCAs(p.serverCA.Pool()))
	v, err := validation.NewValidator(trustConfig(ts.URL), loop, tr)
	require.NoError(t, err)

	secret, err := v.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", secret)

	_, err = v.Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, validation.ErrNotAuthorized)
}

func TestValidate_AuthGateReplaysPost(t *testing.T) {
	p := newPKI(t)
	ts := p.startTLS(t, newDevServer(t, devserver.Config{AuthGate: true}), false)
	tp, exporter := newTracer(t)

	loop := newLoop(t)
	tr := newTransport(t, loop,
		httptransport.WithRootCAs(p.serverCA.Pool()),
		httptransport.WithTracerProvider(tp))
	v, err := validation.NewValidator(trustConfig(ts.URL), loop, tr)
	require.NoError(t, err)

	secret, err := v.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", secret)

	// The abandoned first POST ends its span on its own goroutine.
	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 2 }, 5*time.Second, 10*time.Millisecond)
	var abandoned, finished int
	for _, s := range exporter.GetSpans() {
		assert.Equal(t, "httptransport.POST", s.Name)
		canceled := false
		for _, a := range s.Attributes {
			if a.Key == "httptransport.canceled" {
				canceled = a.Value.AsBool()
			}
		}
		if canceled {
			abandoned++
			assert.Len(t, s.Events, 2, "both redirect hops are recorded")
		} else {
			finished++
		}
	}
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 1, finished)
}

func TestValidate_ClientCertificateSelection(t *testing.T) {
	p := newPKI(t)
	ts := p.startTLS(t, newDevServer(t, devserver.Config{ClientIssuer: "Corp CA"}), true)

	now := time.Now()
	issue := func(ca *devpki.CA, cn string, from, until time.Time) *tls.Certificate {
		kp, err := ca.Issue(devpki.IssueRequest{CommonName: cn, NotBefore: from, NotAfter: until, Client: true})
		require.NoError(t, err)
		return kp
	}
	otherCA, err := devpki.NewCA("Other CA", now.Add(-time.Hour), now.AddDate(1, 0, 0))
	require.NoError(t, err)

	store := certs.NewSoftwareStore()
	require.NoError(t, store.Add(issue(p.clientCA, "expired", now.Add(-48*time.Hour), now.Add(-time.Hour))))
	require.NoError(t, store.Add(issue(otherCA, "foreign", now.Add(-time.Minute), now.Add(time.Hour))))
	require.NoError(t, store.Add(issue(p.clientCA, "current", now.Add(-time.Hour), now.Add(time.Hour))))

	loop := newLoop(t)
	tr := newTransport(t, loop, httptransport.WithRootCAs(p.serverCA.Pool()))
	cfg := trustConfig(ts.URL)
	cfg.CertIssuer = "Corp CA"

	v, err := validation.NewValidator(cfg, loop, tr, validation.WithCertificateStore(store))
	require.NoError(t, err)
	secret, err := v.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "secret-1", secret)

	// Without a store the service refuses the request.
	v, err = validation.NewValidator(cfg, loop, tr)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), "good")
	assert.ErrorIs(t, err, validation.ErrNotAuthorized)
}
