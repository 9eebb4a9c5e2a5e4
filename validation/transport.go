package validation

import "crypto/tls"

// RedirectDecision tells a Transport what to do with a redirect.
type RedirectDecision int

const (
	// RedirectFollow lets the transport apply its default redirect handling.
	RedirectFollow RedirectDecision = iota
	// RedirectSuppress tells the transport not to follow; the delegate has
	// cancelled the request and taken over.
	RedirectSuppress
)

func (d RedirectDecision) String() string {
	switch d {
	case RedirectFollow:
		return "follow"
	case RedirectSuppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// Submission describes one outbound request.
type Submission struct {
	Method      string
	URL         string
	ContentType string
	// Body is only valid during Submit; transports must copy it.
	Body []byte
}

// Response is the final outcome of a request. Err is set for
// transport-level failures, in which case StatusCode is meaningless.
type Response struct {
	StatusCode int
	Err        error
}

// Transport issues requests and reports their progress to a Delegate.
//
// All Delegate callbacks for all requests submitted with the same delegate
// must be delivered on one sequential stream, in the order redirect
// decisions, certificate request, data chunks, completion. After
// Request.Cancel returns, no further callback may be delivered for that
// request.
type Transport interface {
	Submit(sub Submission, d Delegate) (Request, error)
}

// Request is a handle for one submitted request. Implementations must be
// comparable; delegates identify requests by handle equality.
type Request interface {
	// ContinueWithCertificate resumes a handshake paused by
	// Delegate.OnCertificateRequested. A nil certificate continues without
	// client authentication.
	ContinueWithCertificate(cert *tls.Certificate)
	// Cancel abandons the request. It is safe to call from a callback.
	Cancel()
}

// Delegate receives the progress of submitted requests.
type Delegate interface {
	OnRedirect(req Request, newMethod, newURL string) RedirectDecision
	// OnCertificateRequested must eventually be answered with
	// req.ContinueWithCertificate unless the request is cancelled.
	OnCertificateRequested(req Request, info *tls.CertificateRequestInfo)
	OnResponseData(req Request, chunk []byte)
	OnComplete(req Request, resp Response)
}
