package validation

import (
	"context"
	"errors"

	"github.com/jmcleod/tokenvalidator/trust"
)

// Runner executes functions on the sequential stream a Transport delivers
// its callbacks on. *eventloop.Loop implements it.
type Runner interface {
	// Call runs fn on the stream and waits for it.
	Call(fn func()) error
	// Post runs fn on the stream without waiting.
	Post(fn func()) bool
}

// Validator offers a blocking API over Sessions. Every Validate call runs
// its own Session on runner, so a Validator may be used concurrently.
type Validator struct {
	cfg       trust.Config
	runner    Runner
	transport Transport
	opts      []Option
}

// NewValidator checks cfg and returns a Validator. transport must deliver
// its callbacks through runner.
func NewValidator(cfg trust.Config, runner Runner, transport Transport, opts ...Option) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil || transport == nil {
		return nil, errors.New("validation: runner and transport are required")
	}
	return &Validator{cfg: cfg, runner: runner, transport: transport, opts: opts}, nil
}

// Validate validates token and returns the shared secret. It returns
// ErrNotAuthorized when the service does not vouch for the token, and
// ctx.Err() when ctx ends first, in which case the attempt is abandoned.
func (v *Validator) Validate(ctx context.Context, token string) (string, error) {
	result := make(chan string, 1)
	var (
		session  *Session
		startErr error
	)
	err := v.runner.Call(func() {
		session, startErr = NewSession(v.cfg, v.transport, func(secret string) {
			result <- secret
		}, v.opts...)
		if startErr == nil {
			startErr = session.Validate(token)
		}
	})
	if err != nil {
		return "", err
	}
	if startErr != nil {
		return "", startErr
	}

	select {
	case secret := <-result:
		if secret == "" {
			return "", ErrNotAuthorized
		}
		return secret, nil
	case <-ctx.Done():
		v.runner.Post(session.Close)
		return "", ctx.Err()
	}
}
