// Package captcha solves the reCAPTCHA challenges the classifieds site puts
// in front of login and publication. Three strategies exist, selected per
// account: a paid solving service, a human answering through the inbox, and
// a reserved browser-script hook that is not implemented.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repub/internal/domain"
	"repub/internal/faults"
)

// Challenge describes one reCAPTCHA that needs a token.
type Challenge struct {
	ID           string
	AccountID    string
	AccountEmail string
	ScheduleID   string
	AdTitle      string
	SiteKey      string
	PageURL      string
	CreatedAt    time.Time
}

// Solver produces a reCAPTCHA response token for a challenge.
//
// A solver may return an error wrapping faults.ErrPending to signal that
// the token is not available yet but may arrive later without the caller
// doing anything; the publisher parks the job instead of retrying.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// HumanInbox is the surface the manual solver needs: somewhere to post a
// challenge for a human and somewhere to collect the answer from.
type HumanInbox interface {
	// Post makes the challenge visible to humans. Posting the same
	// challenge ID again is a no-op.
	Post(ch Challenge)
	// Token returns and consumes the answer for a challenge, if one has
	// been provided.
	Token(challengeID string) (string, bool)
}

// Selector hands out the solver configured for an account's method.
type Selector struct {
	api    Solver
	manual Solver
	script Solver
}

// NewSelector wires one solver per method. Any nil entry falls back to the
// not-implemented stub so a misconfigured account fails loudly.
func NewSelector(api, manual, script Solver) *Selector {
	stub := Script()
	if api == nil {
		api = stub
	}
	if manual == nil {
		manual = stub
	}
	if script == nil {
		script = stub
	}
	return &Selector{api: api, manual: manual, script: script}
}

// ForMethod returns the solver for a captcha method.
func (s *Selector) ForMethod(m domain.CaptchaMethod) (Solver, error) {
	switch m {
	case domain.CaptchaAPI:
		return s.api, nil
	case domain.CaptchaManual:
		return s.manual, nil
	case domain.CaptchaScript:
		return s.script, nil
	default:
		return nil, fmt.Errorf("unknown captcha method %q", m)
	}
}

type scriptSolver struct{}

// Script returns the reserved browser-automation solver. It always fails
// with a non-retryable error; accounts configured with it cannot publish
// until a real implementation ships.
func Script() Solver { return scriptSolver{} }

func (scriptSolver) Solve(context.Context, Challenge) (string, error) {
	return "", faults.NotImplemented(errors.New("script captcha solving is not implemented"))
}
