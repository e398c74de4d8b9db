package captcha

import (
	"context"
	"fmt"

	"repub/internal/faults"
	logx "repub/pkg/logx"
)

type manualSolver struct {
	inbox HumanInbox
	log   logx.Logger
}

// NewManual returns a solver that delegates to a human through the inbox.
//
// The first Solve for a challenge posts it and reports pending; the
// publisher parks the job and re-runs it later. A subsequent Solve picks up
// the human's answer if one arrived, or reports pending again. Solve never
// blocks waiting for the human.
func NewManual(inbox HumanInbox, log logx.Logger) Solver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &manualSolver{inbox: inbox, log: log}
}

func (s *manualSolver) Solve(_ context.Context, ch Challenge) (string, error) {
	if token, ok := s.inbox.Token(ch.ID); ok {
		s.log.Debug("captcha answered by human", logx.String("challenge", ch.ID), logx.String("account", ch.AccountID))
		return token, nil
	}
	s.inbox.Post(ch)
	return "", fmt.Errorf("challenge %s awaiting human answer: %w", ch.ID, faults.ErrPending)
}
