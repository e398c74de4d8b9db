// Package inbox parks captcha challenges that need a human and routes the
// answers back to the pipeline. The core inbox is in-memory; a Telegram
// front end (see telegram.go) notifies operators and accepts /solve replies.
package inbox

import (
	"errors"
	"sort"
	"sync"
	"time"

	"repub/internal/captcha"
	logx "repub/pkg/logx"
)

// ErrUnknownChallenge is returned by Resolve for an ID that is not pending.
var ErrUnknownChallenge = errors.New("unknown or already answered challenge")

// Inbox holds challenges awaiting a human answer.
type Inbox struct {
	mu        sync.Mutex
	pending   map[string]captcha.Challenge
	tokens    map[string]string
	onPost    []func(captcha.Challenge)
	onResolve []func(captcha.Challenge)
	log       logx.Logger
}

func New(log logx.Logger) *Inbox {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Inbox{
		pending: make(map[string]captcha.Challenge),
		tokens:  make(map[string]string),
		log:     log,
	}
}

// OnPost registers a callback fired when a new challenge arrives. Register
// before the pipeline starts; registration is not synchronized with Post.
func (in *Inbox) OnPost(fn func(captcha.Challenge)) {
	in.onPost = append(in.onPost, fn)
}

// OnResolve registers a callback fired when a human answers a challenge.
// The publisher uses this to wake the parked job immediately.
func (in *Inbox) OnResolve(fn func(captcha.Challenge)) {
	in.onResolve = append(in.onResolve, fn)
}

// Post parks a challenge. Posting an already pending or already answered
// challenge ID again is a no-op.
func (in *Inbox) Post(ch captcha.Challenge) {
	in.mu.Lock()
	if _, ok := in.pending[ch.ID]; ok {
		in.mu.Unlock()
		return
	}
	if _, ok := in.tokens[ch.ID]; ok {
		in.mu.Unlock()
		return
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	in.pending[ch.ID] = ch
	in.mu.Unlock()

	in.log.Info("captcha waiting on human",
		logx.String("challenge", ch.ID),
		logx.String("account", ch.AccountEmail),
		logx.String("ad", ch.AdTitle))
	for _, fn := range in.onPost {
		fn(ch)
	}
}

// Resolve records the human's answer and fires the resolve callbacks.
func (in *Inbox) Resolve(challengeID, token string) error {
	in.mu.Lock()
	ch, ok := in.pending[challengeID]
	if !ok {
		in.mu.Unlock()
		return ErrUnknownChallenge
	}
	delete(in.pending, challengeID)
	in.tokens[challengeID] = token
	in.mu.Unlock()

	in.log.Info("captcha answered", logx.String("challenge", challengeID))
	for _, fn := range in.onResolve {
		fn(ch)
	}
	return nil
}

// Token returns and consumes the answer for a challenge.
func (in *Inbox) Token(challengeID string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	tok, ok := in.tokens[challengeID]
	if ok {
		delete(in.tokens, challengeID)
	}
	return tok, ok
}

// Drop discards a pending challenge, typically after the job waiting on it
// gave up. Returns true if the challenge was pending.
func (in *Inbox) Drop(challengeID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.pending[challengeID]; !ok {
		return false
	}
	delete(in.pending, challengeID)
	return true
}

// Pending lists unanswered challenges, oldest first.
func (in *Inbox) Pending() []captcha.Challenge {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]captcha.Challenge, 0, len(in.pending))
	for _, ch := range in.pending {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
