package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"repub/internal/domain"
	"repub/internal/faults"
	logx "repub/pkg/logx"
)

func testChallenge() Challenge {
	return Challenge{
		ID:         "ch-1",
		AccountID:  "acc-1",
		ScheduleID: "s-1",
		SiteKey:    "sitekey-xyz",
		PageURL:    "https://www.example.com/publicar/",
		CreatedAt:  time.Now(),
	}
}

func newTestAPI(t *testing.T, handler http.Handler) Solver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewAPI(APIConfig{
		Key:          "test-key",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
	}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("new api solver: %v", err)
	}
	return s
}

func TestAPISolveSubmitsAndPolls(t *testing.T) {
	var polls atomic.Int32
	solver := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.Form.Get("method") != "userrecaptcha" || r.Form.Get("googlekey") != "sitekey-xyz" {
				t.Errorf("unexpected submit form: %v", r.Form)
			}
			w.Write([]byte("OK|42"))
		case "/res.php":
			if r.URL.Query().Get("id") != "42" {
				t.Errorf("unexpected poll id %q", r.URL.Query().Get("id"))
			}
			if polls.Add(1) < 3 {
				w.Write([]byte("CAPCHA_NOT_READY"))
				return
			}
			w.Write([]byte("OK|the-token"))
		default:
			http.NotFound(w, r)
		}
	}))

	token, err := solver.Solve(context.Background(), testChallenge())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if token != "the-token" {
		t.Fatalf("token = %q", token)
	}
	if polls.Load() != 3 {
		t.Fatalf("polls = %d", polls.Load())
	}
}

func TestAPISolveBadKeyIsConfigFault(t *testing.T) {
	solver := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ERROR_WRONG_USER_KEY"))
	}))

	_, err := solver.Solve(context.Background(), testChallenge())
	if err == nil {
		t.Fatal("expected error")
	}
	// A rejected service key is our misconfiguration, never the site
	// rejecting the account's credentials.
	if faults.Classify(err) != faults.KindSolverMisconfigured {
		t.Fatalf("kind = %s", faults.Classify(err))
	}
	if !faults.IsFatal(err) {
		t.Fatal("a bad service key must not be retried")
	}
}

func TestAPISolveUnsolvable(t *testing.T) {
	solver := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			w.Write([]byte("OK|7"))
		default:
			w.Write([]byte("ERROR_CAPTCHA_UNSOLVABLE"))
		}
	}))

	_, err := solver.Solve(context.Background(), testChallenge())
	if faults.Classify(err) != faults.KindChallengeUnsolved {
		t.Fatalf("kind = %s (%v)", faults.Classify(err), err)
	}
}

func TestAPISolveTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			w.Write([]byte("OK|7"))
			return
		}
		w.Write([]byte("CAPCHA_NOT_READY"))
	}))
	t.Cleanup(srv.Close)
	solver, err := NewAPI(APIConfig{
		Key:          "test-key",
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      30 * time.Millisecond,
	}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("new api solver: %v", err)
	}

	_, err = solver.Solve(context.Background(), testChallenge())
	if faults.Classify(err) != faults.KindChallengeUnsolved {
		t.Fatalf("kind = %s (%v)", faults.Classify(err), err)
	}
}

type fakeInbox struct {
	posted []Challenge
	tokens map[string]string
}

func (f *fakeInbox) Post(ch Challenge) {
	for _, p := range f.posted {
		if p.ID == ch.ID {
			return
		}
	}
	f.posted = append(f.posted, ch)
}

func (f *fakeInbox) Token(id string) (string, bool) {
	tok, ok := f.tokens[id]
	if ok {
		delete(f.tokens, id)
	}
	return tok, ok
}

func TestManualSolvePendingThenAnswered(t *testing.T) {
	inbox := &fakeInbox{tokens: map[string]string{}}
	solver := NewManual(inbox, logx.Nop())
	ch := testChallenge()

	_, err := solver.Solve(context.Background(), ch)
	if !faults.IsPending(err) {
		t.Fatalf("first solve should be pending, got %v", err)
	}
	if len(inbox.posted) != 1 || inbox.posted[0].ID != ch.ID {
		t.Fatalf("challenge not posted: %+v", inbox.posted)
	}

	// Re-solve before the human answers: still pending, not re-posted twice.
	_, err = solver.Solve(context.Background(), ch)
	if !faults.IsPending(err) {
		t.Fatalf("second solve should be pending, got %v", err)
	}
	if len(inbox.posted) != 1 {
		t.Fatalf("challenge posted %d times", len(inbox.posted))
	}

	inbox.tokens[ch.ID] = "human-token"
	token, err := solver.Solve(context.Background(), ch)
	if err != nil {
		t.Fatalf("solve after answer: %v", err)
	}
	if token != "human-token" {
		t.Fatalf("token = %q", token)
	}
}

func TestScriptSolveNotImplemented(t *testing.T) {
	_, err := Script().Solve(context.Background(), testChallenge())
	if faults.Classify(err) != faults.KindNotImplemented {
		t.Fatalf("kind = %s", faults.Classify(err))
	}
	if !faults.IsFatal(err) {
		t.Fatal("script errors must be fatal")
	}
}

func TestSelectorForMethod(t *testing.T) {
	api := Script()
	sel := NewSelector(api, nil, nil)

	got, err := sel.ForMethod(domain.CaptchaAPI)
	if err != nil || got == nil {
		t.Fatalf("api: %v", err)
	}
	if _, err := sel.ForMethod("telepathy"); err == nil {
		t.Fatal("unknown method must error")
	}
}
