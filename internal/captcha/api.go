package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repub/internal/faults"
	logx "repub/pkg/logx"
)

// APIConfig configures the 2captcha-style solving service client.
type APIConfig struct {
	Key          string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

type apiSolver struct {
	cfg    APIConfig
	client *http.Client
	log    logx.Logger
}

// NewAPI returns a solver backed by a 2captcha-compatible HTTP service.
// It submits the sitekey to in.php and polls res.php until the token is
// ready or the configured timeout elapses.
func NewAPI(cfg APIConfig, client *http.Client, log logx.Logger) (Solver, error) {
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("captcha api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://2captcha.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &apiSolver{cfg: cfg, client: client, log: log}, nil
}

func (s *apiSolver) Solve(ctx context.Context, ch Challenge) (string, error) {
	id, err := s.submit(ctx, ch)
	if err != nil {
		return "", err
	}
	s.log.Debug("captcha submitted", logx.String("account", ch.AccountID), logx.String("request_id", id))

	deadline := time.Now().Add(s.cfg.Timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		token, ready, err := s.poll(ctx, id)
		if err != nil {
			return "", err
		}
		if ready {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", faults.ChallengeUnsolved(fmt.Errorf("solving service did not answer within %s", s.cfg.Timeout))
		}
	}
}

func (s *apiSolver) submit(ctx context.Context, ch Challenge) (string, error) {
	form := url.Values{}
	form.Set("key", s.cfg.Key)
	form.Set("method", "userrecaptcha")
	form.Set("googlekey", ch.SiteKey)
	form.Set("pageurl", ch.PageURL)

	body, err := s.post(ctx, s.cfg.BaseURL+"/in.php", form)
	if err != nil {
		return "", faults.Transient(fmt.Errorf("submit captcha: %w", err))
	}
	id, ok := strings.CutPrefix(body, "OK|")
	if !ok {
		return "", classifyServiceError(body)
	}
	return id, nil
}

func (s *apiSolver) poll(ctx context.Context, id string) (string, bool, error) {
	q := url.Values{}
	q.Set("key", s.cfg.Key)
	q.Set("action", "get")
	q.Set("id", id)

	body, err := s.get(ctx, s.cfg.BaseURL+"/res.php?"+q.Encode())
	if err != nil {
		return "", false, faults.Transient(fmt.Errorf("poll captcha: %w", err))
	}
	if body == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	token, ok := strings.CutPrefix(body, "OK|")
	if !ok {
		return "", false, classifyServiceError(body)
	}
	return token, true, nil
}

// classifyServiceError maps 2captcha error strings onto fault kinds. A bad
// key is our misconfiguration, not the site rejecting the account's login;
// zero balance will not fix itself between retries; an unsolvable captcha
// is worth one more publish attempt with a fresh challenge.
func classifyServiceError(body string) error {
	body = strings.TrimSpace(body)
	switch body {
	case "ERROR_WRONG_USER_KEY", "ERROR_KEY_DOES_NOT_EXIST":
		return faults.SolverMisconfigured(fmt.Errorf("solving service rejected the key: %s", body))
	case "ERROR_ZERO_BALANCE":
		return faults.ChallengeUnsolved(errors.New("solving service balance exhausted"))
	case "ERROR_CAPTCHA_UNSOLVABLE":
		return faults.ChallengeUnsolved(errors.New("solving service gave up on the captcha"))
	default:
		return faults.Transient(fmt.Errorf("solving service error: %s", body))
	}
}

func (s *apiSolver) post(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *apiSolver) get(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	return s.do(req)
}

func (s *apiSolver) do(req *http.Request) (string, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(b)), nil
}
