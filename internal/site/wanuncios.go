package site

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"repub/internal/domain"
	"repub/internal/faults"
	logx "repub/pkg/logx"
)

// Config configures the wanuncios client.
type Config struct {
	BaseURL       string
	LoginPath     string
	PublishPath   string
	Timeout       time.Duration
	RatePerMinute int
}

// Wanuncios drives wanuncios.com through its HTML forms. One client is
// shared by all workers; per-account state lives in the Session.
type Wanuncios struct {
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger

	// newClient builds the http client for a session; swapped in tests.
	newClient func(*Session) *http.Client
}

// NewWanuncios returns a client for the configured site.
func NewWanuncios(cfg Config, log logx.Logger) (*Wanuncios, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("site base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/gestionar/"
	}
	if cfg.PublishPath == "" {
		cfg.PublishPath = "/publicar/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 12
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Wanuncios{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 2),
		log:     log,
	}
	w.newClient = func(s *Session) *http.Client {
		return &http.Client{Jar: s.Jar(), Timeout: cfg.Timeout}
	}
	return w, nil
}

// form is a parsed HTML form: its hidden inputs plus the captcha sitekey,
// if the page carries a widget.
type form struct {
	action  string
	hidden  url.Values
	siteKey string
}

func (w *Wanuncios) Login(ctx context.Context, email, credential string, token TokenFunc) (*Session, error) {
	sess, err := NewSession(email)
	if err != nil {
		return nil, err
	}
	client := w.newClient(sess)
	loginURL := w.cfg.BaseURL + w.cfg.LoginPath

	f, err := w.fetchForm(ctx, client, loginURL)
	if err != nil {
		return nil, err
	}

	vals := cloneValues(f.hidden)
	vals.Set("email", email)
	vals.Set("password", credential)
	if f.siteKey != "" {
		tok, err := token(ctx, f.siteKey, loginURL)
		if err != nil {
			return nil, err
		}
		vals.Set("g-recaptcha-response", tok)
	}

	body, finalURL, err := w.submit(ctx, client, f.actionOr(loginURL), vals)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("login submit: %w", err))
	}

	if err := classifyLogin(body, finalURL); err != nil {
		return nil, err
	}
	w.log.Debug("login ok", logx.String("account", email))
	return sess, nil
}

func (w *Wanuncios) Publish(ctx context.Context, sess *Session, ad domain.Ad, token TokenFunc) error {
	client := w.newClient(sess)
	publishURL := w.cfg.BaseURL + w.cfg.PublishPath

	f, err := w.fetchForm(ctx, client, publishURL)
	if err != nil {
		return err
	}

	vals := cloneValues(f.hidden)
	vals.Set("provincia", ad.Province)
	vals.Set("categoria", ad.Category)
	vals.Set("subcategoria", ad.Subcategory)
	vals.Set("zona", ad.Zone)
	vals.Set("titulo", ad.Title)
	vals.Set("descripcion", ad.Description)
	if ad.Price > 0 {
		vals.Set("precio", strconv.FormatFloat(ad.Price, 'f', -1, 64))
	}
	vals.Set("acepto_condiciones", "1")
	if f.siteKey != "" {
		tok, err := token(ctx, f.siteKey, publishURL)
		if err != nil {
			return err
		}
		vals.Set("g-recaptcha-response", tok)
	}

	body, finalURL, err := w.submit(ctx, client, f.actionOr(publishURL), vals)
	if err != nil {
		return faults.Transient(fmt.Errorf("publish submit: %w", err))
	}
	return classifyPublish(body, finalURL)
}

func (f form) actionOr(fallback string) string {
	if f.action == "" {
		return fallback
	}
	return f.action
}

// fetchForm downloads a page and extracts its form state. A redirect back
// to the login page means the session cookies are no longer accepted.
func (w *Wanuncios) fetchForm(ctx context.Context, client *http.Client, pageURL string) (form, error) {
	body, finalURL, err := w.get(ctx, client, pageURL)
	if err != nil {
		return form{}, faults.Transient(fmt.Errorf("fetch %s: %w", pageURL, err))
	}
	if pageURL != w.cfg.BaseURL+w.cfg.LoginPath && looksLikeLoginPage(body, finalURL, w.cfg.LoginPath) {
		return form{}, ErrSessionExpired
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return form{}, faults.Transient(fmt.Errorf("parse %s: %w", pageURL, err))
	}

	f := form{hidden: url.Values{}}
	doc.Find("form").First().Each(func(_ int, sel *goquery.Selection) {
		if action, ok := sel.Attr("action"); ok {
			f.action = resolveURL(pageURL, action)
		}
		sel.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
			name, ok := in.Attr("name")
			if !ok || name == "" {
				return
			}
			val, _ := in.Attr("value")
			f.hidden.Set(name, val)
		})
	})
	if key, ok := doc.Find(".g-recaptcha").First().Attr("data-sitekey"); ok {
		f.siteKey = key
	}
	return f, nil
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		for _, s := range vs {
			out.Add(k, s)
		}
	}
	return out
}

func looksLikeLoginPage(body, finalURL, loginPath string) bool {
	if strings.Contains(finalURL, loginPath) && !strings.Contains(finalURL, "mis-anuncios") {
		return strings.Contains(body, `name="password"`)
	}
	return false
}

// classifyLogin inspects the post-login page. Success lands on the ad
// manager; everything else maps onto a fault kind so the publisher knows
// whether retrying can help.
func classifyLogin(body, finalURL string) error {
	if strings.Contains(finalURL, "mis-anuncios") {
		return nil
	}
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "suspendid") || strings.Contains(lower, "bloquead"):
		return faults.AccountBanned(errors.New("site reports the account suspended"))
	case strings.Contains(lower, "no coincid") || strings.Contains(lower, "incorrect"):
		return faults.InvalidCredentials(errors.New("site rejected the credentials"))
	case strings.Contains(lower, "captcha"):
		return faults.ChallengeUnsolved(errors.New("site rejected the captcha token"))
	default:
		return faults.Transient(fmt.Errorf("login did not reach the ad manager (landed on %s)", finalURL))
	}
}

func classifyPublish(body, finalURL string) error {
	if strings.Contains(finalURL, "anuncio-publicado") {
		return nil
	}
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "suspendid") || strings.Contains(lower, "bloquead"):
		return faults.AccountBanned(errors.New("site reports the account suspended"))
	case strings.Contains(lower, "captcha"):
		return faults.ChallengeUnsolved(errors.New("site rejected the captcha token"))
	case strings.Contains(lower, "inicia sesi") || strings.Contains(lower, `name="password"`):
		return ErrSessionExpired
	default:
		return faults.Transient(fmt.Errorf("publication not confirmed (landed on %s)", finalURL))
	}
}

func (w *Wanuncios) get(ctx context.Context, client *http.Client, pageURL string) (string, string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	return w.do(client, req)
}

func (w *Wanuncios) submit(ctx context.Context, client *http.Client, action string, vals url.Values) (string, string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(vals.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return w.do(client, req)
}

func (w *Wanuncios) do(client *http.Client, req *http.Request) (string, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode >= 500 {
		return "", "", fmt.Errorf("server error %d", resp.StatusCode)
	}
	finalURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return string(b), finalURL, nil
}
