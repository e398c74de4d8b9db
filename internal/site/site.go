// Package site talks to the classifieds site: logging an account in and
// submitting an ad through the public publication form.
package site

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"time"

	"repub/internal/domain"
)

// ErrSessionExpired reports that the site no longer accepts the session's
// cookies. The caller should discard the session, log in again and retry.
var ErrSessionExpired = errors.New("site session expired")

// TokenFunc produces a reCAPTCHA response token for the given sitekey and
// page. The client calls it whenever a page carries a captcha widget.
type TokenFunc func(ctx context.Context, siteKey, pageURL string) (string, error)

// Client is the site surface the publisher works against.
type Client interface {
	// Login authenticates and returns a session whose cookies carry the
	// signed-in state.
	Login(ctx context.Context, email, credential string, token TokenFunc) (*Session, error)
	// Publish submits the ad as a fresh listing using the session.
	Publish(ctx context.Context, sess *Session, ad domain.Ad, token TokenFunc) error
}

// Session is a signed-in browser state for one account.
type Session struct {
	Email     string
	CreatedAt time.Time

	jar *cookiejar.Jar
}

// NewSession returns an empty session for the account.
func NewSession(email string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Session{Email: email, CreatedAt: time.Now(), jar: jar}, nil
}

// Jar exposes the session's cookie jar for use in an http.Client.
func (s *Session) Jar() http.CookieJar { return s.jar }

// Age reports how long ago the session was established.
func (s *Session) Age() time.Duration { return time.Since(s.CreatedAt) }
