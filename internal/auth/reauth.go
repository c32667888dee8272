package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hal9000y/gmail-pgp/internal/errs"
)

type authorizer interface {
	RedirectURL() (string, error)
	Authorized() <-chan struct{}
}

// Reauth asks the user to sign in again and waits for the OAuth callback.
type Reauth struct {
	tok     authorizer
	prompt  func(url string)
	timeout time.Duration
}

// NewReauth creates a Reauth. prompt shows the sign in URL to the user.
func NewReauth(tok authorizer, prompt func(url string), timeout time.Duration) *Reauth {
	return &Reauth{tok: tok, prompt: prompt, timeout: timeout}
}

// Reauthenticate returns once a new token was obtained, or with an
// AuthExpired error when the user did not sign in before the timeout.
func (r *Reauth) Reauthenticate(ctx context.Context) error {
	const op = "auth.Reauthenticate"

	url, err := r.tok.RedirectURL()
	if err != nil {
		return errs.Wrap(errs.AuthExpired, op, fmt.Errorf("tok.RedirectURL failed: %w", err))
	}

	authorized := r.tok.Authorized()
	r.prompt(url)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-authorized:
	case <-timer.C:
		return errs.New(errs.AuthExpired, op, "Sign in timed out. Please sign in again and resend.")
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, op, ctx.Err())
	}

	return nil
}
