// Package session implements the transitions between the Anonymous and
// Authenticated states: register, login, logout, and the forced logout that
// follows a server-reported authorization failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/chinmina/chinmina-gallery/internal/audit"
	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/chinmina/chinmina-gallery/internal/transport"
	"github.com/rs/zerolog/log"
)

const minPasswordLength = 6

// ErrUnauthenticated is returned when an operation needs a credential and
// none is held.
var ErrUnauthenticated = errors.New("not logged in")

type State int

const (
	Anonymous State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// ValidationError is a registration or login input rejected before any
// request was sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Status() (int, string) {
	return http.StatusUnprocessableEntity, e.Error()
}

// Sender dispatches API requests.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Cache is the part of the resource cache a logout needs.
type Cache interface {
	Clear()
}

type Actions struct {
	sender Sender
	store  *credential.Store
	cache  Cache
	hooks  []func(context.Context)
}

type Option func(*Actions)

// WithLogoutHook runs hook after every logout, once the credential and the
// resource cache have been cleared.
func WithLogoutHook(hook func(context.Context)) Option {
	return func(a *Actions) {
		a.hooks = append(a.hooks, hook)
	}
}

func New(sender Sender, store *credential.Store, cache Cache, opts ...Option) *Actions {
	a := &Actions{
		sender: sender,
		store:  store,
		cache:  cache,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// State reports the current session state. It is derived from the
// credential store on every call.
func (a *Actions) State() State {
	if _, ok := a.store.Current(); ok {
		return Authenticated
	}
	return Anonymous
}

// Identity returns the account name of the current session.
func (a *Actions) Identity() (credential.Identity, error) {
	identity, ok := a.store.CurrentIdentity()
	if !ok {
		return "", ErrUnauthenticated
	}
	return identity, nil
}

// Register creates an account. It never logs in: the credential store is
// left as it was.
func (a *Actions) Register(ctx context.Context, identity, secret string) error {
	entry := audit.Log(ctx)
	entry.Action = "register"
	entry.Identity = identity

	err := a.register(ctx, identity, secret)
	a.record(ctx, entry, identity, err)

	return err
}

func (a *Actions) register(ctx context.Context, identity, secret string) error {
	if err := validate(identity, secret); err != nil {
		return err
	}

	req, err := transport.JSON(http.MethodPost, "/auth/register", map[string]string{
		"username": identity,
		"password": secret,
	})
	if err != nil {
		return err
	}

	if _, err := a.sender.Send(ctx, req); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	return nil
}

// Login exchanges the identity and secret for a credential and stores it,
// replacing any credential already held. On failure the store is unchanged.
func (a *Actions) Login(ctx context.Context, identity, secret string) error {
	entry := audit.Log(ctx)
	entry.Action = "login"
	entry.Identity = identity

	err := a.login(ctx, identity, secret)
	if err == nil {
		entry.Authorized = true
	}
	a.record(ctx, entry, identity, err)

	return err
}

func (a *Actions) login(ctx context.Context, identity, secret string) error {
	if strings.TrimSpace(identity) == "" {
		return ValidationError{Field: "username", Message: "must not be empty"}
	}

	resp, err := a.sender.Send(ctx, transport.Form("/auth/login", url.Values{
		"username": {identity},
		"password": {secret},
	}))
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := resp.DecodeJSON(&token); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("login failed: %w", &transport.Error{
			Kind:       transport.KindDecode,
			StatusCode: resp.StatusCode,
			Err:        errors.New("response carried no access token"),
		})
	}
	if token.TokenType != "" && !strings.EqualFold(token.TokenType, "bearer") {
		return fmt.Errorf("login failed: %w", &transport.Error{
			Kind:       transport.KindDecode,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unsupported token type %q", token.TokenType),
		})
	}

	return a.store.Set(ctx, credential.Credential(token.AccessToken), credential.Identity(identity))
}

// Logout clears the credential and then the resource cache, so a fetch that
// races the logout is sent without a credential and fails closed. The cache
// and hooks are cleared even when removing the persisted credential fails.
func (a *Actions) Logout(ctx context.Context) error {
	entry := audit.Log(ctx)
	entry.Action = "logout"

	identity, _ := a.store.CurrentIdentity()
	err := a.logout(ctx)
	a.record(ctx, entry, string(identity), err)

	return err
}

func (a *Actions) logout(ctx context.Context) error {
	err := a.store.Clear(ctx)

	a.cache.Clear()
	for _, hook := range a.hooks {
		hook(ctx)
	}

	if err != nil {
		return fmt.Errorf("logout incomplete: %w", err)
	}
	return nil
}

// HandleUnauthorized forces the session to Anonymous when err reports that
// the server rejected the credential (401). It reports whether it did, in
// which case the caller should send the user to the login page.
func (a *Actions) HandleUnauthorized(ctx context.Context, err error) bool {
	if !transport.IsUnauthorized(err) {
		return false
	}

	entry := audit.Log(ctx)
	entry.Action = "forced-logout"

	identity, _ := a.store.CurrentIdentity()
	logoutErr := a.logout(ctx)
	a.record(ctx, entry, string(identity), logoutErr)

	return true
}

func (a *Actions) record(ctx context.Context, entry *audit.Entry, identity string, err error) {
	outcome := "success"
	ev := log.Ctx(ctx).Info()
	if err != nil {
		outcome = "failure"
		entry.Fail(err)
		ev = log.Ctx(ctx).Warn().Err(err)
	}
	entry.Outcome = outcome

	ev.Str("action", entry.Action).
		Str("identity", identity).
		Str("outcome", outcome).
		Msg("session transition")
}

func validate(identity, secret string) error {
	if strings.TrimSpace(identity) == "" {
		return ValidationError{Field: "username", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(secret) < minPasswordLength {
		return ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("must be at least %d characters", minPasswordLength),
		}
	}
	return nil
}
