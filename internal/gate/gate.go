// Package gate decides whether a navigation target is reachable with the
// current credential state.
package gate

import (
	"net/http"
	"net/url"

	"github.com/chinmina/chinmina-gallery/internal/audit"
	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/rs/zerolog/log"
)

// CredentialSource reports whether a credential is currently held, and for
// whom.
type CredentialSource interface {
	Current() (credential.Credential, bool)
	CurrentIdentity() (credential.Identity, bool)
}

// Decision is the outcome of Authorize: either allow, or redirect to the
// login target.
type Decision struct {
	redirect string
}

// Allowed reports whether navigation may proceed.
func (d Decision) Allowed() bool {
	return d.redirect == ""
}

// Redirect returns the target to navigate to instead, when not allowed.
func (d Decision) Redirect() (string, bool) {
	return d.redirect, d.redirect != ""
}

func (d Decision) String() string {
	if d.Allowed() {
		return "allow"
	}
	return "redirect"
}

// Gate evaluates navigation targets. It holds no decision state: every call
// to Authorize reads the credential source afresh.
type Gate struct {
	source      CredentialSource
	loginTarget string
	public      map[string]struct{}
}

// New creates a gate redirecting to loginTarget. The login target and any
// public targets are reachable without a credential.
func New(source CredentialSource, loginTarget string, public ...string) *Gate {
	p := make(map[string]struct{}, len(public)+1)
	p[loginTarget] = struct{}{}
	for _, target := range public {
		p[target] = struct{}{}
	}

	return &Gate{
		source:      source,
		loginTarget: loginTarget,
		public:      p,
	}
}

// Authorize returns Allow when target is public or a credential is present
// at the moment of the call, otherwise a redirect to the login target that
// remembers where navigation was headed.
func (g *Gate) Authorize(target string) Decision {
	path := target
	if u, err := url.Parse(target); err == nil {
		path = u.Path
	}

	if _, public := g.public[path]; public {
		return Decision{}
	}

	if _, ok := g.source.Current(); ok {
		return Decision{}
	}

	return Decision{
		redirect: g.loginTarget + "?" + url.Values{"next": {target}}.Encode(),
	}
}

// Middleware gates every request through Authorize, redirecting with 303
// See Other when access is denied.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := g.Authorize(r.URL.RequestURI())

			entry := audit.Log(r.Context())
			entry.Decision = decision.String()
			entry.Authorized = decision.Allowed()
			if identity, ok := g.source.CurrentIdentity(); ok {
				entry.Identity = string(identity)
			}

			if redirect, denied := decision.Redirect(); denied {
				log.Ctx(r.Context()).Debug().
					Str("target", r.URL.Path).
					Msg("gate: unauthenticated, redirecting to login")

				http.Redirect(w, r, redirect, http.StatusSeeOther)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
