package audit

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit events are written at. NoLevel events are never
// filtered by the global level.
const Level = zerolog.NoLevel

type key struct{}

var entryKey = key{}

// Entry accumulates the audit record for one request or session action.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Identity   string
	Authorized bool
	Decision   string

	Action  string
	Outcome string

	ResourceKeys []string
	Consumer     string
	Failed       int

	Error string
}

// Begin records the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.SourceIP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
}

// End returns a function that writes the entry. It is intended to be
// deferred: a panic in progress is recorded on the entry and re-raised after
// the log is written.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			e.appendError(fmt.Sprintf("panic: %v", r))
			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")
	}
}

// Fail appends err to the entry's error.
func (e *Entry) Fail(err error) {
	if err == nil {
		return
	}
	e.appendError(err.Error())
}

func (e *Entry) appendError(msg string) {
	if e.Error == "" {
		e.Error = msg
		return
	}
	e.Error = strings.Join([]string{e.Error, msg}, "; ")
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	authorization := zerolog.Dict().Bool("authorized", e.Authorized)
	if e.Identity != "" {
		authorization.Str("identity", e.Identity)
	}
	if e.Decision != "" {
		authorization.Str("decision", e.Decision)
	}
	ev.Dict("authorization", authorization)

	NewOptionalEvent(nil).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Set(ev, "session")

	NewOptionalEvent(nil).
		Strs("keys", e.ResourceKeys).
		Str("consumer", e.Consumer).
		Int("failed", e.Failed).
		Set(ev, "resource")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Context returns the audit entry stored in ctx. When there is none, a new
// entry is created and returned with a context that carries it.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(entryKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, entryKey, e), e
}

// Log returns the audit entry for ctx. Updates to an entry that was not
// created by Middleware are discarded.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request, including requests
// that panic.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			rw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))

			entry.Status = rw.status
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
