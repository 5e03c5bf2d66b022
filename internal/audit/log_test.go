package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chinmina/chinmina-gallery/internal/audit"
	"github.com/chinmina/chinmina-gallery/internal/testhelpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {

	t.Run("captures request info and configures context", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		testAgent := "kettle/1.0"
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			entry := audit.Log(ctx)
			assert.Equal(t, testAgent, entry.UserAgent)
			assert.Equal(t, "/foo", entry.Path)

			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()
		req.Header.Set("User-Agent", testAgent)

		middleware.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
	})

	t.Run("captures status code", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var capturedContext context.Context
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContext = r.Context()
			w.WriteHeader(http.StatusSeeOther)
		})

		req, w := requestSetup()

		middleware := audit.Middleware()(handler)

		middleware.ServeHTTP(w, req)

		entry := audit.Log(capturedContext)

		assert.Equal(t, http.StatusSeeOther, w.Result().StatusCode)
		assert.Equal(t, http.StatusSeeOther, entry.Status)
	})

	t.Run("log written", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		middleware.ServeHTTP(w, req.WithContext(ctx))

		assert.True(t, auditWritten, "audit log entry should be written")
	})

	t.Run("log written on panic", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		var entry *audit.Entry

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, entry = audit.Context(r.Context())
			entry.Error = "failure pre-panic"
			panic("not a teapot")
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		assert.PanicsWithValue(t, "not a teapot", func() {
			middleware.ServeHTTP(w, req.WithContext(ctx))
			// this will panic as it's expected that the middleware will re-panic
		})

		assert.Equal(t, "failure pre-panic; panic: not a teapot", entry.Error)
		assert.True(t, auditWritten, "audit log entry should be written")
	})
}

func TestAuditing(t *testing.T) {
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	r, _ := requestSetup()

	_, e := audit.Context(ctx)
	e.Begin(r)
	e.End(ctx)()

	assert.NotEmpty(t, e.SourceIP)
	e.SourceIP = "" // clear IP as it will change between tests

	assert.Equal(t, &audit.Entry{Method: "GET", Path: "/foo", UserAgent: "kettle/1.0", Status: 200}, e)
}

func TestFail(t *testing.T) {
	e := &audit.Entry{}

	e.Fail(nil)
	assert.Empty(t, e.Error)

	e.Fail(errors.New("first"))
	e.Fail(errors.New("second"))
	assert.Equal(t, "first; second", e.Error)
}

func TestContext_ReusesEntry(t *testing.T) {
	ctx, first := audit.Context(context.Background())
	_, second := audit.Context(ctx)

	assert.Same(t, first, second)
	assert.Same(t, first, audit.Log(ctx))
}

func requestSetup() (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("User-Agent", "kettle/1.0")

	w := httptest.NewRecorder()

	return req, w
}

func withLogHook(ctx context.Context, hook zerolog.HookFunc) context.Context {
	testLog := log.Logger.With().Logger().Hook(hook)
	return testLog.WithContext(ctx)
}

func serialize(t *testing.T, entry audit.Entry) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Log().EmbedObject(&entry).Send()

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	return result
}

func TestNestedDictSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	result := serialize(t, audit.Entry{
		Method:       "GET",
		Path:         "/my-images",
		Status:       200,
		SourceIP:     "10.0.0.1",
		UserAgent:    "test/1.0",
		Identity:     "alice",
		Authorized:   true,
		Decision:     "allow",
		Action:       "login",
		Outcome:      "success",
		ResourceKeys: []string{"42", "43"},
		Consumer:     "my-images",
		Failed:       1,
	})

	t.Run("request fields nested", func(t *testing.T) {
		request, ok := result["request"].(map[string]any)
		require.True(t, ok, "expected 'request' dict in log output")
		assert.Equal(t, "GET", request["method"])
		assert.Equal(t, "/my-images", request["path"])
		assert.Equal(t, float64(200), request["status"])
		assert.Equal(t, "10.0.0.1", request["sourceIP"])
		assert.Equal(t, "test/1.0", request["userAgent"])
	})

	t.Run("authorization fields nested", func(t *testing.T) {
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok, "expected 'authorization' dict in log output")
		assert.Equal(t, true, auth["authorized"])
		assert.Equal(t, "alice", auth["identity"])
		assert.Equal(t, "allow", auth["decision"])
	})

	t.Run("session fields nested", func(t *testing.T) {
		session, ok := result["session"].(map[string]any)
		require.True(t, ok, "expected 'session' dict in log output")
		assert.Equal(t, "login", session["action"])
		assert.Equal(t, "success", session["outcome"])
	})

	t.Run("resource fields nested", func(t *testing.T) {
		resource, ok := result["resource"].(map[string]any)
		require.True(t, ok, "expected 'resource' dict in log output")
		assert.Equal(t, []any{"42", "43"}, resource["keys"])
		assert.Equal(t, "my-images", resource["consumer"])
		assert.Equal(t, float64(1), resource["failed"])
	})

	t.Run("error omitted when empty", func(t *testing.T) {
		assert.NotContains(t, result, "error")
	})

	t.Run("error present when set", func(t *testing.T) {
		errResult := serialize(t, audit.Entry{Error: "something broke"})
		assert.Equal(t, "something broke", errResult["error"])
	})
}

func TestOptionalDictElision(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("empty entry omits optional dicts", func(t *testing.T) {
		result := serialize(t, audit.Entry{})
		assert.Contains(t, result, "request", "request dict is always present")
		assert.Contains(t, result, "authorization", "authorization dict is always present (contains authorized bool)")
		assert.NotContains(t, result, "session")
		assert.NotContains(t, result, "resource")
		assert.NotContains(t, result, "error")
	})

	t.Run("session present when only outcome set", func(t *testing.T) {
		result := serialize(t, audit.Entry{Outcome: "failure"})
		session, ok := result["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "failure", session["outcome"])
		assert.NotContains(t, session, "action")
	})

	t.Run("resource absent when keys empty", func(t *testing.T) {
		result := serialize(t, audit.Entry{ResourceKeys: []string{}})
		assert.NotContains(t, result, "resource")
	})

	t.Run("identity omitted when anonymous", func(t *testing.T) {
		result := serialize(t, audit.Entry{Decision: "redirect"})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, auth["authorized"])
		assert.Equal(t, "redirect", auth["decision"])
		assert.NotContains(t, auth, "identity")
	})
}
