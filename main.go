package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"

	"github.com/chinmina/chinmina-gallery/internal/app"
	"github.com/chinmina/chinmina-gallery/internal/audit"
	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/chinmina/chinmina-gallery/internal/gate"
	"github.com/chinmina/chinmina-gallery/internal/observe"
	"github.com/chinmina/chinmina-gallery/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, core *app.App) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()
	sessionGate := gate.New(core.Store, loginPath)

	// Form and JSON bodies are small. Uploads may carry a whole image, so
	// they are bounded by the blob size limit instead.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)
	uploadLimitBytes := cfg.Cache.BlobMaxBytes + requestLimitBytes
	uploadLimiter := maxRequestSize(uploadLimitBytes)

	// the credential lives server side, so writes must come from the
	// viewer's own pages
	originCheck := rejectCrossOrigin(cfg.Server.Origin)

	publicRouteMiddleware := alice.New(requestLimiter, auditor, originCheck)
	protectedRouteMiddleware := alice.New(requestLimiter, auditor, originCheck, sessionGate.Middleware())
	uploadRouteMiddleware := alice.New(uploadLimiter, auditor, originCheck, sessionGate.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	v := newViewer(core.Session, core.Gallery, core.Resources, core.Registry)

	// session state and transitions are reachable without a credential
	mux.Handle("GET /session", publicRouteMiddleware.Then(v.handleSession()))
	mux.Handle("POST /register", publicRouteMiddleware.Then(v.handleRegister()))
	mux.Handle("POST /login", publicRouteMiddleware.Then(v.handleLogin()))
	mux.Handle("POST /logout", publicRouteMiddleware.Then(v.handleLogout()))

	mux.Handle("GET /my-images", protectedRouteMiddleware.Then(v.handleMyImages()))
	mux.Handle("GET /explore", protectedRouteMiddleware.Then(v.handleExplore()))
	mux.Handle("GET /image/{id}", protectedRouteMiddleware.Then(v.handleImage()))
	mux.Handle("GET /image/{id}/comments", protectedRouteMiddleware.Then(v.handleImageComments()))
	mux.Handle("POST /images", uploadRouteMiddleware.Then(v.handleUpload(uploadLimitBytes)))
	mux.Handle("PUT /image/{id}", protectedRouteMiddleware.Then(v.handleUpdate()))
	mux.Handle("DELETE /image/{id}", protectedRouteMiddleware.Then(v.handleDelete()))
	mux.Handle("POST /image/{id}/comments", protectedRouteMiddleware.Then(v.handleComment()))
	mux.Handle("POST /release/{id}", protectedRouteMiddleware.Then(v.handleRelease()))
	mux.Handle("GET /blob/{handle}", protectedRouteMiddleware.Then(v.handleBlob()))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the API client transport
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	roundTripper := observe.HTTPTransport(
		configureHTTPTransport(cfg.API),
		cfg.Observe,
	)

	core, err := app.New(ctx, cfg, app.WithRoundTripper(roundTripper))
	if err != nil {
		return fmt.Errorf("session core configuration failed: %w", err)
	}

	handler := configureServerRoutes(cfg, core)
	srv := server.New(cfg.Server, handler)

	// revoke outstanding handles before the backend connection goes; the
	// persisted credential survives a restart
	hooks := &server.ShutdownHooks{}
	hooks.AddClear("resource-cache", core.Resources)
	hooks.Add("credential-backend", core.Close)
	hooks.AddContext("telemetry", shutdownTelemetry)

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.APIConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost

	return transport
}
