// Package app assembles the session core from configuration. The viewer and
// the fetch utility both run on it.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/blob"
	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/chinmina/chinmina-gallery/internal/gallery"
	"github.com/chinmina/chinmina-gallery/internal/resource"
	"github.com/chinmina/chinmina-gallery/internal/session"
	"github.com/chinmina/chinmina-gallery/internal/transport"
	"github.com/rs/zerolog/log"
)

type App struct {
	Store     *credential.Store
	Transport *transport.Transport
	Registry  *blob.Registry
	Resources *resource.Cache
	Gallery   *gallery.Client
	Session   *session.Actions

	backend credential.Backend
}

type Option func(*options)

type options struct {
	backend      credential.Backend
	roundTripper http.RoundTripper
}

// WithBackend replaces the configured credential backend.
func WithBackend(b credential.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithRoundTripper sets the outbound HTTP transport used to reach the API.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *options) {
		o.roundTripper = rt
	}
}

// New builds the core. The credential is loaded from its backend before New
// returns, so a previously persisted session is live immediately.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		b, err := credential.NewBackendFromConfig(ctx, cfg.Credential)
		if err != nil {
			return nil, fmt.Errorf("credential backend configuration failed: %w", err)
		}
		backend = b
	}

	store, err := credential.NewStore(ctx, backend)
	if err != nil {
		closeBackend(backend)
		return nil, fmt.Errorf("credential load failed: %w", err)
	}

	policy, err := resource.ParseReleasePolicy(cfg.Cache.ReleasePolicy)
	if err != nil {
		closeBackend(backend)
		return nil, err
	}

	transportOpts := []transport.Option{
		transport.WithTimeout(time.Duration(cfg.API.TimeoutSeconds) * time.Second),
		transport.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		transport.WithMaxResponseBytes(cfg.Cache.BlobMaxBytes),
	}
	if o.roundTripper != nil {
		transportOpts = append(transportOpts, transport.WithRoundTripper(o.roundTripper))
	}

	tr, err := transport.New(cfg.API.URL, store, transportOpts...)
	if err != nil {
		closeBackend(backend)
		return nil, fmt.Errorf("API transport configuration failed: %w", err)
	}

	registry := blob.NewRegistry(cfg.Server.Origin)
	resources := resource.New(gallery.ImageFetcher(tr), registry, resource.WithReleasePolicy(policy))

	client := gallery.NewClient(tr, resources, gallery.WithDetailCache(
		time.Duration(cfg.Cache.DetailTTLSeconds)*time.Second,
		cfg.Cache.DetailMaxSize,
	))

	actions := session.New(tr, store, resources, session.WithLogoutHook(client.ClearDetails))

	log.Info().
		Str("api", cfg.API.URL).
		Stringer("release_policy", policy).
		Stringer("session", actions.State()).
		Msg("session core ready")

	return &App{
		Store:     store,
		Transport: tr,
		Registry:  registry,
		Resources: resources,
		Gallery:   client,
		Session:   actions,
		backend:   backend,
	}, nil
}

// Close releases the credential backend's connections, if it holds any. The
// persisted credential is left in place.
func (a *App) Close() error {
	if c, ok := a.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func closeBackend(b credential.Backend) {
	if c, ok := b.(io.Closer); ok {
		_ = c.Close()
	}
}
