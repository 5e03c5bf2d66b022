package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks runs cleanup in registration order once the server has
// stopped accepting requests. A failing hook does not stop the hooks after
// it.
type ShutdownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook that receives the shutdown context, which
// carries the shutdown deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, hook func(context.Context) error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// AddClear registers anything holding session state that must be dropped on
// exit, such as the resource cache.
func (s *ShutdownHooks) AddClear(name string, target interface{ Clear() }) {
	if target == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { target.Clear(); return nil })
}

// Execute runs every hook and returns the joined failures.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	l := log.Ctx(ctx)

	var errs []error
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}

	return errors.Join(errs...)
}
