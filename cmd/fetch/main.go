// This command is only used for local testing: it logs in to the gallery
// API, downloads one image through the resource cache and logs out again.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/chinmina/chinmina-gallery/internal/app"
	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/chinmina/chinmina-gallery/internal/gallery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Username string `env:"FETCH_USERNAME, required"`
	Password string `env:"FETCH_PASSWORD, required"`
	ImageID  int64  `env:"FETCH_IMAGE_ID, required"`
	Output   string `env:"FETCH_OUTPUT"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	zerolog.DefaultContextLogger = &log.Logger

	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "fetch failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	coreCfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("error reading core config: %w", err)
	}

	// the session here is throwaway: never overwrite a persisted one
	coreCfg.Credential = config.CredentialConfig{Store: "memory"}

	core, err := app.New(ctx, coreCfg)
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Session.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return err
	}
	defer func() {
		if err := core.Session.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("logout failed")
		}
	}()

	key := gallery.KeyFor(cfg.ImageID)
	h, err := core.Resources.Get(ctx, key, "cmd/fetch")
	if err != nil {
		return err
	}
	defer core.Resources.Release(key, "cmd/fetch")

	_, data, err := core.Registry.Open(h.ID)
	if err != nil {
		return err
	}

	output := cfg.Output
	if output == "" {
		output = "image-" + strconv.FormatInt(cfg.ImageID, 10)
	}

	if err := os.WriteFile(output, data, 0o600); err != nil {
		return fmt.Errorf("error writing image: %w", err)
	}

	log.Info().
		Str("output", output).
		Str("content_type", h.ContentType).
		Int("bytes", h.Size).
		Msg("image saved")

	return nil
}
