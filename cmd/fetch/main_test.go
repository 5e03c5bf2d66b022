package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chinmina/chinmina-gallery/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_WritesImage(t *testing.T) {
	testhelpers.SetupLogger(t)
	api := testhelpers.SetupMockGalleryServer(t)
	api.AddUser("alice", "wonderland")
	id := api.AddImage("alice", "cat", []byte("\x89PNG cat"), "image/png")

	t.Setenv("GALLERY_API_URL", api.APIURL())
	output := filepath.Join(t.TempDir(), "cat.png")

	err := run(context.Background(), Config{
		Username: "alice",
		Password: "wonderland",
		ImageID:  id,
		Output:   output,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG cat"), data)
}

func TestRun_LoginRejected(t *testing.T) {
	testhelpers.SetupLogger(t)
	api := testhelpers.SetupMockGalleryServer(t)
	api.AddUser("alice", "wonderland")

	t.Setenv("GALLERY_API_URL", api.APIURL())

	err := run(context.Background(), Config{
		Username: "alice",
		Password: "guess",
		ImageID:  1,
		Output:   filepath.Join(t.TempDir(), "never"),
	})
	assert.ErrorContains(t, err, "login failed")
}
