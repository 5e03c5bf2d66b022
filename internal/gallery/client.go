// Package gallery is the typed client for the gallery API endpoints that
// sit outside the session core: listings, image detail, uploads, edits, and
// comments.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/resource"
	"github.com/chinmina/chinmina-gallery/internal/transport"
	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"
)

const (
	defaultDetailTTL     = 30 * time.Second
	defaultDetailMaxSize = 1000
)

// Sender dispatches API requests.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Invalidator drops cached binary content for a key.
type Invalidator interface {
	Invalidate(key resource.Key)
}

type Client struct {
	sender    Sender
	resources Invalidator
	details   *otter.Cache[int64, *ImageDetail]
}

type Option func(*clientConfig)

type clientConfig struct {
	detailTTL     time.Duration
	detailMaxSize int
}

// WithDetailCache sets the lifetime and capacity of the image detail cache.
func WithDetailCache(ttl time.Duration, maxSize int) Option {
	return func(c *clientConfig) {
		c.detailTTL = ttl
		c.detailMaxSize = maxSize
	}
}

// NewClient creates a client. Deleting an image invalidates its content in
// resources.
func NewClient(sender Sender, resources Invalidator, opts ...Option) *Client {
	cfg := clientConfig{
		detailTTL:     defaultDetailTTL,
		detailMaxSize: defaultDetailMaxSize,
	}
	for _, o := range opts {
		o(&cfg)
	}

	return &Client{
		sender:    sender,
		resources: resources,
		details: otter.Must(&otter.Options[int64, *ImageDetail]{
			MaximumSize:      cfg.detailMaxSize,
			ExpiryCalculator: otter.ExpiryCreating[int64, *ImageDetail](cfg.detailTTL),
		}),
	}
}

// MyImages lists the images owned by the current identity.
func (c *Client) MyImages(ctx context.Context) ([]ImageSummary, error) {
	return c.list(ctx, "/images/my-images")
}

// OtherUsersImages lists images owned by everyone else.
func (c *Client) OtherUsersImages(ctx context.Context) ([]ImageSummary, error) {
	return c.list(ctx, "/images/other-users-images")
}

func (c *Client) list(ctx context.Context, endpoint string) ([]ImageSummary, error) {
	resp, err := c.sender.Send(ctx, transport.Get(endpoint))
	if err != nil {
		return nil, err
	}

	var images []ImageSummary
	if err := resp.DecodeJSON(&images); err != nil {
		return nil, err
	}
	return images, nil
}

// Image returns the image detail with its comments. Details are cached
// briefly; edits made through this client invalidate them.
func (c *Client) Image(ctx context.Context, id int64) (*ImageDetail, error) {
	if detail, ok := c.details.GetIfPresent(id); ok {
		return detail, nil
	}

	resp, err := c.sender.Send(ctx, transport.Get(imagePath(id)))
	if err != nil {
		return nil, err
	}

	var detail ImageDetail
	if err := resp.DecodeJSON(&detail); err != nil {
		return nil, err
	}

	c.details.Set(id, &detail)

	return &detail, nil
}

// Upload creates an image from content. An empty description is omitted.
func (c *Client) Upload(ctx context.Context, title, description, filename string, content []byte) (*ImageSummary, error) {
	contentType := mime.TypeByExtension(path.Ext(filename))
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}

	req, err := transport.Multipart("/images/", map[string]string{
		"title":       title,
		"description": description,
	}, transport.File{
		Field:       "file",
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	var image ImageSummary
	if err := resp.DecodeJSON(&image); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().Int64("image", image.ID).Msg("image uploaded")

	return &image, nil
}

// Update changes an image's title and description. The binary content is
// unchanged, so cached content stays valid.
func (c *Client) Update(ctx context.Context, id int64, title, description string) (*ImageSummary, error) {
	req, err := transport.JSON(http.MethodPut, imagePath(id), map[string]string{
		"title":       title,
		"description": description,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.sender.Send(ctx, req)
	c.details.Invalidate(id)
	if err != nil {
		return nil, err
	}

	var image ImageSummary
	if err := resp.DecodeJSON(&image); err != nil {
		return nil, err
	}
	return &image, nil
}

// Delete removes an image and invalidates its cached content.
func (c *Client) Delete(ctx context.Context, id int64) error {
	_, err := c.sender.Send(ctx, transport.Delete(imagePath(id)))
	if err != nil && !transport.IsNotFound(err) {
		return err
	}

	c.details.Invalidate(id)
	c.resources.Invalidate(KeyFor(id))

	return err
}

// ImageComments lists the comments on an image.
func (c *Client) ImageComments(ctx context.Context, id int64) ([]Comment, error) {
	resp, err := c.sender.Send(ctx, transport.Get("/comments/image/"+strconv.FormatInt(id, 10)))
	if err != nil {
		return nil, err
	}

	var comments []Comment
	if err := resp.DecodeJSON(&comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// Comment adds a comment to an image.
func (c *Client) Comment(ctx context.Context, id int64, content string) (*Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &transport.Error{Kind: transport.KindValidation, StatusCode: http.StatusUnprocessableEntity, Detail: "comment must not be empty"}
	}

	req, err := transport.JSON(http.MethodPost, "/comments/", map[string]any{
		"image_id": id,
		"content":  content,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.details.Invalidate(id)

	var comment Comment
	if err := resp.DecodeJSON(&comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// ClearDetails empties the image detail cache. It runs on logout.
func (c *Client) ClearDetails(ctx context.Context) {
	c.details.InvalidateAll()
	log.Ctx(ctx).Debug().Msg("image detail cache cleared")
}

// ImageFetcher returns the resource cache fetcher for image content. Only
// image media types (or untyped octet streams) are accepted, and never SVG.
func ImageFetcher(sender Sender) resource.Fetcher {
	return func(ctx context.Context, key resource.Key) (resource.Payload, error) {
		id, err := ParseKey(key)
		if err != nil {
			return resource.Payload{}, &transport.Error{Kind: transport.KindNotFound, StatusCode: http.StatusNotFound, Err: err}
		}

		resp, err := sender.Send(ctx, transport.Get(imagePath(id)+"/file"))
		if err != nil {
			return resource.Payload{}, err
		}

		contentType := resp.ContentType()
		if !acceptedImageType(contentType) {
			return resource.Payload{}, &transport.Error{
				Kind:       transport.KindDecode,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected content type %q for image %d", contentType, id),
			}
		}
		if len(resp.Body) == 0 {
			return resource.Payload{}, &transport.Error{
				Kind:       transport.KindDecode,
				StatusCode: resp.StatusCode,
				Err:        errors.New("image content is empty"),
			}
		}

		return resource.Payload{ContentType: contentType, Data: resp.Body}, nil
	}
}

// acceptedImageType admits raster image types. SVG documents can carry
// script, so they are refused.
func acceptedImageType(mediaType string) bool {
	switch {
	case mediaType == "image/svg+xml":
		return false
	case strings.HasPrefix(mediaType, "image/"):
		return true
	}
	return mediaType == "application/octet-stream"
}

func imagePath(id int64) string {
	return "/images/" + strconv.FormatInt(id, 10)
}
