package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chinmina/chinmina-gallery/internal/audit"
	"github.com/chinmina/chinmina-gallery/internal/blob"
	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/chinmina/chinmina-gallery/internal/gallery"
	"github.com/chinmina/chinmina-gallery/internal/observe"
	"github.com/chinmina/chinmina-gallery/internal/resource"
	"github.com/chinmina/chinmina-gallery/internal/session"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
)

const (
	loginPath     = "/login"
	defaultLanded = "/my-images"

	// pageHeader names the page instance a request renders for. Re-renders
	// of the same page share one cache reference.
	pageHeader = "X-Gallery-Page"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// Session is the subset of session actions the viewer drives.
type Session interface {
	Register(ctx context.Context, identity, secret string) error
	Login(ctx context.Context, identity, secret string) error
	Logout(ctx context.Context) error
	HandleUnauthorized(ctx context.Context, err error) bool
	State() session.State
	Identity() (credential.Identity, error)
}

// Gallery is the subset of the gallery client the viewer renders from.
type Gallery interface {
	MyImages(ctx context.Context) ([]gallery.ImageSummary, error)
	OtherUsersImages(ctx context.Context) ([]gallery.ImageSummary, error)
	Image(ctx context.Context, id int64) (*gallery.ImageDetail, error)
	ImageComments(ctx context.Context, id int64) ([]gallery.Comment, error)
	Upload(ctx context.Context, title, description, filename string, content []byte) (*gallery.ImageSummary, error)
	Update(ctx context.Context, id int64, title, description string) (*gallery.ImageSummary, error)
	Delete(ctx context.Context, id int64) error
	Comment(ctx context.Context, id int64, content string) (*gallery.Comment, error)
}

// Resources hands out and takes back image handles for a page.
type Resources interface {
	Get(ctx context.Context, key resource.Key, consumer resource.ConsumerRef) (*blob.Handle, error)
	Release(key resource.Key, consumer resource.ConsumerRef)
}

// BlobOpener dereferences handle identifiers.
type BlobOpener interface {
	Open(id uuid.UUID) (*blob.Handle, []byte, error)
}

type viewer struct {
	session   Session
	gallery   Gallery
	resources Resources
	blobs     BlobOpener
	sanitizer *bluemonday.Policy
}

func newViewer(s Session, g Gallery, r Resources, b BlobOpener) *viewer {
	return &viewer{
		session:   s,
		gallery:   g,
		resources: r,
		blobs:     b,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

type registered struct {
	Username string `json:"username"`
}

type sessionView struct {
	State    string `json:"state"`
	Username string `json:"username,omitempty"`
}

// listedImage is one listing row: the image's handle URL, or a failed
// placeholder the page can retry.
type listedImage struct {
	gallery.ImageSummary
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

type imageView struct {
	gallery.ImageDetail
	URL    string `json:"url,omitempty"`
	Path   string `json:"path,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

func (v *viewer) handleRegister() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		username, password := r.PostFormValue("username"), r.PostFormValue("password")

		if err := v.session.Register(r.Context(), username, password); err != nil {
			log.Ctx(r.Context()).Info().Err(err).Msg("registration failed")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, registered{Username: username})
	})
}

func (v *viewer) handleLogin() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		username, password := r.PostFormValue("username"), r.PostFormValue("password")

		// a rejected login is not a session expiry: the credential already
		// held, if any, is kept
		if err := v.session.Login(r.Context(), username, password); err != nil {
			log.Ctx(r.Context()).Info().Err(err).Msg("login failed")
			writeError(w, err)
			return
		}

		http.Redirect(w, r, landingTarget(r.FormValue("next")), http.StatusSeeOther)
	})
}

func (v *viewer) handleLogout() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := v.session.Logout(r.Context()); err != nil {
			// the session is already anonymous in memory; the persisted
			// copy could not be removed
			log.Ctx(r.Context()).Warn().Err(err).Msg("logout incomplete")
			writeError(w, err)
			return
		}

		http.Redirect(w, r, loginPath, http.StatusSeeOther)
	})
}

// handleSession reports who is logged in. It answers for anonymous
// sessions too.
func (v *viewer) handleSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		view := sessionView{State: v.session.State().String()}
		if identity, err := v.session.Identity(); err == nil {
			view.Username = string(identity)
			audit.Log(r.Context()).Identity = view.Username
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, view)
	})
}

func (v *viewer) handleMyImages() http.Handler {
	return v.handleListing(v.gallery.MyImages)
}

func (v *viewer) handleExplore() http.Handler {
	return v.handleListing(v.gallery.OtherUsersImages)
}

func (v *viewer) handleListing(list func(context.Context) ([]gallery.ImageSummary, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		images, err := list(ctx)
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		consumer := consumerFor(r)
		entry := audit.Log(ctx)
		entry.Consumer = string(consumer)

		rows := make([]listedImage, 0, len(images))
		for _, img := range images {
			row := listedImage{ImageSummary: img}
			entry.ResourceKeys = append(entry.ResourceKeys, string(img.Key()))

			h, err := v.resources.Get(ctx, img.Key(), consumer)
			switch {
			case err == nil:
				row.URL, row.Path = h.URL, h.Path()
			case v.session.HandleUnauthorized(ctx, err):
				v.redirectToLogin(w, r)
				return
			default:
				// one image failing never fails the listing
				log.Ctx(ctx).Info().Err(err).Int64("image", img.ID).Msg("image content unavailable")
				entry.Failed++
				row.Failed = true
			}

			rows = append(rows, row)
		}

		writeJSON(w, http.StatusOK, rows)
	})
}

func (v *viewer) handleImage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		ctx := r.Context()

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		detail, err := v.gallery.Image(ctx, id)
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		view := imageView{ImageDetail: *detail}
		view.Comments = v.sanitizeComments(detail.Comments)

		consumer := consumerFor(r)
		entry := audit.Log(ctx)
		entry.Consumer = string(consumer)
		entry.ResourceKeys = []string{string(detail.Key())}

		h, err := v.resources.Get(ctx, detail.Key(), consumer)
		switch {
		case err == nil:
			view.URL, view.Path = h.URL, h.Path()
		case v.session.HandleUnauthorized(ctx, err):
			v.redirectToLogin(w, r)
			return
		default:
			log.Ctx(ctx).Info().Err(err).Int64("image", id).Msg("image content unavailable")
			entry.Failed = 1
			view.Failed = true
		}

		writeJSON(w, http.StatusOK, view)
	})
}

func (v *viewer) handleImageComments() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		comments, err := v.gallery.ImageComments(r.Context(), id)
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, v.sanitizeComments(comments))
	})
}

func (v *viewer) handleUpload(maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if err := r.ParseMultipartForm(maxBytes); err != nil {
			log.Ctx(r.Context()).Info().Err(err).Msg("invalid upload form")
			writeJSONError(w, http.StatusBadRequest, "invalid upload form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			requestError(w, http.StatusBadRequest)
			return
		}

		image, err := v.gallery.Upload(r.Context(), r.FormValue("title"), r.FormValue("description"), header.Filename, content)
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, image)
	})
}

func (v *viewer) handleUpdate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		image, err := v.gallery.Update(r.Context(), id, body.Title, body.Description)
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, image)
	})
}

func (v *viewer) handleDelete() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		audit.Log(r.Context()).ResourceKeys = []string{string(gallery.KeyFor(id))}

		if err := v.gallery.Delete(r.Context(), id); err != nil {
			v.apiError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func (v *viewer) handleComment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		comment, err := v.gallery.Comment(r.Context(), id, r.PostFormValue("content"))
		if err != nil {
			v.apiError(w, r, err)
			return
		}

		comment.Content = v.sanitizer.Sanitize(comment.Content)
		writeJSON(w, http.StatusCreated, comment)
	})
}

func (v *viewer) handleBlob() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, err := uuid.Parse(r.PathValue("handle"))
		if err != nil {
			requestError(w, http.StatusNotFound)
			return
		}

		h, data, err := v.blobs.Open(id)
		switch {
		case errors.Is(err, blob.ErrRevoked):
			requestError(w, http.StatusGone)
			return
		case err != nil:
			requestError(w, http.StatusNotFound)
			return
		}

		// content comes from other users: never sniff it, and never let it
		// run as the viewer
		w.Header().Set("Content-Type", h.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(h.Size))
		w.Header().Set("Cache-Control", "private, no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
		if _, err := w.Write(data); err != nil {
			log.Ctx(r.Context()).Info().Msgf("failed to write response: %v\n", err)
		}
	})
}

func (v *viewer) handleRelease() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id, ok := imageID(w, r)
		if !ok {
			return
		}

		page := r.Header.Get(pageHeader)
		if page == "" {
			writeJSONError(w, http.StatusBadRequest, pageHeader+" header is required")
			return
		}

		key := gallery.KeyFor(id)
		entry := audit.Log(r.Context())
		entry.Consumer = page
		entry.ResourceKeys = []string{string(key)}

		v.resources.Release(key, resource.ConsumerRef(page))

		w.WriteHeader(http.StatusNoContent)
	})
}

func (v *viewer) sanitizeComments(comments []gallery.Comment) []gallery.Comment {
	out := make([]gallery.Comment, len(comments))
	for i, c := range comments {
		c.Content = v.sanitizer.Sanitize(c.Content)
		out[i] = c
	}
	return out
}

// apiError reports a failed API call. A 401 ends the session and sends the
// user to the login page.
func (v *viewer) apiError(w http.ResponseWriter, r *http.Request, err error) {
	if v.session.HandleUnauthorized(r.Context(), err) {
		v.redirectToLogin(w, r)
		return
	}

	log.Ctx(r.Context()).Info().Err(err).Msg("gallery API call failed")
	writeError(w, err)
}

func (v *viewer) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := loginPath + "?" + url.Values{"next": {r.URL.RequestURI()}}.Encode()
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// consumerFor identifies the page instance a request renders for, falling
// back to the route.
func consumerFor(r *http.Request) resource.ConsumerRef {
	if page := r.Header.Get(pageHeader); page != "" {
		return resource.ConsumerRef(page)
	}
	return resource.ConsumerRef(observe.Route(r.Context()))
}

// landingTarget only follows local paths after login.
func landingTarget(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultLanded
	}
	return next
}

func imageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid image id")
		return 0, false
	}
	return id, true
}

// rejectCrossOrigin refuses state-changing requests sent by another site.
// Safe methods pass through.
func rejectCrossOrigin(origin string) func(http.Handler) http.Handler {
	protection := http.NewCrossOriginProtection()
	if err := protection.AddTrustedOrigin(origin); err != nil {
		log.Warn().Err(err).Str("origin", origin).Msg("server origin not trusted for cross-origin checks")
	}
	protection.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Ctx(r.Context()).Info().
			Str("origin", r.Header.Get("Origin")).
			Str("fetchSite", r.Header.Get("Sec-Fetch-Site")).
			Msg("cross-origin request rejected")
		writeJSONError(w, http.StatusForbidden, "cross-origin request rejected")
	}))

	return protection.Handler
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	marshalled, err := json.Marshal(v)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(marshalled); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v\n", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	writeJSONError(w, status, message)
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	if errors.Is(err, session.ErrUnauthenticated) {
		return http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized)
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5mb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
