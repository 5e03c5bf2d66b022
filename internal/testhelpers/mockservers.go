package testhelpers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockGalleryServer provides an in-memory gallery API for testing. It is
// mounted under "/api"; use APIURL as the client base URL.
type MockGalleryServer struct {
	Server *httptest.Server

	mu             sync.Mutex
	users          map[string]mockUser
	tokens         map[string]string // token -> username
	images         map[int64]*mockImage
	comments       map[int64][]mockComment
	nextID         int64
	fileRequests   map[int64]int
	fileStatus     map[int64]int
	fileGate       chan struct{}
	lastAuthHeader string
	requestCount   int
}

type mockUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
	password  string
}

type mockImage struct {
	ID               int64    `json:"id"`
	Title            string   `json:"title"`
	Description      *string  `json:"description"`
	OwnerID          int64    `json:"owner_id"`
	OriginalFilename string   `json:"original_filename"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	Owner            mockUser `json:"owner"`
	content          []byte
	contentType      string
}

type mockComment struct {
	ID        int64    `json:"id"`
	Content   string   `json:"content"`
	ImageID   int64    `json:"image_id"`
	AuthorID  int64    `json:"author_id"`
	Author    mockUser `json:"author"`
	CreatedAt string   `json:"created_at"`
}

// SetupMockGalleryServer creates a mock gallery API. The server is closed
// when the test completes.
func SetupMockGalleryServer(t *testing.T) *MockGalleryServer {
	t.Helper()

	mock := &MockGalleryServer{
		users:        map[string]mockUser{},
		tokens:       map[string]string{},
		images:       map[int64]*mockImage{},
		comments:     map[int64][]mockComment{},
		fileRequests: map[int64]int{},
		fileStatus:   map[int64]int{},
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /api/auth/register", mock.handleRegister)
	router.HandleFunc("POST /api/auth/login", mock.handleLogin)
	router.HandleFunc("GET /api/images/my-images", mock.authenticated(mock.handleMyImages))
	router.HandleFunc("GET /api/images/other-users-images", mock.authenticated(mock.handleOtherImages))
	router.HandleFunc("GET /api/images/{id}", mock.authenticated(mock.handleImage))
	router.HandleFunc("GET /api/images/{id}/file", mock.authenticated(mock.handleImageFile))
	router.HandleFunc("POST /api/images/{$}", mock.authenticated(mock.handleUpload))
	router.HandleFunc("PUT /api/images/{id}", mock.authenticated(mock.handleUpdate))
	router.HandleFunc("DELETE /api/images/{id}", mock.authenticated(mock.handleDelete))
	router.HandleFunc("POST /api/comments/{$}", mock.authenticated(mock.handleComment))
	router.HandleFunc("GET /api/comments/image/{id}", mock.authenticated(mock.handleImageComments))

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

// APIURL is the base URL clients should be configured with.
func (m *MockGalleryServer) APIURL() string {
	return m.Server.URL + "/api"
}

// Close shuts down the mock server.
func (m *MockGalleryServer) Close() {
	m.Server.Close()
}

// AddUser registers a user directly.
func (m *MockGalleryServer) AddUser(username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addUserLocked(username, password)
}

// IssueToken returns a valid bearer token for an existing user.
func (m *MockGalleryServer) IssueToken(username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueTokenLocked(username)
}

// RevokeTokens invalidates every issued token, as an expiry would.
func (m *MockGalleryServer) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = map[string]string{}
}

// AddImage stores an image owned by username and returns its id.
func (m *MockGalleryServer) AddImage(username, title string, content []byte, contentType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.users[username]
	if !ok {
		owner = m.addUserLocked(username, "password")
	}

	m.nextID++
	now := timestamp()
	img := &mockImage{
		ID:               m.nextID,
		Title:            title,
		OwnerID:          owner.ID,
		OriginalFilename: title + ".png",
		CreatedAt:        now,
		UpdatedAt:        now,
		Owner:            owner,
		content:          content,
		contentType:      contentType,
	}
	m.images[img.ID] = img

	return img.ID
}

// ReplaceContent swaps the binary content of an image.
func (m *MockGalleryServer) ReplaceContent(id int64, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img, ok := m.images[id]; ok {
		img.content = content
	}
}

// FileRequests is the number of requests received for an image's file.
func (m *MockGalleryServer) FileRequests(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileRequests[id]
}

// RequestCount is the total number of requests received.
func (m *MockGalleryServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// LastAuthHeader is the Authorization header of the most recent request.
func (m *MockGalleryServer) LastAuthHeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuthHeader
}

// SetFileStatus makes file requests for id fail with status. Zero restores
// normal behaviour.
func (m *MockGalleryServer) SetFileStatus(id int64, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.fileStatus, id)
		return
	}
	m.fileStatus[id] = status
}

// BlockFiles holds every file request until the returned function is called.
func (m *MockGalleryServer) BlockFiles() (unblock func()) {
	gate := make(chan struct{})

	m.mu.Lock()
	m.fileGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.fileGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *MockGalleryServer) addUserLocked(username, password string) mockUser {
	u := mockUser{
		ID:        int64(len(m.users) + 1),
		Username:  username,
		CreatedAt: timestamp(),
		password:  password,
	}
	m.users[username] = u
	return u
}

func (m *MockGalleryServer) issueTokenLocked(username string) string {
	token := "token-" + username + "-" + rand.Text()
	m.tokens[token] = username
	return token
}

func (m *MockGalleryServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	m.track(r)

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	if len(body.Password) < 6 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":[{"loc":["body","password"],"msg":"String should have at least 6 characters"}]}`)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[body.Username]; exists {
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}

	u := m.addUserLocked(body.Username, body.Password)
	writeJSONStatus(w, http.StatusCreated, u)
}

func (m *MockGalleryServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.track(r)

	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid form")
		return
	}

	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok || u.password != password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	WriteJSON(w, map[string]string{
		"access_token": m.issueTokenLocked(username),
		"token_type":   "bearer",
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user mockUser)

func (m *MockGalleryServer) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.track(r)

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		m.mu.Lock()
		username, valid := m.tokens[token]
		user := m.users[username]
		m.mu.Unlock()

		if !ok || !valid {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		next(w, r, user)
	}
}

func (m *MockGalleryServer) handleMyImages(w http.ResponseWriter, r *http.Request, user mockUser) {
	m.listImages(w, func(img *mockImage) bool { return img.OwnerID == user.ID })
}

func (m *MockGalleryServer) handleOtherImages(w http.ResponseWriter, r *http.Request, user mockUser) {
	m.listImages(w, func(img *mockImage) bool { return img.OwnerID != user.ID })
}

func (m *MockGalleryServer) listImages(w http.ResponseWriter, include func(*mockImage) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []mockImage{}
	for id := int64(1); id <= m.nextID; id++ {
		if img, ok := m.images[id]; ok && include(img) {
			out = append(out, *img)
		}
	}
	WriteJSON(w, out)
}

func (m *MockGalleryServer) handleImage(w http.ResponseWriter, r *http.Request, user mockUser) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	img, found := m.images[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}

	WriteJSON(w, struct {
		mockImage
		Comments []mockComment `json:"comments"`
	}{*img, append([]mockComment{}, m.comments[id]...)})
}

func (m *MockGalleryServer) handleImageFile(w http.ResponseWriter, r *http.Request, user mockUser) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	m.fileRequests[id]++
	gate := m.fileGate
	status := m.fileStatus[id]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		writeDetail(w, status, http.StatusText(status))
		return
	}

	m.mu.Lock()
	img, found := m.images[id]
	var content []byte
	var contentType string
	if found {
		content, contentType = img.content, img.contentType
	}
	m.mu.Unlock()

	if !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(content)
}

func (m *MockGalleryServer) handleUpload(w http.ResponseWriter, r *http.Request, user mockUser) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "unreadable file")
		return
	}

	title := r.FormValue("title")
	if title == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "title is required")
		return
	}

	id := m.AddImage(user.Username, title, content, header.Header.Get("Content-Type"))

	m.mu.Lock()
	img := m.images[id]
	img.OriginalFilename = header.Filename
	if d := r.FormValue("description"); d != "" {
		img.Description = &d
	}
	out := *img
	m.mu.Unlock()

	writeJSONStatus(w, http.StatusCreated, out)
}

func (m *MockGalleryServer) handleUpdate(w http.ResponseWriter, r *http.Request, user mockUser) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	img, found := m.images[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}
	if img.OwnerID != user.ID {
		writeDetail(w, http.StatusForbidden, "Not authorized to update this image")
		return
	}

	if body.Title != nil {
		img.Title = *body.Title
	}
	if body.Description != nil {
		img.Description = body.Description
	}
	img.UpdatedAt = timestamp()

	WriteJSON(w, *img)
}

func (m *MockGalleryServer) handleDelete(w http.ResponseWriter, r *http.Request, user mockUser) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	img, found := m.images[id]
	if !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}
	if img.OwnerID != user.ID {
		writeDetail(w, http.StatusForbidden, "Not authorized to delete this image")
		return
	}

	delete(m.images, id)
	delete(m.comments, id)
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockGalleryServer) handleComment(w http.ResponseWriter, r *http.Request, user mockUser) {
	var body struct {
		ImageID int64  `json:"image_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.images[body.ImageID]; !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}

	c := mockComment{
		ID:        int64(len(m.comments[body.ImageID]) + 1),
		Content:   body.Content,
		ImageID:   body.ImageID,
		AuthorID:  user.ID,
		Author:    user,
		CreatedAt: timestamp(),
	}
	m.comments[body.ImageID] = append(m.comments[body.ImageID], c)

	writeJSONStatus(w, http.StatusCreated, c)
}

func (m *MockGalleryServer) handleImageComments(w http.ResponseWriter, r *http.Request, user mockUser) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.images[id]; !found {
		writeDetail(w, http.StatusNotFound, "Image not found")
		return
	}

	WriteJSON(w, append([]mockComment{}, m.comments[id]...))
}

func (m *MockGalleryServer) track(r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount++
	m.lastAuthHeader = r.Header.Get("Authorization")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return 0, false
	}
	return id, true
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
