package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
)

// Encoding declares how a request body is encoded.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingJSON
	EncodingForm
	EncodingMultipart
	EncodingBinary
)

// Request describes one call to the gallery API. Path is relative to the
// configured base URL.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	Encoding Encoding

	// ContentType overrides the type implied by Encoding. Multipart bodies
	// carry their boundary here.
	ContentType string
}

func (r Request) contentType() string {
	if r.ContentType != "" {
		return r.ContentType
	}
	switch r.Encoding {
	case EncodingJSON:
		return "application/json"
	case EncodingForm:
		return "application/x-www-form-urlencoded"
	case EncodingBinary:
		return "application/octet-stream"
	default:
		return ""
	}
}

// Get creates a bodiless GET request.
func Get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

// Delete creates a bodiless DELETE request.
func Delete(path string) Request {
	return Request{Method: http.MethodDelete, Path: path}
}

// JSON creates a request with v encoded as the JSON body.
func JSON(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("could not encode request body: %w", err)
	}

	return Request{
		Method:   method,
		Path:     path,
		Body:     body,
		Encoding: EncodingJSON,
	}, nil
}

// Form creates a POST with a URL-encoded form body.
func Form(path string, values url.Values) Request {
	return Request{
		Method:   http.MethodPost,
		Path:     path,
		Body:     []byte(values.Encode()),
		Encoding: EncodingForm,
	}
}

// File is one file part of a multipart request.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Content     []byte
}

// Multipart creates a POST with a multipart/form-data body. Empty field
// values are omitted.
func Multipart(path string, fields map[string]string, file File) (Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return Request{}, fmt.Errorf("could not write form field %s: %w", name, err)
		}
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     file.Field,
		"filename": file.Filename,
	}))
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return Request{}, fmt.Errorf("could not create file part: %w", err)
	}
	if _, err := part.Write(file.Content); err != nil {
		return Request{}, fmt.Errorf("could not write file part: %w", err)
	}

	if err := w.Close(); err != nil {
		return Request{}, fmt.Errorf("could not finish multipart body: %w", err)
	}

	return Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        buf.Bytes(),
		Encoding:    EncodingMultipart,
		ContentType: w.FormDataContentType(),
	}, nil
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the media type of the body without parameters.
func (r *Response) ContentType() string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

// DecodeJSON unmarshals the body into v. Failures are KindDecode errors.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return decodeError(fmt.Errorf("response body is not the expected JSON: %w", err))
	}
	return nil
}
