package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed request.
type Kind int

const (
	// KindNetwork: the request could not complete.
	KindNetwork Kind = iota + 1
	// KindUnauthorized: the server rejected the credential (401 or 403).
	KindUnauthorized
	KindNotFound
	// KindValidation: any other 4xx, usually with a structured detail.
	KindValidation
	KindServer
	// KindDecode: the payload could not be interpreted as the expected shape.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not-found"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned for every failed Send. The original status and server
// detail are preserved for the caller.
type Error struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("gallery API ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the failure onto the status a local caller should report.
func (e *Error) Status() (int, string) {
	switch e.Kind {
	case KindUnauthorized, KindNotFound, KindValidation:
		message := e.Detail
		if message == "" {
			message = http.StatusText(e.StatusCode)
		}
		return e.StatusCode, message
	default:
		return http.StatusBadGateway, http.StatusText(http.StatusBadGateway)
	}
}

// KindOf returns the kind of a transport error, or zero when err did not
// come from the transport.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return 0
}

// IsUnauthorized reports whether the server rejected the credential with a
// 401. A 403 is also KindUnauthorized but means "authenticated, not allowed",
// which does not end the session.
func IsUnauthorized(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == KindUnauthorized && terr.StatusCode == http.StatusUnauthorized
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func statusError(status int, body []byte) *Error {
	e := &Error{
		StatusCode: status,
		Detail:     parseDetail(body),
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 400 && status < 500:
		e.Kind = KindValidation
	default:
		e.Kind = KindServer
	}

	return e
}

func decodeError(err error) *Error {
	return &Error{Kind: KindDecode, Err: err}
}

// parseDetail extracts the server's "detail" member. It is either a message
// string or a list of validation problems, each with a "msg".
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var message string
	if err := json.Unmarshal(envelope.Detail, &message); err == nil {
		return message
	}

	var problems []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &problems); err != nil {
		return ""
	}

	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		if p.Msg != "" {
			msgs = append(msgs, p.Msg)
		}
	}
	return strings.Join(msgs, "; ")
}
