package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies API failures for the sync layer. The set is closed;
// everything the transport can produce folds into one of these.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, 5xx and 429 responses.
	// Safe to retry.
	KindTransient ErrorKind = iota
	// KindValidation is a rejected request payload. Retrying cannot help.
	KindValidation
	// KindRoomNotFound means the room is gone, typically pruned.
	KindRoomNotFound
	// KindNotFound is any other missing resource.
	KindNotFound
	// KindConflict is a nonce replay with a different payload.
	KindConflict
	// KindAuth is a missing or rejected credential.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindRoomNotFound:
		return "room not found"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// APIError is the normalized failure the ChatAPI methods return.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsTransient reports whether err is worth retrying. Raw network errors
// count as transient even when they never reached the server.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// errors from http.Client.Do wrap the underlying net failure
	return err != nil && !errors.Is(err, context.Canceled)
}

// IsRoomNotFound reports whether err means the room no longer exists.
func IsRoomNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRoomNotFound
}

// kindFromWire maps the server's envelope kind strings onto the enum.
func kindFromWire(kind string, status int) ErrorKind {
	switch kind {
	case kindValidation:
		return KindValidation
	case kindRoomNotFound:
		return KindRoomNotFound
	case kindNotFound:
		return KindNotFound
	case kindConflict:
		return KindConflict
	case kindAuth:
		return KindAuth
	case kindTransient:
		return KindTransient
	}
	switch {
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 401 || status == 403:
		return KindAuth
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindTransient
	}
}
