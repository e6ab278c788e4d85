package gigatiles

import (
	"errors"
	"net/http"
)

// Semantic error classes returned by core operations. The HTTP layer maps
// them to status codes with StatusCode.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("name already in use")
	ErrPayloadTooLarge  = errors.New("file exceeds maximum upload size")
	ErrUnsupportedMedia = errors.New("unsupported file extension")
	ErrUnavailable      = errors.New("dataset is not ready")
	ErrFailedDependency = errors.New("tile missing from object store and local disk")
	ErrBadRequest       = errors.New("bad request")

	ErrInsufficientDisk   = errors.New("insufficient-disk")
	ErrInsufficientMemory = errors.New("insufficient-memory")
)

// StatusCode translates a semantic error into an HTTP status code.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrFailedDependency):
		return http.StatusFailedDependency
	case errors.Is(err, ErrInsufficientDisk), errors.Is(err, ErrInsufficientMemory):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
