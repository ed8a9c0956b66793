// Package apperr defines the error kinds shared by the ingestion pipeline.
// Callers wrap one of the sentinels with fmt.Errorf("...: %w", ...) and
// classify with errors.Is.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrConfiguration means provider credentials or required settings are missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrKeyValidation means an object key is empty, malformed or escapes its namespace.
	ErrKeyValidation = errors.New("invalid object key")
	// ErrInvalidInput covers other client-supplied fields (filename, content type).
	ErrInvalidInput = errors.New("invalid input")
	// ErrAuthorization means the caller does not own the resource.
	ErrAuthorization = errors.New("not authorized")
	// ErrTransientProvider covers network and provider 5xx failures.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrObjectNotFound means the storage key does not resolve to an object.
	ErrObjectNotFound = errors.New("object not found")
	// ErrNotFound means a database record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAnalysis means the analysis or transcode step failed.
	ErrAnalysis = errors.New("analysis failed")
)

// Retryable reports whether a worker should try the failed operation again.
// Configuration and client errors never heal on their own.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrKeyValidation),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrAuthorization):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// IsClientError reports whether err should be surfaced to the caller as a 4xx.
func IsClientError(err error) bool {
	return errors.Is(err, ErrKeyValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrObjectNotFound)
}
