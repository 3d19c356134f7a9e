package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no API key for the generative capability is configured.
// Its message is surfaced to callers verbatim.
var ErrNotConfigured = errors.New("API_KEY not configured on server")

// ErrEmptyResult is returned when the rendering call succeeds but carries no image data.
var ErrEmptyResult = errors.New("No image generated")

// ErrBusy is returned when a session is asked to start while a generation is in flight.
var ErrBusy = errors.New("a generation is already in progress")

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UpstreamError wraps a failure of the external generative capability.
type UpstreamError struct {
	Op  string // resolve_style, render_illustration, chat
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Error kinds used in logs, metrics and events.
const (
	KindNone          = ""
	KindValidation    = "validation"
	KindConfiguration = "configuration"
	KindEmptyResult   = "empty_result"
	KindTimeout       = "timeout"
	KindCanceled      = "canceled"
	KindUpstream      = "upstream"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	var validationErr *ValidationError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.Is(err, ErrNotConfigured):
		return KindConfiguration
	case errors.Is(err, ErrEmptyResult):
		return KindEmptyResult
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUpstream
	}
}
