// Package apierr holds HTTP error-writing helpers and the typed error kinds
// the batch driver pattern-matches on to decide retry disposition, per
// spec.md §7.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/frameforge/pipeline/internal/obslog"
	"github.com/xeipuuv/gojsonschema"
)

type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHTTPError(w http.ResponseWriter, msg string, status int, err error) APIError {
	w.WriteHeader(status)

	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		obslog.LogNoJobID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
	return APIError{msg, status, err}
}

func WriteHTTPUnauthorized(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusUnauthorized, err)
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return writeHTTPError(w, msg, http.StatusInternalServerError, err)
}

func WriteHTTPBadBodySchema(where string, w http.ResponseWriter, errs []gojsonschema.ResultError) APIError {
	sb := strings.Builder{}
	sb.WriteString("Body validation error in ")
	sb.WriteString(where)
	sb.WriteString(" ")
	for i := range errs {
		sb.WriteString(errs[i].String())
		sb.WriteString(" ")
	}
	return writeHTTPError(w, sb.String(), http.StatusBadRequest, nil)
}

// ErrKind classifies an error for the batch driver's retry disposition
// (spec.md §7). It is modeled as a sum type the way the teacher models
// UnretriableError/ObjectNotFoundError: a typed wrapper tested with
// errors.As, never string matching.
type ErrKind string

const (
	KindConfig         ErrKind = "Config"
	KindTransient      ErrKind = "Transient"
	KindNotFound       ErrKind = "NotFound"
	KindEncodingFailed ErrKind = "EncodingFailed"
	KindEncoderFailed  ErrKind = "EncoderFailed"
	KindVectorStore    ErrKind = "VectorStoreFailed"
	KindNoFrames       ErrKind = "NoFrames"
	KindConsistency    ErrKind = "Consistency"
)

// KindedError wraps an underlying error with its ErrKind.
type KindedError struct {
	Kind ErrKind
	Err  error
}

func (e *KindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with kind. A nil err returns nil.
func Wrap(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind ErrKind, format string, args ...any) error {
	return Wrap(kind, fmt.Errorf(format, args...))
}

// KindOf returns the ErrKind carried by err, or "" if err was never wrapped.
func KindOf(err error) ErrKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// Retryable reports whether an error of this kind should be retried by the
// batch driver. NoFrames and Config are never retried; NotFound is not a
// failure at all (handled separately as a skip).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindEncodingFailed, KindEncoderFailed, KindVectorStore, KindConsistency:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err represents a missing source video.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
