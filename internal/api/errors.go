package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/folio/internal/apperr"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// statusFor maps an error code to the HTTP status it is reported with.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.InvalidArgument, apperr.EmptyInput, apperr.InvalidMention:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.ConcurrentModification, apperr.ConflictRetryable, apperr.ThreadArchived, apperr.InvalidTransition:
		return http.StatusConflict
	case apperr.SummarizerError, apperr.GeneratorError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeErr reports err to the client as a generic message plus its code.
// The underlying error text is only logged.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, errType, msg := publicError(r, err)
	httpError(w, status, errType, "%s", msg)
}

// publicError logs err and returns the status, type and message a client
// may see for it.
func publicError(r *http.Request, err error) (int, string, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Debug("request ended before completion", "path", r.URL.Path, "error", err)
		return http.StatusServiceUnavailable, "canceled", "the request was canceled"
	}
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.Internal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		slog.Warn("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	return status, string(code), apperr.PublicMessage(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body capped at maxRequestBodySize.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, string(apperr.InvalidArgument), "invalid request body: %v", err)
		return false
	}
	return true
}
