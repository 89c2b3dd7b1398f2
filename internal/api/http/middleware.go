// Package http provides the HTTP API of the cohortflow services: streamed
// uploads, run queries, the rule engine callback and the operator surface.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cohortflow/cohortflow/internal/catalog"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// Context keys for request metadata.
type contextKey string

const (
	// requestIDKey is the context key for the request ID.
	requestIDKey contextKey = "request_id"
)

// ErrorResponse is the body of every error response. Detail is only filled
// on the operator surface.
type ErrorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"error_class,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Printf("http: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{
					Error:     cferrors.ClassInternal.Message(),
					Class:     string(cferrors.ClassInternal),
					RequestID: GetRequestID(r.Context()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLogMiddleware logs one line per request.
func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("http: %s %s %d %s request_id=%s",
			r.Method, r.URL.Path, status, time.Since(start).Round(time.Millisecond), GetRequestID(r.Context()))
	})
}

// statusFor maps an error onto an HTTP status code.
func statusFor(err error) int {
	switch cferrors.GetCode(err) {
	case cferrors.CodeRunNotFound, cferrors.CodeSubmissionNotFound, cferrors.CodeEntryNotFound:
		return http.StatusNotFound
	case cferrors.CodeInvalidTransition, cferrors.CodeWriteConflict:
		return http.StatusConflict
	case cferrors.CodeUnknownTableType:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return http.StatusNotFound
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch cferrors.Classify(err) {
	case cferrors.ClassInput:
		return http.StatusBadRequest
	case cferrors.ClassTransient:
		return http.StatusServiceUnavailable
	case cferrors.ClassIntegrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its class and public message only. The full
// error goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	requestID := GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s %s failed: %v request_id=%s", r.Method, r.URL.Path, err, requestID)
	}

	resp := ErrorResponse{
		Error:     cferrors.PublicMessage(err),
		Class:     string(cferrors.Classify(err)),
		RequestID: requestID,
	}
	if status == http.StatusNotFound {
		resp.Error = "not found"
	}
	if resp.Class == string(cferrors.ClassInput) || status == http.StatusConflict || status == http.StatusNotFound {
		resp.Code = cferrors.GetCode(err)
	}
	writeJSON(w, status, resp)
}

// writeOpsError renders err for an operator, including the full error chain.
func writeOpsError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log.Printf("http/ops: %s %s: %v request_id=%s", r.Method, r.URL.Path, err, GetRequestID(r.Context()))
	writeJSON(w, status, ErrorResponse{
		Error:     cferrors.PublicMessage(err),
		Class:     string(cferrors.Classify(err)),
		Code:      cferrors.GetCode(err),
		Detail:    err.Error(),
		RequestID: GetRequestID(r.Context()),
	})
}

// badRequest renders a request the handler rejected itself.
func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, cferrors.NewInputError(cferrors.CodeInvalidRequest, msg))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
