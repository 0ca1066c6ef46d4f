package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"tenant-provisioner/internal/errs"
	"tenant-provisioner/internal/logger"
)

// Envelope wraps every response body.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondOK(w http.ResponseWriter, status int, message string, data any) {
	respondJSON(w, status, Envelope{Status: "success", Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, Envelope{Status: "error", Message: message})
}

// respondErr maps an error's category to an HTTP status.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(errs.CategoryOf(err))
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			logger.Method(r.Method), logger.Path(r.URL.Path), logger.Error(err))
	}
	respondError(w, status, err.Error())
}

func statusFor(c errs.Category) int {
	switch c {
	case errs.CategoryConfiguration:
		return http.StatusBadRequest
	case errs.CategoryNotFound:
		return http.StatusNotFound
	case errs.CategoryConflict:
		return http.StatusConflict
	case errs.CategoryCrossAccountAuth:
		return http.StatusBadGateway
	case errs.CategoryTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.InfoContext(r.Context(), "http_request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.StatusCode(ww.Status()),
				logger.Duration(time.Since(start).Milliseconds()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
