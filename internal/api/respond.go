package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"socialchat/internal/apperr"
)

type envelope struct {
	Data  any        `json:"data"`
	Error *errorInfo `json:"error"`
}

type errorInfo struct {
	StatusCode int         `json:"statusCode"`
	Code       apperr.Kind `json:"code"`
	Message    string      `json:"message"`
	Path       string      `json:"path"`
	Method     string      `json:"method"`
	Timestamp  time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &errorInfo{
		StatusCode: status,
		Code:       apperr.KindOf(err),
		Message:    apperr.PublicMessage(err),
		Path:       r.URL.Path,
		Method:     r.Method,
		Timestamp:  time.Now().UTC(),
	}})
}

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.InvalidArgument("request body is required")
		}
		return apperr.InvalidArgument("invalid request body")
	}
	return nil
}
