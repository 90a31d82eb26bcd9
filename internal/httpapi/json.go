// Package httpapi exposes the conversion service over HTTP.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"readly/internal/apperr"
	"readly/internal/jobs"
)

// decodeJSON decodes the request body into dst, writing a 400 and
// returning false on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err)
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

// writeError writes a JSON error body {error, message}.
func writeError(w http.ResponseWriter, code int, errCode string, err error) {
	writeJSON(w, code, map[string]string{"error": errCode, "message": err.Error()})
}

// writeAppError maps the failure taxonomy onto HTTP status codes.
func writeAppError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		code = http.StatusServiceUnavailable
	case apperr.IsInvalidInput(err):
		code = http.StatusBadRequest
	case apperr.IsRateLimited(err):
		code = http.StatusTooManyRequests
	case apperr.IsNotFound(err), apperr.IsExpired(err):
		code = http.StatusNotFound
	case apperr.IsExtractionFailed(err), apperr.IsEncodingFailed(err), apperr.IsTimeout(err):
		code = http.StatusBadGateway
	}

	if apperr.IsRateLimited(err) {
		writeJSON(w, code, map[string]any{
			"error":         string(apperr.CodeRateLimited),
			"message":       err.Error(),
			"reset_seconds": apperr.ResetSecondsOf(err),
		})
		return
	}
	writeError(w, code, string(apperr.CodeOf(err)), err)
}
