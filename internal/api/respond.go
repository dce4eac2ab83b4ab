package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kdimtricp/vsearch/internal/models"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

type messageResponse struct {
	Message string `json:"message"`
	VideoID string `json:"video_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyInProgress), errors.Is(err, models.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, models.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError answers with {"detail": ...}. Internal errors are logged and
// reported without their text.
func (app *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		app.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeDetail(w, status, "internal server error")
		return
	}
	if status == http.StatusNotFound {
		writeDetail(w, status, "Video not found")
		return
	}
	writeDetail(w, status, err.Error())
}
