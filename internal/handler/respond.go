package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/service"
)

// envelope задаёт единый формат ответа API.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: status, Msg: msg, Data: data})
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, "", data)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, msg, nil)
}

// errorStatus сопоставляет ошибку бизнес-логики с HTTP-статусом.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError отдаёт клиенту понятное сообщение. Неожиданные ошибки логируются,
// а клиент получает только текст статуса.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("uri", r.RequestURI))
		writeMessage(w, status, http.StatusText(status))
		return
	}
	writeMessage(w, status, humanMessage(err))
}

func humanMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{lifecycle.ErrInvalidInput, lifecycle.ErrNotFound, lifecycle.ErrConflict, lifecycle.ErrForbidden} {
		if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
			return rest
		}
	}
	return msg
}
