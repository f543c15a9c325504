package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	"github.com/user/flowterm/internal/device"
	"github.com/user/flowterm/internal/profile"
	"github.com/user/flowterm/internal/session"
	"github.com/user/flowterm/internal/tab"
)

type errorBody struct {
	Error string `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, errorBody{Error: message})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, tab.ErrNotFound), errors.Is(err, profile.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, tab.ErrTabRunning), errors.Is(err, tab.ErrNoQueueProfile),
		errors.Is(err, session.ErrAlreadyFinished), errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, tab.ErrNotCommandTab), errors.Is(err, device.ErrInvalidSize):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tab.ErrClosed):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := mapError(err)
	jsonError(w, status, msg)
}
