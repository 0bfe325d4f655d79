package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"swarmd/internal/storage"
	"swarmd/internal/torrent"
)

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, torrent.ErrNotFound),
		errors.Is(err, torrent.ErrInvalidFileIndex),
		errors.Is(err, torrent.ErrRemoved),
		errors.Is(err, storage.ErrInvalidFile):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotYetAvailable),
		errors.Is(err, torrent.ErrClientClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, statusFor(err))
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func renderBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}
