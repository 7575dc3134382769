// Package handlers implements the sheetagent HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/malbeclabs/sheetagent/agent/pkg/feedback"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

type Handlers struct {
	log *slog.Logger
	app *app.App
}

func New(log *slog.Logger, a *app.App) *Handlers {
	return &Handlers{log: log, app: a}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api: request failed", "error", err)
	}
	writeStatus(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeStatus(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrTableNotFound),
		errors.Is(err, sheet.ErrNotFound),
		errors.Is(err, sheet.ErrSheetNotFound),
		errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, trace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidJoin),
		errors.Is(err, registry.ErrBindingConflict),
		errors.Is(err, registry.ErrNoActiveTable),
		errors.Is(err, sheet.ErrUnsupportedFormat),
		errors.Is(err, tools.ErrInvalidArguments),
		errors.Is(err, tools.ErrMissingFunction),
		errors.Is(err, tools.ErrMissingTable),
		errors.Is(err, tools.ErrTargetMismatch),
		errors.Is(err, tools.ErrInvalidTargetType),
		errors.Is(err, tools.ErrUnsupportedOperator),
		errors.Is(err, tools.ErrUnknownColumn):
		return http.StatusBadRequest
	case errors.Is(err, feedback.ErrIncompleteTrace):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "tables": h.app.Registry.Len()})
}
