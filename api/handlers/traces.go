package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/api/metrics"
)

const defaultTraceLimit = 50

type ListTracesResponse struct {
	Traces []trace.Record `json:"traces"`
}

func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := h.app.Traces.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []trace.Record{}
	}
	writeJSON(w, ListTracesResponse{Traces: recs})
}

func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	rec, err := h.app.Traces.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

type FeedbackRequest struct {
	Correct *bool  `json:"correct"`
	Comment string `json:"comment,omitempty"`
}

func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Correct == nil {
		badRequest(w, "correct is required")
		return
	}
	out, err := h.app.Feedback.Submit(r.Context(), chi.URLParam(r, "id"), *req.Correct, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	metrics.FeedbackTotal.WithLabelValues(strconv.FormatBool(*req.Correct)).Inc()
	writeJSON(w, out)
}
