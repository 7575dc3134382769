package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/api/metrics"
)

// ChatRequest is one question plus the prior turns of the conversation.
type ChatRequest struct {
	Message string             `json:"message"`
	History []workflow.Message `json:"history"`
}

func (h *Handlers) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return req, false
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return req, false
	}
	return req, true
}

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}
	res, err := h.app.Workflow.RunWithHistory(r.Context(), req.Message, req.History)
	metrics.ObserveChat("sync", err)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowAborted) && res != nil {
			res.Error = err.Error()
			writeStatus(w, http.StatusUnprocessableEntity, res)
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// ChatStream runs the workflow and reports each node as a server-sent
// "progress" event, then the result as a "done" event.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sendEvent := func(eventType string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			h.log.Error("api: failed to encode event", "event", eventType, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
		flusher.Flush()
	}

	res, err := h.app.Workflow.RunWithProgress(r.Context(), req.Message, req.History, func(ev workflow.Event) {
		sendEvent("progress", ev)
	})
	metrics.ObserveChat("stream", err)
	if err != nil {
		if res != nil {
			res.Error = err.Error()
			sendEvent("done", res)
			return
		}
		sendEvent("error", errorResponse{Error: err.Error()})
		return
	}
	sendEvent("done", res)
}
