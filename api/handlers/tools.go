package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/sheetagent/pkg/tools"
)

type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
}

type ListToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	list := h.app.Tools.List()
	out := make([]ToolInfo, len(list))
	for i, t := range list {
		out[i] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	writeJSON(w, ListToolsResponse{Tools: out})
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := h.app.Tools.Lookup(name)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: %s", tools.ErrUnknownTool, name))
		return
	}
	writeJSON(w, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
}

// CallTool runs a tool with the JSON object body as its arguments. An empty
// body calls it with no arguments.
func (h *Handlers) CallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	args := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "Invalid request body")
		return
	}
	res, err := h.app.Tools.Call(r.Context(), name, args)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, res)
}
