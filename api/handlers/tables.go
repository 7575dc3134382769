package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/api/metrics"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

type AddTableRequest struct {
	Path  string `json:"path"`
	Sheet string `json:"sheet,omitempty"`
}

type AddTableResponse struct {
	ID        string          `json:"id"`
	Structure sheet.Structure `json:"structure"`
}

type ListTablesResponse struct {
	Tables []registry.TableInfo `json:"tables"`
}

func (h *Handlers) ListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ListTablesResponse{Tables: h.app.Registry.ListTables()})
}

func (h *Handlers) AddTable(w http.ResponseWriter, r *http.Request) {
	var req AddTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Path == "" {
		badRequest(w, "path is required")
		return
	}
	id, st, err := h.app.Registry.AddTable(r.Context(), req.Path, req.Sheet)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeStatus(w, http.StatusCreated, AddTableResponse{ID: id, Structure: st})
}

// UploadTable accepts a multipart workbook in the "file" field, stores it in
// the upload directory and loads it.
func (h *Handlers) UploadTable(w http.ResponseWriter, r *http.Request) {
	limit := h.app.Config.Server.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		badRequest(w, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".xlsx" && ext != ".xlsm" {
		badRequest(w, fmt.Sprintf("unsupported file type %q", ext))
		return
	}
	dir := filepath.Join(h.app.Config.Server.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.writeError(w, fmt.Errorf("failed to create upload directory: %w", err))
		return
	}
	path := filepath.Join(dir, filepath.Base(header.Filename))
	out, err := os.Create(path)
	if err != nil {
		h.writeError(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		h.writeError(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}
	if err := out.Close(); err != nil {
		h.writeError(w, fmt.Errorf("failed to store upload: %w", err))
		return
	}

	id, st, err := h.app.Registry.AddTable(r.Context(), path, r.FormValue("sheet"))
	if err != nil {
		_ = os.RemoveAll(dir)
		h.writeError(w, err)
		return
	}
	metrics.UploadBytes.Observe(float64(header.Size))
	h.log.Info("api: workbook uploaded", "id", id, "file", header.Filename, "bytes", header.Size)
	writeStatus(w, http.StatusCreated, AddTableResponse{ID: id, Structure: st})
}

func (h *Handlers) RemoveTable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.app.Registry.RemoveTable(id) {
		h.writeError(w, fmt.Errorf("%w: %s", registry.ErrTableNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.app.Registry.SetActive(id) {
		h.writeError(w, fmt.Errorf("%w: %s", registry.ErrTableNotFound, id))
		return
	}
	st, err := h.app.Registry.Structure(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, AddTableResponse{ID: id, Structure: st})
}

func (h *Handlers) JoinTables(w http.ResponseWriter, r *http.Request) {
	var spec registry.JoinSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	id, st, err := h.app.Registry.JoinTables(spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeStatus(w, http.StatusCreated, AddTableResponse{ID: id, Structure: st})
}

type SuggestJoinRequest struct {
	LeftID  string `json:"table1_id"`
	RightID string `json:"table2_id"`
}

func (h *Handlers) SuggestJoin(w http.ResponseWriter, r *http.Request) {
	var req SuggestJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	left, err := h.candidate(req.LeftID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	right, err := h.candidate(req.RightID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.app.Workflow.SuggestJoin(r.Context(), left, right)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, s)
}

func (h *Handlers) candidate(id string) (workflow.JoinCandidate, error) {
	t, info, err := h.app.Registry.Table(id)
	if err != nil {
		return workflow.JoinCandidate{}, err
	}
	return workflow.JoinCandidate{ID: id, Name: info.Filename, Table: t}, nil
}

func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, _, err := h.app.Registry.Table(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit := h.app.Config.Excel.MaxPreviewRows
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, h.app.Config.Excel.MaxResultLimit)
	}
	writeJSON(w, tools.NewResult(t, limit, nil))
}
