package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/malbeclabs/sheetagent/agent/pkg/feedback"
	"github.com/malbeclabs/sheetagent/agent/pkg/trace"
	"github.com/malbeclabs/sheetagent/agent/pkg/workflow"
	"github.com/malbeclabs/sheetagent/api/handlers"
	"github.com/malbeclabs/sheetagent/internal/app"
	"github.com/malbeclabs/sheetagent/internal/app/apptest"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

func newTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()
	a := apptest.New(t, nil)
	s, err := NewServer(a, WithLogger(apptest.Logger))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, a
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSheetAgent_API_NewServer(t *testing.T) {
	t.Parallel()
	_, err := NewServer(nil)
	require.ErrorContains(t, err, "app is required")
}

func TestSheetAgent_API_Health(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["tables"])
}

func TestSheetAgent_API_Tables(t *testing.T) {
	t.Parallel()

	t.Run("list add activate preview remove", func(t *testing.T) {
		t.Parallel()
		ts, a := newTestServer(t)

		resp := do(t, http.MethodPost, ts.URL+"/api/tables", handlers.AddTableRequest{Path: apptest.RatesPath})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		added := decode[handlers.AddTableResponse](t, resp)
		require.Equal(t, "Table7", added.Structure.SheetName)
		require.Equal(t, 3, added.Structure.TotalColumns)

		resp = do(t, http.MethodGet, ts.URL+"/api/tables", nil)
		list := decode[handlers.ListTablesResponse](t, resp)
		require.Len(t, list.Tables, 2)
		costsID := ""
		for _, ti := range list.Tables {
			if ti.Filename == "costs.xlsx" {
				costsID = ti.ID
				require.False(t, ti.IsActive)
			}
		}
		require.NotEmpty(t, costsID)

		resp = do(t, http.MethodPost, ts.URL+"/api/tables/"+costsID+"/active", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, info, ok := a.Registry.Active()
		require.True(t, ok)
		require.Equal(t, costsID, info.ID)

		resp = do(t, http.MethodGet, ts.URL+"/api/tables/"+costsID+"/preview?limit=2", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		preview := decode[tools.Result](t, resp)
		require.Equal(t, 4, preview.TotalRows)
		require.Equal(t, 2, preview.ReturnedRows)

		resp = do(t, http.MethodDelete, ts.URL+"/api/tables/"+added.ID, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.Equal(t, 1, a.Registry.Len())
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		ts, _ := newTestServer(t)

		resp := do(t, http.MethodPost, ts.URL+"/api/tables", handlers.AddTableRequest{Path: "/nope.xlsx"})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = do(t, http.MethodPost, ts.URL+"/api/tables", handlers.AddTableRequest{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp = do(t, http.MethodDelete, ts.URL+"/api/tables/missing", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = do(t, http.MethodPost, ts.URL+"/api/tables/missing/active", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = do(t, http.MethodGet, ts.URL+"/api/tables/missing/preview", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("join and suggest", func(t *testing.T) {
		t.Parallel()
		ts, a := newTestServer(t)
		costs := a.Registry.ListTables()[0].ID
		rates, _, err := a.Registry.AddTable(t.Context(), apptest.RatesPath, "")
		require.NoError(t, err)

		resp := do(t, http.MethodPost, ts.URL+"/api/tables/join/suggest", handlers.SuggestJoinRequest{LeftID: costs, RightID: rates})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		s := decode[workflow.JoinSuggestion](t, resp)
		require.Equal(t, []string{"Key"}, s.LeftKeys)
		require.Equal(t, "shared Key column", s.Reason)

		resp = do(t, http.MethodPost, ts.URL+"/api/tables/join", s.JoinSpec)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		joined := decode[handlers.AddTableResponse](t, resp)
		require.Equal(t, 4, joined.Structure.TotalRows)
		require.Equal(t, 3, a.Registry.Len())

		resp = do(t, http.MethodPost, ts.URL+"/api/tables/join", registry.JoinSpec{LeftID: costs, RightID: rates, LeftKeys: []string{"Nope"}, RightKeys: []string{"Key"}, Kind: "inner"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("upload", func(t *testing.T) {
		t.Parallel()
		ts, a := newTestServer(t)

		path := filepath.Join(t.TempDir(), "plan.xlsx")
		f := excelize.NewFile()
		require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Year", "Amount"}))
		require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"FY26", 10}))
		require.NoError(t, f.SaveAs(path))
		require.NoError(t, f.Close())

		upload := func(name string, content []byte) *http.Response {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			fw, err := mw.CreateFormFile("file", name)
			require.NoError(t, err)
			_, err = fw.Write(content)
			require.NoError(t, err)
			require.NoError(t, mw.Close())
			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+"/api/tables/upload", &buf)
			require.NoError(t, err)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			t.Cleanup(func() { resp.Body.Close() })
			return resp
		}

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		resp := upload("plan.xlsx", data)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		added := decode[handlers.AddTableResponse](t, resp)
		require.Equal(t, 1, added.Structure.TotalRows)
		require.Equal(t, 2, a.Registry.Len())

		resp = upload("plan.csv", []byte("a,b"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSheetAgent_API_Chat(t *testing.T) {
	t.Parallel()

	t.Run("answer and feedback", func(t *testing.T) {
		t.Parallel()
		ts, a := newTestServer(t)

		resp := do(t, http.MethodPost, ts.URL+"/api/chat", handlers.ChatRequest{Message: "Compare FY26 budget with FY25 actual"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		res := decode[workflow.Result](t, resp)
		require.Equal(t, apptest.Answer, res.Answer)
		require.NotEmpty(t, res.TraceID)

		resp = do(t, http.MethodGet, ts.URL+"/api/traces/"+res.TraceID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rec := decode[trace.Record](t, resp)
		require.Equal(t, "Compare FY26 budget with FY25 actual", rec.UserQuery)

		resp = do(t, http.MethodGet, ts.URL+"/api/traces?limit=5", nil)
		list := decode[handlers.ListTracesResponse](t, resp)
		require.Len(t, list.Traces, 1)

		yes := true
		resp = do(t, http.MethodPost, ts.URL+"/api/traces/"+res.TraceID+"/feedback", handlers.FeedbackRequest{Correct: &yes})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode[feedback.Outcome](t, resp)
		require.Equal(t, "qa_confirmed_"+res.TraceID, out.KnowledgeID)
		require.Equal(t, 1, a.Knowledge.Len())

		resp = do(t, http.MethodPost, ts.URL+"/api/traces/missing/feedback", handlers.FeedbackRequest{Correct: &yes})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp = do(t, http.MethodPost, ts.URL+"/api/traces/"+res.TraceID+"/feedback", map[string]string{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("empty message", func(t *testing.T) {
		t.Parallel()
		ts, _ := newTestServer(t)
		resp := do(t, http.MethodPost, ts.URL+"/api/chat", handlers.ChatRequest{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stream", func(t *testing.T) {
		t.Parallel()
		ts, _ := newTestServer(t)

		resp := do(t, http.MethodPost, ts.URL+"/api/chat/stream", handlers.ChatRequest{Message: "Compare FY26 budget with FY25 actual"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		var (
			nodes []string
			done  workflow.Result
			event string
		)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data := []byte(strings.TrimPrefix(line, "data: "))
				switch event {
				case "progress":
					var ev workflow.Event
					require.NoError(t, json.Unmarshal(data, &ev))
					nodes = append(nodes, ev.Node)
				case "done":
					require.NoError(t, json.Unmarshal(data, &done))
				}
			}
		}
		require.NoError(t, sc.Err())
		require.Equal(t, []string{"load_context", "analyze_intent", "generate_query", "validate_query", "execute", "refine_answer"}, nodes)
		require.Equal(t, apptest.Answer, done.Answer)
	})
}

func TestSheetAgent_API_Tools(t *testing.T) {
	t.Parallel()
	ts, a := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/tools", nil)
	list := decode[handlers.ListToolsResponse](t, resp)
	require.Len(t, list.Tools, len(a.Tools.List()))

	resp = do(t, http.MethodGet, ts.URL+"/api/tools/compare_scenarios", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/tools/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/tools/compare_scenarios", map[string]any{
		"year1": "FY26", "scenario1": "Budget1", "year2": "FY25", "scenario2": "Actual", "function": "HR Allocation",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"Difference":20`)

	resp = do(t, http.MethodPost, ts.URL+"/api/tools/nope", map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSheetAgent_API_ServeShutsDown(t *testing.T) {
	t.Parallel()
	a := apptest.New(t, nil)
	s, err := NewServer(a, WithLogger(apptest.Logger))
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
