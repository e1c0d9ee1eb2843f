package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestSubmitTaskReturns201WithQueuedStatus(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "agent-1")

	w := doJSON(t, s, http.MethodPost, "/api/tasks", tok, map[string]any{
		"description": "fix the bug",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp["status"])
	require.NotEmpty(t, resp["task_id"])
}

func TestSubmitTaskWithoutDescriptionIs422(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "agent-1")

	w := doJSON(t, s, http.MethodPost, "/api/tasks", tok, map[string]any{})

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitTaskWithoutAuthIs401(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/tasks", "", map[string]any{"description": "x"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetUnknownTaskIs404(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "agent-1")

	w := doJSON(t, s, http.MethodGet, "/api/tasks/nope", tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "agent-1")

	doJSON(t, s, http.MethodPost, "/api/tasks", tok, map[string]any{"description": "a"})

	w := doJSON(t, s, http.MethodGet, "/api/tasks?status=queued", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
}

func TestCancelQueuedTaskSucceeds(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "agent-1")

	w := doJSON(t, s, http.MethodPost, "/api/tasks", tok, map[string]any{"description": "a"})
	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["task_id"].(string)

	w = doJSON(t, s, http.MethodPost, "/api/tasks/"+id+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
}
