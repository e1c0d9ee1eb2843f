package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddToWhitelistMarksAgentWhitelisted(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "admin")

	w := doJSON(t, s, http.MethodPut, "/api/admin/whitelist/agent-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["whitelisted"])
}

func TestRemoveFromWhitelistClearsFlag(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "admin")

	doJSON(t, s, http.MethodPut, "/api/admin/whitelist/agent-1", tok, nil)
	w := doJSON(t, s, http.MethodDelete, "/api/admin/whitelist/agent-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["whitelisted"])
}

func TestCompactUnknownTableReturnsConflict(t *testing.T) {
	s := newTestServer(t)
	tok := bearerToken(t, s, "admin")

	w := doJSON(t, s, http.MethodPost, "/api/admin/compact/nonexistent", tok, nil)
	require.Equal(t, http.StatusConflict, w.Code)
}
