package cliclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-mcp-proxy/mcpgate/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/httpapi"
)

func envelope(w http.ResponseWriter, status int, resp contracts.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClient_SendsAPIKeyAndDecodesData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get(httpapi.APIKeyHeader))
		envelope(w, http.StatusOK, contracts.NewSuccessResponse(httpapi.StatusResponse{
			Version:     "v1.2.3",
			ActiveSpace: "work",
			Backends:    map[string]int{"connected": 2},
		}))
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "secret-key", nil)
	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", st.Version)
	assert.Equal(t, "work", st.ActiveSpace)
	assert.Equal(t, 2, st.Backends["connected"])
}

func TestClient_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelope(w, http.StatusNotFound, contracts.NewErrorResponse("installation not found: x", "not_found"))
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "k", nil)
	err := client.Uninstall(context.Background(), "x")
	require.Error(t, err)

	var apiErr *cliclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Kind)
	assert.Contains(t, err.Error(), "installation not found")
}

func TestClient_Unreachable(t *testing.T) {
	client := cliclient.NewClient("127.0.0.1:1", "k", nil)
	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cliclient.ErrUnreachable)
}

func TestClient_ResolveByName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/spaces":
			envelope(w, http.StatusOK, contracts.NewSuccessResponse([]httpapi.SpaceView{
				{Space: &contracts.Space{ID: "sp-1", Name: "Work", IsActive: true}},
				{Space: &contracts.Space{ID: "sp-2", Name: "home"}},
			}))
		case "/api/v1/installations":
			assert.Equal(t, "sp-2", r.URL.Query().Get("space"))
			envelope(w, http.StatusOK, contracts.NewSuccessResponse([]map[string]any{
				{"id": "inst-1", "alias": "github", "space_id": "sp-2"},
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "k", nil)
	ctx := context.Background()

	id, err := client.ResolveSpace(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "sp-1", id, "empty ref is the active space")

	id, err = client.ResolveSpace(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "sp-1", id)

	_, err = client.ResolveSpace(ctx, "nope")
	assert.Error(t, err)

	inst, err := client.ResolveInstallation(ctx, "sp-2", "github")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", inst)
}

func TestClient_GrantSendsBody(t *testing.T) {
	var got httpapi.GrantRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/clients/cursor/grants"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		envelope(w, http.StatusOK, contracts.NewSuccessResponse(nil))
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, "k", nil)
	require.NoError(t, client.Revoke(context.Background(), "cursor", "sp-1", "fs-1"))
	assert.Equal(t, httpapi.GrantRequest{SpaceID: "sp-1", FeatureSetID: "fs-1"}, got)
}
