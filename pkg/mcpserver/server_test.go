package mcpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/reqs"
	"github.com/cookareq/cookareq/pkg/tools"
	"github.com/cookareq/cookareq/pkg/userdocs"
)

const testToken = "secret-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	svc, err := reqs.NewFileService(t.TempDir())
	require.NoError(t, err)
	docs, err := userdocs.NewService(t.TempDir())
	require.NoError(t, err)
	return New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		BearerToken: testToken,
		Registry:    tools.NewCatalog(tools.Deps{Reqs: svc, Docs: docs}),
		Logger:      slog.New(slog.DiscardHandler),
	})
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/mcp/schema", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var wire map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wire))
	assert.Equal(t, "UNAUTHORIZED", wire["error"]["code"])

	rec = do(t, s, http.MethodGet, "/mcp/schema", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/mcp/schema", testToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSchemaListsAllTools(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/mcp/schema", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Tools map[string]tools.Spec `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Tools, 18)
	assert.Contains(t, payload.Tools, "list_requirements")
	assert.Contains(t, payload.Tools, "delete_user_document")
}

func TestInvokeStatusCodes(t *testing.T) {
	s := newTestServer(t)

	// Malformed JSON body.
	rec := do(t, s, http.MethodPost, "/mcp", testToken, `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing name.
	rec = do(t, s, http.MethodPost, "/mcp", testToken, `{"arguments":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown name.
	rec = do(t, s, http.MethodPost, "/mcp", testToken, `{"name":"nope","arguments":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Bad arguments.
	rec = do(t, s, http.MethodPost, "/mcp", testToken, `{"name":"get_requirement","arguments":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Domain NOT_FOUND.
	rec = do(t, s, http.MethodPost, "/mcp", testToken, `{"name":"get_requirement","arguments":{"rid":"DEMO1"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/mcp", testToken,
		`{"name":"create_requirement","arguments":{"prefix":"DEMO","title":"Braking"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var created reqs.Requirement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "DEMO1", created.RID)

	rec = do(t, s, http.MethodPost, "/mcp", testToken,
		`{"name":"list_requirements","arguments":{}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var page reqs.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", "")
	id := rec.Header().Get("X-Request-ID")
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
}
