package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/accounts"
	"github.com/dmitrijs2005/hashledger/internal/server/blobstore"
	"github.com/dmitrijs2005/hashledger/internal/server/docstore"
	"github.com/dmitrijs2005/hashledger/internal/server/ingest"
	"github.com/dmitrijs2005/hashledger/internal/server/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticExtractor map[string]string

func (s staticExtractor) Extract(_ context.Context, objectURL, account string) *blobstore.ObjectMetadata {
	return &blobstore.ObjectMetadata{StorageAccountName: account, BlobURL: objectURL, Tags: s}
}

type testAPI struct {
	srv    *httptest.Server
	ledger *ledger.Ledger
}

func newTestAPI(t *testing.T, tags map[string]string) *testAPI {
	t.Helper()

	as := accounts.NewService(docstore.NewMemoryStore(), logging.Nop())
	l := ledger.New(docstore.NewMemoryStore(), logging.Nop())
	m := ingest.NewMetrics()
	p := ingest.NewPipeline(as, staticExtractor(tags), l, m, logging.Nop())

	h := NewHandler(as, l, p, m, logging.Nop(), 4)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, ledger: l}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if obj, ok := raw.(map[string]any); ok {
			out = obj
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp.StatusCode, out
}

func TestConfigEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)

	code, body := api.do(t, http.MethodGet, "/config", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["items"])

	code, body = api.do(t, http.MethodPost, "/config", `{"storage_account_name":"acct","connection_string":"cs"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["enabled"], "enabled defaults to true")
	assert.Equal(t, "azure", body["provider"])

	code, body = api.do(t, http.MethodPost, "/config", `{"storage_account_name":"off","connection_string":"cs","enabled":false}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, false, body["enabled"])

	code, body = api.do(t, http.MethodPost, "/config", `{"connection_string":"cs"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "storage_account_name")

	code, _ = api.do(t, http.MethodPost, "/config", `{"storage_account_name":"nocred"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodPost, "/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(t, http.MethodPut, "/config/acct", `{"containers":["c1","c2"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"c1", "c2"}, body["containers"])

	code, body = api.do(t, http.MethodPost, "/config/acct/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])

	code, body = api.do(t, http.MethodGet, "/config/acct", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "acct", body["storage_account_name"])

	code, body = api.do(t, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 2)

	code, _ = api.do(t, http.MethodDelete, "/config/acct", "")
	assert.Equal(t, http.StatusOK, code)
	code, body = api.do(t, http.MethodGet, "/config/acct", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
	code, _ = api.do(t, http.MethodPost, "/config/acct/toggle", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeploymentEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)

	code, body := api.do(t, http.MethodPost, "/deployments", `{"deployment_id":42,"project_id":7}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "42", body["id"])
	assert.Equal(t, float64(0), body["hash_count"])

	code, _ = api.do(t, http.MethodPost, "/deployments", `{"deployment_id":42,"project_id":8}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = api.do(t, http.MethodPost, "/deployments", `{"deployment_id":0,"project_id":8}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(t, http.MethodPost, "/deployments/42/hashes", `{"hashes":["b","a","c"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["hash_count"])
	assert.Len(t, body["added"], 3)

	code, body = api.do(t, http.MethodPost, "/deployments/42/hashes", `{"hashes":["a"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["added"])
	assert.Equal(t, []any{"a"}, body["already_recorded"])

	code, body = api.do(t, http.MethodGet, "/deployments/42/hashes?skip=1&take=1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"b"}, body["hashes"])

	code, _ = api.do(t, http.MethodGet, "/deployments/42/hashes?take=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(t, http.MethodPut, "/deployments/42/upload", `{"upload_in_progress":true,"upload_user_id":"u1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["upload_in_progress"])
	assert.Equal(t, "u1", body["upload_user_id"])

	code, body = api.do(t, http.MethodGet, "/deployments/42", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["hash_count"])

	code, _ = api.do(t, http.MethodGet, "/deployments/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = api.do(t, http.MethodGet, "/deployments/9", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = api.do(t, http.MethodPost, "/deployments/9/hashes", `{"hashes":["x"]}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = api.do(t, http.MethodDelete, "/deployments/42?purge=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["hashes_removed"])
	code, _ = api.do(t, http.MethodGet, "/deployments/42", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteDeployment_KeepsHashes(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	_, err := api.ledger.CreateMetadata(ctx, 5, 1)
	require.NoError(t, err)
	_, err = api.ledger.AppendHashes(ctx, 5, []string{"h1"})
	require.NoError(t, err)

	code, _ := api.do(t, http.MethodDelete, "/deployments/5", "")
	require.Equal(t, http.StatusOK, code)

	hashes, err := api.ledger.ListHashes(ctx, 5, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hashes)
}

func TestEvents(t *testing.T) {
	api := newTestAPI(t, map[string]string{"deployment_id": "42", "hash": "abc123"})
	ctx := context.Background()
	_, err := api.ledger.CreateMetadata(ctx, 42, 7)
	require.NoError(t, err)

	code, _ := api.do(t, http.MethodPost, "/config", `{"storage_account_name":"acct","connection_string":"cs"}`)
	require.Equal(t, http.StatusCreated, code)

	t.Run("subscription validation", func(t *testing.T) {
		code, body := api.do(t, http.MethodPost, "/events",
			`[{"id":"v","eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"code-1"}}]`)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "code-1", body["validationResponse"])
	})

	t.Run("delivery", func(t *testing.T) {
		code, body := api.do(t, http.MethodPost, "/events", `[
			{"id":"e1","eventType":"Microsoft.Storage.BlobCreated","data":{"url":"https://acct.blob.core.windows.net/c1/f.bin"}},
			{"id":"e2","eventType":"Microsoft.Storage.BlobDeleted","data":{"url":"https://acct.blob.core.windows.net/c1/f.bin"}},
			{"id":"e3","eventType":"Microsoft.Storage.BlobCreated","data":{"url":"https://other.blob.core.windows.net/c1/f.bin"}}
		]`)
		require.Equal(t, http.StatusOK, code)

		outcomes, ok := body["outcomes"].([]any)
		require.True(t, ok)
		require.Len(t, outcomes, 3)
		assert.Equal(t, "appended", outcomes[0].(map[string]any)["state"])
		assert.Equal(t, "skipped", outcomes[1].(map[string]any)["state"])
		assert.Equal(t, "skipped", outcomes[2].(map[string]any)["state"])

		m, err := api.ledger.GetMetadata(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.HashCount)
	})

	t.Run("malformed", func(t *testing.T) {
		code, body := api.do(t, http.MethodPost, "/events", `nope`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.NotEmpty(t, body["error"])
	})
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, nil)

	code, body := api.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := api.srv.Client().Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), `hashledger_http_requests_total{method="GET",path="GET /healthz",status_code="200"} 1`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
