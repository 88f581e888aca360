package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"endpoint_addr_http":       "www.example:8081",
		"endpoint_addr_grpc":       "www.example:9000",
		"store_backend":            "dynamodb",
		"database_dsn":             "ledger.db",
		"deployments_collection":   "deps",
		"configuration_collection": "cfg",
		"cosmos_endpoint":          "https://acct.documents.azure.com:443/",
		"cosmos_key":               "key",
		"cosmos_database":          "db",
		"dynamodb_region":          "eu-central-1",
		"dynamodb_endpoint":        "http://localhost:8000",
		"append_max_retries":       7,
		"event_concurrency":        2,
		"shutdown_timeout":         "30s",
		"log_level":                "debug",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		parseJson(cfg)

		assert.Equal(t, "www.example:8081", cfg.EndpointAddrHTTP)
		assert.Equal(t, "www.example:9000", cfg.EndpointAddrGRPC)
		assert.Equal(t, BackendDynamoDB, cfg.StoreBackend)
		assert.Equal(t, "ledger.db", cfg.DatabaseDSN)
		assert.Equal(t, "deps", cfg.DeploymentsCollection)
		assert.Equal(t, "cfg", cfg.ConfigurationCollection)
		assert.Equal(t, "https://acct.documents.azure.com:443/", cfg.CosmosEndpoint)
		assert.Equal(t, "key", cfg.CosmosKey)
		assert.Equal(t, "db", cfg.CosmosDatabase)
		assert.Equal(t, "eu-central-1", cfg.DynamoDBRegion)
		assert.Equal(t, "http://localhost:8000", cfg.DynamoDBEndpoint)
		assert.Equal(t, 7, cfg.AppendMaxRetries)
		assert.Equal(t, 2, cfg.EventConcurrency)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("absent keys keep earlier values", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{"log_level": "error"})
		os.Args = []string{"testbin", "-c", partial}

		var cfg Config
		cfg.LoadDefaults()
		parseJson(&cfg)

		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, ":8080", cfg.EndpointAddrHTTP)
		assert.Equal(t, 5, cfg.AppendMaxRetries)
		assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	})

	t.Run("no config flag → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{EndpointAddrGRPC: "defaults:1234", DatabaseDSN: "ledger.db", EventConcurrency: 4}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.EndpointAddrGRPC)
		assert.Equal(t, "ledger.db", cfg.DatabaseDSN)
		assert.Equal(t, 4, cfg.EventConcurrency)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})

	t.Run("missing file → panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", filepath.Join(dir, "nope.json")}
		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
