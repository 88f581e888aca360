package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/hashledger/internal/flagx"
)

// parseEnv overlays values from environment variables. HASHLEDGER_* names
// take precedence; the Cosmos endpoint and key are also read from
// COSMOS_DB_ENDPOINT and COSMOS_DB_KEY.
func parseEnv(config *Config, lookup flagx.LookupFunc) error {
	flagx.EnvString(lookup, &config.EndpointAddrHTTP, "HASHLEDGER_HTTP_ADDR")
	flagx.EnvString(lookup, &config.EndpointAddrGRPC, "HASHLEDGER_GRPC_ADDR")
	flagx.EnvString(lookup, &config.StoreBackend, "HASHLEDGER_STORE")
	flagx.EnvString(lookup, &config.DatabaseDSN, "HASHLEDGER_DATABASE_DSN", "DATABASE_DSN")
	flagx.EnvString(lookup, &config.DeploymentsCollection, "HASHLEDGER_DEPLOYMENTS_COLLECTION")
	flagx.EnvString(lookup, &config.ConfigurationCollection, "HASHLEDGER_CONFIGURATION_COLLECTION")

	flagx.EnvString(lookup, &config.CosmosEndpoint, "HASHLEDGER_COSMOS_ENDPOINT", "COSMOS_DB_ENDPOINT")
	flagx.EnvString(lookup, &config.CosmosKey, "HASHLEDGER_COSMOS_KEY", "COSMOS_DB_KEY")
	flagx.EnvString(lookup, &config.CosmosDatabase, "HASHLEDGER_COSMOS_DATABASE")

	flagx.EnvString(lookup, &config.DynamoDBRegion, "HASHLEDGER_DYNAMODB_REGION", "AWS_REGION")
	flagx.EnvString(lookup, &config.DynamoDBEndpoint, "HASHLEDGER_DYNAMODB_ENDPOINT")

	flagx.EnvString(lookup, &config.LogLevel, "HASHLEDGER_LOG_LEVEL")

	if err := flagx.EnvInt(lookup, &config.AppendMaxRetries, "HASHLEDGER_APPEND_MAX_RETRIES"); err != nil {
		return err
	}
	if err := flagx.EnvInt(lookup, &config.EventConcurrency, "HASHLEDGER_EVENT_CONCURRENCY"); err != nil {
		return err
	}

	var timeout string
	flagx.EnvString(lookup, &timeout, "HASHLEDGER_SHUTDOWN_TIMEOUT")
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("env HASHLEDGER_SHUTDOWN_TIMEOUT: %w", err)
		}
		config.ShutdownTimeout = d
	}
	return nil
}
