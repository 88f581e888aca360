package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/hashledger/internal/flagx"
	"github.com/dmitrijs2005/hashledger/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "10s" and integer nanoseconds are accepted.
type JsonConfig struct {
	EndpointAddrHTTP        string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC        string         `json:"endpoint_addr_grpc"`
	StoreBackend            string         `json:"store_backend"`
	DatabaseDSN             string         `json:"database_dsn"`
	DeploymentsCollection   string         `json:"deployments_collection"`
	ConfigurationCollection string         `json:"configuration_collection"`
	CosmosEndpoint          string         `json:"cosmos_endpoint"`
	CosmosKey               string         `json:"cosmos_key"`
	CosmosDatabase          string         `json:"cosmos_database"`
	DynamoDBRegion          string         `json:"dynamodb_region"`
	DynamoDBEndpoint        string         `json:"dynamodb_endpoint"`
	AppendMaxRetries        int            `json:"append_max_retries"`
	EventConcurrency        int            `json:"event_concurrency"`
	ShutdownTimeout         timex.Duration `json:"shutdown_timeout"`
	LogLevel                string         `json:"log_level"`
}

// parseJson loads the file named by -c or -config, if any, and copies every
// field it sets into config. Unreadable files and invalid JSON panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.StoreBackend, c.StoreBackend)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.DeploymentsCollection, c.DeploymentsCollection)
	setString(&config.ConfigurationCollection, c.ConfigurationCollection)
	setString(&config.CosmosEndpoint, c.CosmosEndpoint)
	setString(&config.CosmosKey, c.CosmosKey)
	setString(&config.CosmosDatabase, c.CosmosDatabase)
	setString(&config.DynamoDBRegion, c.DynamoDBRegion)
	setString(&config.DynamoDBEndpoint, c.DynamoDBEndpoint)
	setString(&config.LogLevel, c.LogLevel)

	if c.AppendMaxRetries > 0 {
		config.AppendMaxRetries = c.AppendMaxRetries
	}
	if c.EventConcurrency > 0 {
		config.EventConcurrency = c.EventConcurrency
	}
	if c.ShutdownTimeout.Duration > 0 {
		config.ShutdownTimeout = c.ShutdownTimeout.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
