package server

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dmitrijs2005/hashledger/internal/server/config"
	"github.com/dmitrijs2005/hashledger/internal/server/docstore"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Stores are the two collections the service works on.
type Stores struct {
	Deployments   docstore.Store
	Configuration docstore.Store
	close         func() error
}

// Close releases the backend connection, if any.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

var (
	openDB             = sql.Open
	runMigrations      = docstore.RunMigrations
	loadDefaultAWSConf = awsconfig.LoadDefaultConfig
)

// OpenStores connects the configured backend.
func OpenStores(ctx context.Context, c *config.Config) (*Stores, error) {
	switch c.StoreBackend {
	case config.BackendPostgres:
		return openPostgres(ctx, c)
	case config.BackendCosmos:
		return openCosmos(c)
	case config.BackendDynamoDB:
		return openDynamoDB(ctx, c)
	case config.BackendMemory:
		return &Stores{Deployments: docstore.NewMemoryStore(), Configuration: docstore.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
}

func openPostgres(ctx context.Context, c *config.Config) (*Stores, error) {
	db, err := openDB("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Stores{
		Deployments:   docstore.NewPostgresStore(db, c.DeploymentsCollection),
		Configuration: docstore.NewPostgresStore(db, c.ConfigurationCollection),
		close:         db.Close,
	}, nil
}

func openCosmos(c *config.Config) (*Stores, error) {
	if c.CosmosEndpoint == "" || c.CosmosKey == "" {
		return nil, fmt.Errorf("cosmos backend needs an endpoint and a key")
	}
	client, err := docstore.NewCosmosClient(c.CosmosEndpoint, c.CosmosKey)
	if err != nil {
		return nil, err
	}
	deployments, err := client.NewContainer(c.CosmosDatabase, c.DeploymentsCollection)
	if err != nil {
		return nil, fmt.Errorf("cosmos container %s: %w", c.DeploymentsCollection, err)
	}
	configuration, err := client.NewContainer(c.CosmosDatabase, c.ConfigurationCollection)
	if err != nil {
		return nil, fmt.Errorf("cosmos container %s: %w", c.ConfigurationCollection, err)
	}
	return &Stores{
		Deployments:   docstore.NewCosmosStore(deployments),
		Configuration: docstore.NewCosmosStore(configuration),
	}, nil
}

func openDynamoDB(ctx context.Context, c *config.Config) (*Stores, error) {
	cfg, err := loadDefaultAWSConf(ctx, awsconfig.WithRegion(c.DynamoDBRegion))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if c.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(c.DynamoDBEndpoint)
		}
	})
	return &Stores{
		Deployments:   docstore.NewDynamoDBStore(client, c.DeploymentsCollection),
		Configuration: docstore.NewDynamoDBStore(client, c.ConfigurationCollection),
	}, nil
}
