// Package server wires the hashledger components together and owns their
// lifecycle: store connections, the HTTP surface and the gRPC health
// service, shut down together on SIGINT, SIGTERM or SIGQUIT.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/hashledger/internal/logging"
	"github.com/dmitrijs2005/hashledger/internal/server/accounts"
	"github.com/dmitrijs2005/hashledger/internal/server/blobstore"
	"github.com/dmitrijs2005/hashledger/internal/server/config"
	"github.com/dmitrijs2005/hashledger/internal/server/httpapi"
	"github.com/dmitrijs2005/hashledger/internal/server/ingest"
	"github.com/dmitrijs2005/hashledger/internal/server/ledger"
	"github.com/dmitrijs2005/hashledger/internal/server/models"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/hashledger/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	stores *Stores
	http   *httpapi.HTTPServer
	grpc   *gs.GRPCServer
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	stores, err := OpenStores(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}

	as := accounts.NewService(stores.Configuration, logger)
	l := ledger.New(stores.Deployments, logger, ledger.WithMaxRetries(c.AppendMaxRetries))

	extractor := blobstore.NewExtractor(as, map[string]blobstore.PropertiesFetcher{
		models.ProviderAzure: blobstore.NewAzureFetcher(),
		models.ProviderS3:    blobstore.NewS3Fetcher(),
	}, logger)

	metrics := ingest.NewMetrics()
	pipeline := ingest.NewPipeline(as, extractor, l, metrics, logger)

	h := httpapi.NewHandler(as, l, pipeline, metrics, logger, c.EventConcurrency)

	return &App{
		config: c,
		logger: logger,
		stores: stores,
		http:   httpapi.NewHTTPServer(c.EndpointAddrHTTP, h.Routes(), c.ShutdownTimeout, logger),
		grpc:   gs.NewGRPCServer(c.EndpointAddrGRPC, logger),
	}, nil
}

// Run serves until ctx is cancelled, a shutdown signal arrives or one of the
// servers fails. Stores are closed on the way out.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.logger.Info(ctx, "Starting app...", "store", app.config.StoreBackend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.http.Run(gctx) })
	g.Go(func() error { return app.grpc.Run(gctx) })

	app.grpc.SetServing(true)

	err := g.Wait()
	if cerr := app.stores.Close(); cerr != nil {
		app.logger.Error(context.Background(), "store close failed", "error", cerr)
	}
	app.logger.Info(context.Background(), "App stopped")
	return err
}

// NewLogger is the process logger: JSON lines on stdout.
func NewLogger(level string) logging.Logger {
	return logging.NewJSONLogger(os.Stdout, level)
}
