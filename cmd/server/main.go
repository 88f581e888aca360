package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/hashledger/internal/server"
	"github.com/dmitrijs2005/hashledger/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := server.NewLogger(cfg.LogLevel)

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
