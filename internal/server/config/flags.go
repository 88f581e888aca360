package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/hashledger/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     HTTP bind address (e.g., ":8080")
//	-g string     gRPC bind address (e.g., ":50051")
//	-s string     store backend: postgres, cosmos, dynamodb, memory
//	-d string     PostgreSQL DSN
//	-l string     log level
//	-r int        append retry limit
//	-w int        events processed in parallel per delivery
//	-t duration   shutdown timeout (e.g., "15s")
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, so the -c/-config flag does not trip the parser.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-s", "-d", "-l", "-r", "-w", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "gRPC address and port")
	fs.StringVar(&config.StoreBackend, "s", config.StoreBackend, "store backend")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.IntVar(&config.AppendMaxRetries, "r", config.AppendMaxRetries, "append retry limit")
	fs.IntVar(&config.EventConcurrency, "w", config.EventConcurrency, "events processed in parallel")
	fs.DurationVar(&config.ShutdownTimeout, "t", config.ShutdownTimeout, "shutdown timeout")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
