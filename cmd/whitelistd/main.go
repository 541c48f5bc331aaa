// Command whitelistd serves the whitelist Merkle tree HTTP API.
//
// Usage:
//
//	whitelistd [flags]
//
// Flags:
//
//	--env-file  Optional .env file loaded before reading the environment
//	--version   Print version and exit
//
// All remaining configuration comes from environment variables; see the
// config package for the full list. The required ones are
// WHITELIST_S3_BUCKET_NAME, WHITELIST_DYNAMODB_ROOTS_TABLE_NAME and
// WHITELIST_DYNAMODB_PROOFS_TABLE_NAME.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"

	"github.com/qiao-yifan/merklytic-whitelist/config"
	"github.com/qiao-yifan/merklytic-whitelist/httpapi"
	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/service"
	"github.com/qiao-yifan/merklytic-whitelist/storage/ddb"
	"github.com/qiao-yifan/merklytic-whitelist/storage/s3store"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("whitelistd", flag.ContinueOnError)
	envFile := fs.String("env-file", "", "optional .env file loaded before reading the environment")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("whitelistd %s (commit %s)\n", version, commit)
		return 0
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
			return 1
		}
	} else {
		// A .env in the working directory is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	log.SetDefault(logger)

	logger.Info("whitelistd starting",
		"version", version,
		"listen", cfg.ListenAddr,
		"bucket", cfg.S3BucketName,
		"roots_table", cfg.RootsTableName,
		"proofs_table", cfg.ProofsTableName,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS configuration", "err", err)
		return 1
	}

	objects, err := s3store.New(s3.NewFromConfig(awsCfg), cfg.S3BucketName, logger)
	if err != nil {
		logger.Error("failed to create object store", "err", err)
		return 1
	}
	client := ddb.NewClient(dynamodb.NewFromConfig(awsCfg), logger)
	roots := ddb.NewRootsTable(client, cfg.RootsTableName)
	proofs := ddb.NewProofsTable(client, cfg.ProofsTableName)

	svc := service.New(objects, roots, proofs, logger, service.WithStepTimeout(cfg.StepTimeout))
	api := httpapi.NewServer(svc, cfg.AuthorizedGroups, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.CompressHandler(api.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case err := <-errCh:
		logger.Error("http server failed", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
