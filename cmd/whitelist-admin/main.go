// Command whitelist-admin is the operator tool for whitelist Merkle trees.
//
// Usage:
//
//	whitelist-admin [flags] <command> [args]
//
// Commands:
//
//	status <name>      Print the roots-table row for a whitelist
//	force-fail <name>  Move a row stuck in CREATING or DELETING to FAILED
//	list               List all roots-table rows
//
// A row gets stuck when the service crashes between the phase transition
// and its compensating write. force-fail makes the row eligible for a
// regular delete again.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"github.com/qiao-yifan/merklytic-whitelist/config"
	"github.com/qiao-yifan/merklytic-whitelist/log"
	"github.com/qiao-yifan/merklytic-whitelist/service"
	"github.com/qiao-yifan/merklytic-whitelist/storage/ddb"
	"github.com/qiao-yifan/merklytic-whitelist/storage/s3store"
)

var version = "v0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("whitelist-admin", flag.ContinueOnError)
	envFile := fs.String("env-file", "", "optional .env file loaded before reading the environment")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("whitelist-admin %s\n", version)
		return 0
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: whitelist-admin [flags] <status|force-fail|list> [args]")
		return 2
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
			return 1
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := log.New(log.ParseLevel("warn"))

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	objects, err := s3store.New(s3.NewFromConfig(awsCfg), cfg.S3BucketName, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	client := ddb.NewClient(dynamodb.NewFromConfig(awsCfg), logger)
	roots := ddb.NewRootsTable(client, cfg.RootsTableName)
	proofs := ddb.NewProofsTable(client, cfg.ProofsTableName)
	svc := service.New(objects, roots, proofs, logger, service.WithStepTimeout(cfg.StepTimeout))

	switch cmd := rest[0]; cmd {
	case "status":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: whitelist-admin status <name>")
			return 2
		}
		rec, err := svc.GetMerkleRoot(ctx, rest[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(rec)
		return 0

	case "force-fail":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: whitelist-admin force-fail <name>")
			return 2
		}
		if err := svc.ForceFail(ctx, rest[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s marked FAILED\n", rest[1])
		return 0

	case "list":
		token := ""
		for {
			recs, next, err := svc.GetMerkleRoots(ctx, 100, token)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			for _, rec := range recs {
				fmt.Printf("%-40s %-10s %s\n", rec.WhitelistName, rec.WhitelistStatus, rec.MerkleRoot)
			}
			if next == "" {
				return 0
			}
			token = next
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		return 2
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
