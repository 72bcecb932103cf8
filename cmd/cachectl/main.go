package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	_ "github.com/lib/pq"

	"github.com/vinimdocarmo/layercache/internal/config"
	"github.com/vinimdocarmo/layercache/internal/logger"
	"github.com/vinimdocarmo/layercache/internal/storage"
	"github.com/vinimdocarmo/layercache/internal/storage/metadata"
	objectstore "github.com/vinimdocarmo/layercache/internal/storage/object"
)

func main() {
	log := logger.New(os.Stderr)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	os.Args = slices.Delete(os.Args, 1, 2)

	switch command {
	case "list":
		executeListCommand(log)
	case "delete":
		executeDeleteCommand(log)
	case "migrate":
		executeMigrateCommand(log)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: cachectl <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  list       - List cache entries")
	fmt.Println("  delete     - Delete a cache entry and its data")
	fmt.Println("  migrate    - Create the key index schema and the bucket")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  cachectl list -prefix layer-")
	fmt.Println("  cachectl delete -key 'ci-1a2b-root'")
}

func executeListCommand(log *log.Logger) {
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	prefix := listCmd.String("prefix", "", "Only list keys starting with this prefix")
	configPath := listCmd.String("config", "", "Optional YAML configuration file")
	listCmd.Parse(os.Args[1:])

	ctx := context.Background()
	sm := newManager(ctx, log, *configPath)
	defer sm.Close()

	entries, err := sm.List(ctx, *prefix)
	if err != nil {
		log.Fatal("Failed to list entries", "error", err)
	}
	if len(entries) == 0 {
		log.Info("No cache entries", "prefix", *prefix)
		return
	}

	fmt.Println(renderEntries(entries))
}

func renderEntries(entries []metadata.Entry) string {
	var total int64
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		total += e.Size
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.Key,
			humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.CreatedAt),
		})
	}
	rows = append(rows, []string{"", fmt.Sprintf("%d entries", len(entries)), humanize.Bytes(uint64(total)), ""})

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "KEY", "SIZE", "CREATED").
		Rows(rows...).
		String()
}

func executeDeleteCommand(log *log.Logger) {
	deleteCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	key := deleteCmd.String("key", "", "Exact key to delete")
	configPath := deleteCmd.String("config", "", "Optional YAML configuration file")
	deleteCmd.Parse(os.Args[1:])

	if *key == "" {
		log.Error("Missing required flag: -key")
		fmt.Println("Usage: cachectl delete -key <key>")
		os.Exit(1)
	}

	ctx := context.Background()
	sm := newManager(ctx, log, *configPath)
	defer sm.Close()

	if err := sm.Delete(ctx, *key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Error("No such key", "key", *key)
			os.Exit(1)
		}
		log.Fatal("Failed to delete entry", "key", *key, "error", err)
	}
}

func executeMigrateCommand(log *log.Logger) {
	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := migrateCmd.String("config", "", "Optional YAML configuration file")
	migrateCmd.Parse(os.Args[1:])

	ctx := context.Background()
	sm := newManager(ctx, log, *configPath)
	defer sm.Close()

	if err := sm.Migrate(ctx); err != nil {
		log.Fatal("Failed to migrate key index", "error", err)
	}
	log.Info("Key index is up to date")
}

// newManager connects to postgres and S3 and makes sure the bucket exists.
func newManager(ctx context.Context, log *log.Logger, configPath string) *storage.Manager {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load configuration", "error", err)
	}
	logger.SetLevel(log, cfg.LogLevel)

	log.Debug("Using postgres", "host", cfg.Postgres.Host, "port", cfg.Postgres.Port, "user", cfg.Postgres.User, "dbname", cfg.Postgres.DB)
	db, err := sql.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		log.Fatal("Failed to create database connection", "error", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	log.Debug("Using S3 settings", "endpoint", cfg.S3.Endpoint, "region", cfg.S3.Region, "bucket", cfg.S3.Bucket)
	s3Client, err := cfg.S3Client(ctx)
	if err != nil {
		log.Fatal("Failed to configure S3", "error", err)
	}
	objectStore := objectstore.NewS3(s3Client, cfg.S3.Bucket)
	if err := objectStore.EnsureBucket(ctx); err != nil {
		log.Fatal("Failed to prepare bucket", "bucket", cfg.S3.Bucket, "error", err)
	}

	return storage.NewManager(db, objectStore, log)
}
