package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	_ "github.com/lib/pq"

	"github.com/vinimdocarmo/layercache/internal/cachekey"
	"github.com/vinimdocarmo/layercache/internal/config"
	"github.com/vinimdocarmo/layercache/internal/docker"
	"github.com/vinimdocarmo/layercache/internal/imagedetect"
	"github.com/vinimdocarmo/layercache/internal/layercache"
	"github.com/vinimdocarmo/layercache/internal/logger"
	"github.com/vinimdocarmo/layercache/internal/storage"
	objectstore "github.com/vinimdocarmo/layercache/internal/storage/object"
)

func main() {
	log := logger.New(os.Stderr)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	// Remove the subcommand from os.Args to make flag parsing work correctly
	os.Args = slices.Delete(os.Args, 1, 2)

	switch command {
	case "restore":
		executeRestoreCommand(log)
	case "save":
		executeSaveCommand(log)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: layercache <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  restore    - Restore cached images and record which images existed before")
	fmt.Println("  save       - Store the images created since restore")
	fmt.Println("")
	fmt.Println("For detailed command usage:")
	fmt.Println("  layercache restore -h")
	fmt.Println("  layercache save -h")
	fmt.Println("")
	fmt.Println("-key is a template with one {hash} placeholder. Restore matches root entries")
	fmt.Println("by the -restore-keys prefixes, by default the template up to {hash}.")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  layercache restore -key 'ci-{hash}' -restore-keys 'ci-'")
	fmt.Println("  layercache save -key 'ci-{hash}'")
}

// env bundles everything a subcommand needs to talk to docker and the cache.
type env struct {
	cfg      *config.Config
	sm       *storage.Manager
	docker   *docker.Client
	detector *imagedetect.Detector
}

func setup(ctx context.Context, log *log.Logger, configPath string) *env {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("Failed to load configuration", "error", err)
	}
	logger.SetLevel(log, cfg.LogLevel)

	db := newDB(log, cfg)

	s3Client, err := cfg.S3Client(ctx)
	if err != nil {
		log.Fatal("Failed to configure S3", "error", err)
	}
	objectStore := objectstore.NewS3(s3Client, cfg.S3.Bucket)
	if err := objectStore.EnsureBucket(ctx); err != nil {
		log.Fatal("Failed to prepare bucket", "bucket", cfg.S3.Bucket, "error", err)
	}

	sm := storage.NewManager(db, objectStore, log)
	if err := sm.Migrate(ctx); err != nil {
		log.Fatal("Failed to prepare key index", "error", err)
	}

	dockerClient := docker.New(log, docker.WithBinary(cfg.DockerBin))
	return &env{
		cfg:      cfg,
		sm:       sm,
		docker:   dockerClient,
		detector: imagedetect.New(dockerClient, log),
	}
}

func (e *env) layerCache(log *log.Logger, ids []string, concurrency int, perLayer bool) *layercache.LayerCache {
	lc, err := layercache.New(ids, e.sm, e.docker, log,
		layercache.WithConcurrency(concurrency),
		layercache.WithPerLayer(perLayer),
		layercache.WithImagesDir(e.cfg.Dir),
	)
	if err != nil {
		log.Fatal("Failed to create layer cache", "error", err)
	}
	return lc
}

func executeRestoreCommand(log *log.Logger) {
	restoreCmd := flag.NewFlagSet("restore", flag.ExitOnError)
	key := restoreCmd.String("key", "", "Key template with a single {hash} placeholder")
	restoreKeysFlag := restoreCmd.String("restore-keys", "", "Comma separated root key prefixes to match (default: the key up to {hash}); must not start with layer-")
	configPath := restoreCmd.String("config", "", "Optional YAML configuration file")
	concurrency := restoreCmd.Int("concurrency", 0, "Number of layers restored at once (default from config)")
	perLayer := restoreCmd.Bool("per-layer", true, "Restore layers stored separately from the root bundle")
	statePath := restoreCmd.String("state", defaultStatePath(), "Where to record the restore outcome for save")

	restoreCmd.Parse(os.Args[1:])

	if *key == "" {
		log.Error("Missing required flag: -key")
		fmt.Println("Usage: layercache restore -key <template> [-restore-keys <a,b>] [-concurrency <n>] [-state <file>]")
		os.Exit(1)
	}
	if err := cachekey.Validate(*key); err != nil {
		log.Fatal("Invalid key", "key", *key, "error", err)
	}

	ctx := context.Background()
	e := setup(ctx, log, *configPath)
	defer e.sm.Close()

	alreadyExisting, err := e.detector.ExistingImages(ctx)
	if err != nil {
		log.Fatal("Failed to list existing images", "error", err)
	}
	// written before restoring so a later save still works after a failed restore
	st := state{AlreadyExistingImages: alreadyExisting, RestoredImages: []string{}}
	if err := writeState(*statePath, st); err != nil {
		log.Fatal("Failed to write state", "path", *statePath, "error", err)
	}

	n := *concurrency
	if n == 0 {
		n = e.cfg.Concurrency
	}
	lc := e.layerCache(log, nil, n, *perLayer && e.cfg.PerLayer)
	defer func() {
		if err := lc.CleanUp(); err != nil {
			log.Error("Failed to clean up", "error", err)
		}
	}()

	restoreKeys := parseRestoreKeys(*key, *restoreKeysFlag)
	restoredKey, ok, err := lc.Restore(ctx, *key, restoreKeys)
	if err != nil {
		log.Fatal("Failed to restore", "key", *key, "error", err)
	}
	if !ok {
		log.Info("Could not restore images from cache", "key", *key, "restoreKeys", restoreKeys)
		return
	}

	restored, err := e.detector.ImagesToSave(ctx, alreadyExisting)
	if err != nil {
		log.Fatal("Failed to list restored images", "error", err)
	}
	st.RestoredKey = restoredKey
	st.RestoredImages = restored
	if err := writeState(*statePath, st); err != nil {
		log.Fatal("Failed to write state", "path", *statePath, "error", err)
	}

	log.Info("Restored images", "key", restoredKey, "images", restored)
	fmt.Println(restoredKey)
}

func executeSaveCommand(log *log.Logger) {
	saveCmd := flag.NewFlagSet("save", flag.ExitOnError)
	key := saveCmd.String("key", "", "Key template with a single {hash} placeholder")
	configPath := saveCmd.String("config", "", "Optional YAML configuration file")
	concurrency := saveCmd.Int("concurrency", 0, "Number of layers stored at once (default from config)")
	perLayer := saveCmd.Bool("per-layer", true, "Store layers separately from the root bundle")
	statePath := saveCmd.String("state", defaultStatePath(), "State file written by restore")
	skipSave := saveCmd.Bool("skip-save", false, "Do nothing")

	saveCmd.Parse(os.Args[1:])

	if *skipSave {
		log.Info("Skipping save")
		return
	}
	if *key == "" {
		log.Error("Missing required flag: -key")
		fmt.Println("Usage: layercache save -key <template> [-state <file>] [-concurrency <n>]")
		os.Exit(1)
	}

	st, err := readState(*statePath)
	if err != nil {
		log.Fatal("Failed to read state, run restore first", "path", *statePath, "error", err)
	}

	ctx := context.Background()
	e := setup(ctx, log, *configPath)
	defer e.sm.Close()

	newImages, err := e.detector.ImagesToSave(ctx, append(slices.Clone(st.AlreadyExistingImages), st.RestoredImages...))
	if err != nil {
		log.Fatal("Failed to list images", "error", err)
	}
	if len(newImages) == 0 {
		log.Info("There is no image to save")
		return
	}

	imagesToSave, err := e.detector.ImagesToSave(ctx, st.AlreadyExistingImages)
	if err != nil {
		log.Fatal("Failed to list images", "error", err)
	}
	log.Info("Saving images", "images", imagesToSave)

	n := *concurrency
	if n == 0 {
		n = e.cfg.Concurrency
	}
	lc := e.layerCache(log, imagesToSave, n, *perLayer && e.cfg.PerLayer)

	stored, err := lc.Store(ctx, *key)
	if cleanErr := lc.CleanUp(); cleanErr != nil {
		log.Error("Failed to clean up", "error", cleanErr)
	}
	if err != nil {
		log.Fatal("Failed to store images", "key", *key, "error", err)
	}
	if !stored {
		log.Info("Cache key already exists, nothing stored", "key", *key)
		return
	}
	log.Info("Stored images", "key", *key, "images", len(imagesToSave))
}

// parseRestoreKeys splits the comma separated flag. Without any, the key
// template up to its placeholder is used so that an older bundle of the same
// family can still match.
func parseRestoreKeys(template, flagValue string) []string {
	var keys []string
	for _, k := range strings.Split(flagValue, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}

	prefix, _, found := strings.Cut(template, cachekey.Placeholder)
	if !found || prefix == "" {
		return nil
	}
	return []string{prefix}
}

// newDB creates a new database connection
func newDB(log *log.Logger, cfg *config.Config) *sql.DB {
	log.Debug("Using postgres", "host", cfg.Postgres.Host, "port", cfg.Postgres.Port, "user", cfg.Postgres.User, "dbname", cfg.Postgres.DB)

	db, err := sql.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		log.Fatal("Failed to create database connection", "error", err)
	}

	// Test the connection
	err = db.Ping()
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}

	log.Info("Connected to PostgreSQL database")
	return db
}
