// Package storage implements the keyed cache service the layer cache
// stores bundles in: a PostgreSQL key index in front of an object store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/vinimdocarmo/layercache/internal/archive"
	"github.com/vinimdocarmo/layercache/internal/storage/metadata"
	objectstore "github.com/vinimdocarmo/layercache/internal/storage/object"
)

var (
	// ErrKeyExists is returned by Save when the exact key is already taken.
	ErrKeyExists = metadata.ErrKeyExists
	// ErrNotFound is returned by Restore when no key matched.
	ErrNotFound = metadata.ErrNotFound
)

// ObjectStore holds the archived entries.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, key string) error
}

// Manager saves and restores sets of paths under string keys.
type Manager struct {
	db      *sql.DB
	meta    *metadata.MetadataStore
	objects ObjectStore
	log     *log.Logger
	tmpDir  string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTempDir sets where archives are staged before upload.
func WithTempDir(dir string) ManagerOption {
	return func(sm *Manager) {
		sm.tmpDir = dir
	}
}

// NewManager creates a Manager backed by db for the key index and objects
// for the archived data.
func NewManager(db *sql.DB, objects ObjectStore, log *log.Logger, opts ...ManagerOption) *Manager {
	managerLog := log.With()
	managerLog.SetPrefix("💽 storage")

	sm := &Manager{
		db:      db,
		meta:    metadata.NewMetadataStore(db),
		objects: objects,
		log:     managerLog,
	}
	for _, opt := range opts {
		opt(sm)
	}

	sm.log.Debug("Storage manager initialization complete")
	return sm
}

// Migrate prepares the key index schema.
func (sm *Manager) Migrate(ctx context.Context) error {
	return sm.meta.Migrate(ctx)
}

// Save archives paths and stores them under key. It returns the new entry id,
// or an error wrapping ErrKeyExists if key is already taken.
func (sm *Manager) Save(ctx context.Context, paths []string, key string) (int64, error) {
	objectKey := "entries/" + uuid.New().String() + ".tar.zst"

	id, err := sm.meta.ReserveKey(ctx, key, objectKey)
	if err != nil {
		if errors.Is(err, metadata.ErrKeyExists) {
			sm.log.Info("Unable to reserve cache with key, another entry holds it", "key", key)
		}
		return 0, err
	}

	size, err := sm.upload(ctx, paths, key, objectKey)
	if err == nil {
		err = sm.meta.CommitEntry(ctx, id, objectKey, size)
		if err != nil {
			err = fmt.Errorf("failed to commit entry for key %s: %w", key, err)
		}
	}
	if err != nil {
		if rerr := sm.meta.ReleaseReservation(context.WithoutCancel(ctx), id, objectKey); rerr != nil {
			sm.log.Error("Failed to release reservation", "key", key, "id", id, "error", rerr)
		}
		return 0, err
	}

	sm.log.Info("Stored cache entry", "key", key, "id", id, "size", humanize.Bytes(uint64(size)))
	return id, nil
}

// upload archives paths into a staging file and puts it under objectKey.
func (sm *Manager) upload(ctx context.Context, paths []string, key, objectKey string) (int64, error) {
	f, err := os.CreateTemp(sm.tmpDir, "layercache-*.tar.zst")
	if err != nil {
		return 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := archive.Pack(f, paths); err != nil {
		return 0, fmt.Errorf("failed to archive %v for key %s: %w", paths, key, err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	if err := sm.objects.PutObject(ctx, objectKey, f, size); err != nil {
		return 0, fmt.Errorf("failed to upload entry for key %s: %w", key, err)
	}
	return size, nil
}

// Restore extracts the entry matching primaryKey exactly or, failing that,
// the newest entry whose key starts with one of restoreKeys, tried in order.
// It returns the key the entry was saved under.
func (sm *Manager) Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (string, error) {
	entry, err := sm.lookup(ctx, primaryKey, restoreKeys)
	if err != nil {
		return "", err
	}

	body, err := sm.objects.GetObject(ctx, entry.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			sm.log.Warn("Cache entry has no data, treating as a miss", "key", entry.Key, "object", entry.ObjectKey)
			return "", fmt.Errorf("%w: data for key %s is gone", ErrNotFound, entry.Key)
		}
		return "", fmt.Errorf("failed to download entry for key %s: %w", entry.Key, err)
	}
	defer body.Close()

	if err := archive.Unpack(body, paths); err != nil {
		return "", fmt.Errorf("failed to extract entry for key %s: %w", entry.Key, err)
	}

	sm.log.Info("Restored cache entry", "key", entry.Key, "requested", primaryKey, "size", humanize.Bytes(uint64(entry.Size)))
	return entry.Key, nil
}

func (sm *Manager) lookup(ctx context.Context, primaryKey string, restoreKeys []string) (*metadata.Entry, error) {
	entry, err := sm.meta.FindExact(ctx, primaryKey)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up key %s: %w", primaryKey, err)
	}

	for _, prefix := range restoreKeys {
		if prefix == "" {
			continue
		}
		entry, err := sm.meta.FindByPrefix(ctx, prefix)
		if err == nil {
			sm.log.Debug("Matched restore key", "prefix", prefix, "key", entry.Key)
			return entry, nil
		}
		if !errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up restore key %s: %w", prefix, err)
		}
	}

	return nil, fmt.Errorf("%w: no entry for key %s or restore keys %v", ErrNotFound, primaryKey, restoreKeys)
}

// List returns the entries whose key starts with prefix, newest first.
func (sm *Manager) List(ctx context.Context, prefix string) ([]metadata.Entry, error) {
	return sm.meta.ListEntries(ctx, prefix)
}

// Delete removes the entry stored under key together with its data.
func (sm *Manager) Delete(ctx context.Context, key string) (err error) {
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	entry, err := sm.meta.DeleteEntry(ctx, key, metadata.WithTx(tx))
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	if err = sm.objects.DeleteObject(ctx, entry.ObjectKey); err != nil {
		return err
	}

	sm.log.Info("Deleted cache entry", "key", key, "object", entry.ObjectKey)
	return nil
}

func (sm *Manager) Close() error {
	sm.log.Debug("Closing storage manager")
	return sm.db.Close()
}
