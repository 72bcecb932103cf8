// Package layercache stores docker images in a keyed cache one layer at a
// time, so a later run only transfers the layers that changed.
//
// A store exports the images into an unpacked `docker save` directory, moves
// every distinct layer archive out of it, stores the remaining metadata-only
// tree under a root key and then each layer under its own key. A restore
// runs the same steps backwards and loads the result into docker.
package layercache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/vinimdocarmo/layercache/internal/cachekey"
	"github.com/vinimdocarmo/layercache/internal/manifest"
	"github.com/vinimdocarmo/layercache/internal/storage"
	"github.com/vinimdocarmo/layercache/internal/workpool"
)

// ErrLayerNotFound is returned by a single layer restore when the cache has
// no entry for it. Restore turns it into a miss.
var ErrLayerNotFound = errors.New("layer cache not found")

const (
	unpackedDirName = "image"
	layerFileName   = "layer.tar"
)

// Cache is the keyed blob cache. Save fails with storage.ErrKeyExists when the
// key is taken; Restore fails with storage.ErrNotFound when nothing matches
// and otherwise returns the key the data was saved under.
type Cache interface {
	Save(ctx context.Context, paths []string, key string) (int64, error)
	Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (string, error)
}

// Engine exports and imports images.
type Engine interface {
	Save(ctx context.Context, refs []string, dir string) error
	Load(ctx context.Context, dir string) error
	History(ctx context.Context, ref string) ([]string, error)
}

type LayerCache struct {
	ids       []string
	cache     Cache
	engine    Engine
	pool      *workpool.Pool
	perLayer  bool
	imagesDir string
	log       *log.Logger
}

type Option func(*LayerCache)

// WithConcurrency caps concurrent layer transfers and config reads.
func WithConcurrency(n int) Option {
	return func(lc *LayerCache) {
		lc.pool = workpool.New(n)
	}
}

// WithPerLayer toggles storing layers separately from the root bundle. When
// off, the whole export is a single cache entry.
func WithPerLayer(enabled bool) Option {
	return func(lc *LayerCache) {
		lc.perLayer = enabled
	}
}

// WithImagesDir sets the working directory root.
func WithImagesDir(dir string) Option {
	return func(lc *LayerCache) {
		if dir != "" {
			lc.imagesDir = dir
		}
	}
}

// DefaultImagesDir is ".layercache" next to the running executable.
func DefaultImagesDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), ".layercache"), nil
}

// New creates a LayerCache for the images ids. ids are only used by Store.
func New(ids []string, cache Cache, engine Engine, logger *log.Logger, opts ...Option) (*LayerCache, error) {
	lcLog := logger.With()
	lcLog.SetPrefix("🗂️ layercache")

	lc := &LayerCache{
		ids:      ids,
		cache:    cache,
		engine:   engine,
		pool:     workpool.New(workpool.DefaultConcurrency),
		perLayer: true,
		log:      lcLog,
	}
	for _, opt := range opts {
		opt(lc)
	}

	if lc.imagesDir == "" {
		dir, err := DefaultImagesDir()
		if err != nil {
			return nil, err
		}
		lc.imagesDir = dir
	}
	return lc, nil
}

// ImagesDir is the working directory root removed by CleanUp.
func (lc *LayerCache) ImagesDir() string {
	return lc.imagesDir
}

// UnpackedDir holds the unpacked `docker save` output.
func (lc *LayerCache) UnpackedDir() string {
	return filepath.Join(lc.imagesDir, unpackedDirName)
}

// LayersDir holds one <id>/layer.tar per distinct layer while they are
// separated from the unpacked tree.
func (lc *LayerCache) LayersDir() string {
	return lc.UnpackedDir() + "-layers"
}

func (lc *LayerCache) layerPath(id string) string {
	return filepath.Join(lc.LayersDir(), id, layerFileName)
}

// Store exports the configured images and stores them under keys derived
// from template, which must contain a single {hash} placeholder. It returns
// false when the root key already existed and nothing was stored.
func (lc *LayerCache) Store(ctx context.Context, template string) (bool, error) {
	if err := cachekey.Validate(template); err != nil {
		return false, err
	}
	if err := lc.resetWorkDirs(); err != nil {
		return false, err
	}

	if err := lc.export(ctx); err != nil {
		return false, err
	}
	lc.debugListing(lc.UnpackedDir())

	layers, err := manifest.LoadLayerMap(ctx, lc.UnpackedDir(), lc.pool.Limit())
	if err != nil {
		return false, err
	}
	lc.log.Info("Mapped layers", "layers", len(layers), "paths", layers.TotalPaths())

	if lc.perLayer {
		if err := lc.separateLayers(layers); err != nil {
			return false, err
		}
		lc.debugListing(lc.UnpackedDir())
	}

	stored, err := lc.storeRoot(ctx, template)
	if err != nil || !stored {
		return false, err
	}

	if lc.perLayer {
		if err := lc.storeLayers(ctx, template, layers); err != nil {
			return false, err
		}
	}
	return true, nil
}

// export saves every configured image plus the images in its build history,
// so intermediate layers shared with other images are included.
func (lc *LayerCache) export(ctx context.Context) error {
	histories := make([][]string, len(lc.ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lc.pool.Limit())
	for i, id := range lc.ids {
		g.Go(func() error {
			ids, err := lc.engine.History(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to read history of %s: %w", id, err)
			}
			histories[i] = append([]string{id}, ids...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	var refs []string
	for _, ids := range histories {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			refs = append(refs, id)
		}
	}

	lc.log.Info("Saving images", "images", lc.ids, "refs", len(refs))
	if err := lc.engine.Save(ctx, refs, lc.UnpackedDir()); err != nil {
		return fmt.Errorf("failed to export images: %w", err)
	}
	return nil
}

func (lc *LayerCache) storeRoot(ctx context.Context, template string) (bool, error) {
	hash, err := manifest.Hash(lc.UnpackedDir())
	if err != nil {
		return false, err
	}
	rootKey, err := cachekey.RootKey(template, hash)
	if err != nil {
		return false, err
	}

	lc.log.Info("Storing root cache", "key", rootKey, "dir", lc.UnpackedDir())
	id, err := lc.cache.Save(ctx, []string{lc.UnpackedDir()}, rootKey)
	if errors.Is(err, storage.ErrKeyExists) {
		// Layers of an existing root are assumed complete. An earlier run that
		// died between the root and its layers leaves this entry short.
		lc.log.Warn("Root cache key already exists, skipping layers", "key", rootKey)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store root cache %s: %w", rootKey, err)
	}

	lc.log.Info("Stored root cache", "key", rootKey, "id", id)
	return true, nil
}

func (lc *LayerCache) storeLayers(ctx context.Context, template string, layers manifest.LayerMap) error {
	gate, cancel := context.WithCancel(ctx)
	defer cancel()

	futures := make([]*workpool.Future[int64], len(layers))
	for i, layer := range layers {
		futures[i] = workpool.Submit(gate, lc.pool, func() (int64, error) {
			id, err := lc.storeLayer(ctx, template, layer)
			if err != nil {
				cancel()
			}
			return id, err
		})
	}

	for _, res := range workpool.WaitAll(futures) {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

func (lc *LayerCache) storeLayer(ctx context.Context, template string, layer manifest.LayerEntry) (int64, error) {
	key, err := cachekey.LayerKey(template, layer.ID)
	if err != nil {
		return 0, err
	}

	lc.log.Info("Storing layer cache", "layerID", layer.ID, "key", key)
	id, err := lc.cache.Save(ctx, []string{lc.layerPath(layer.ID)}, key)
	if errors.Is(err, storage.ErrKeyExists) {
		lc.log.Info("Layer cache already exists", "layerID", layer.ID, "key", key)
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store layer %s under %s: %w", layer.ID, key, err)
	}
	return id, nil
}

// Restore fetches the root bundle matching primaryKey or one of restoreKeys,
// then every layer it references, and loads the result into the engine.
// It returns the key that matched. ok is false when the root or any layer is
// missing; nothing is loaded in that case.
//
// primaryKey is usually the key template itself, which never equals a stored
// root key, so the match comes from the restoreKeys prefixes. Keys in the
// layer namespace are never used for the root lookup.
func (lc *LayerCache) Restore(ctx context.Context, primaryKey string, restoreKeys []string) (key string, ok bool, err error) {
	if cachekey.IsLayerKey(primaryKey) {
		return "", false, fmt.Errorf("%w: root key %q is in the layer namespace", cachekey.ErrInvalidTemplate, primaryKey)
	}
	rootKeys := make([]string, 0, len(restoreKeys))
	for _, k := range restoreKeys {
		if cachekey.IsLayerKey(k) {
			lc.log.Warn("Ignoring restore key in the layer namespace", "restoreKey", k)
			continue
		}
		rootKeys = append(rootKeys, k)
	}
	restoreKeys = rootKeys

	if err := lc.resetWorkDirs(); err != nil {
		return "", false, err
	}

	lc.log.Debug("Restoring root cache", "key", primaryKey, "restoreKeys", restoreKeys, "dir", lc.UnpackedDir())
	matched, err := lc.cache.Restore(ctx, []string{lc.UnpackedDir()}, primaryKey, restoreKeys)
	if errors.Is(err, storage.ErrNotFound) {
		lc.log.Info("Root cache could not be found", "key", primaryKey)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to restore root cache: %w", err)
	}
	lc.log.Info("Restored root cache", "key", matched)
	lc.debugListing(lc.UnpackedDir())

	if lc.perLayer {
		layers, err := manifest.LoadLayerMap(ctx, lc.UnpackedDir(), lc.pool.Limit())
		if err != nil {
			return "", false, err
		}

		found, err := lc.restoreLayers(ctx, matched, layers)
		if err != nil {
			return "", false, err
		}
		if !found {
			lc.log.Info("Some layer cache could not be found", "key", matched)
			if err := lc.resetWorkDirs(); err != nil {
				return "", false, err
			}
			return "", false, nil
		}

		if err := lc.joinLayers(layers); err != nil {
			return "", false, err
		}
		lc.debugListing(lc.UnpackedDir())
	}

	if err := lc.engine.Load(ctx, lc.UnpackedDir()); err != nil {
		return "", false, fmt.Errorf("failed to import images: %w", err)
	}
	return matched, true, nil
}

// restoreLayers restores every layer with keys derived from the root key that
// actually matched. The first failure stops queued layers from starting;
// layers already in flight run to completion and their results are dropped.
// A missing layer reports found=false, any other failure is returned.
func (lc *LayerCache) restoreLayers(ctx context.Context, matchedRootKey string, layers manifest.LayerMap) (found bool, err error) {
	hash, err := manifest.Hash(lc.UnpackedDir())
	if err != nil {
		return false, err
	}
	template, err := cachekey.RecoverTemplate(matchedRootKey, hash)
	if err != nil {
		return false, err
	}

	gate, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)
	futures := make([]*workpool.Future[string], len(layers))
	for i, layer := range layers {
		futures[i] = workpool.Submit(gate, lc.pool, func() (string, error) {
			key, err := lc.restoreLayer(ctx, template, layer)
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
			return key, err
		})
	}
	results := workpool.WaitAll(futures)

	if firstErr != nil {
		if errors.Is(firstErr, ErrLayerNotFound) {
			lc.log.Info(firstErr.Error())
			return false, nil
		}
		return false, firstErr
	}
	// only the caller's context can leave a task unstarted without a failure
	for _, res := range results {
		if res.Err != nil {
			return false, res.Err
		}
	}
	return true, nil
}

func (lc *LayerCache) restoreLayer(ctx context.Context, template string, layer manifest.LayerEntry) (string, error) {
	key, err := cachekey.LayerKey(template, layer.ID)
	if err != nil {
		return "", err
	}
	path := lc.layerPath(layer.ID)
	lc.log.Debug("Restoring layer cache", "layerID", layer.ID, "key", key, "path", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	matched, err := lc.cache.Restore(ctx, []string{path}, key, nil)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: layer %s, key %s", ErrLayerNotFound, layer.ID, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to restore layer %s from %s: %w", layer.ID, key, err)
	}
	return matched, nil
}

// CleanUp removes the whole working directory. It is safe to call twice.
func (lc *LayerCache) CleanUp() error {
	if err := os.RemoveAll(lc.imagesDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", lc.imagesDir, err)
	}
	return nil
}

func (lc *LayerCache) resetWorkDirs() error {
	for _, dir := range []string{lc.UnpackedDir(), lc.LayersDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to reset %s: %w", dir, err)
		}
	}
	return os.MkdirAll(lc.imagesDir, 0755)
}
