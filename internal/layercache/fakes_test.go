package layercache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/vinimdocarmo/layercache/internal/archive"
	"github.com/vinimdocarmo/layercache/internal/layercachetest"
	"github.com/vinimdocarmo/layercache/internal/storage"
)

// fakeCache keeps archived entries in memory with the same exact-then-prefix
// lookup as storage.Manager.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	order       []string
	saveCalls   []string
	failSave    map[string]error
	failRestore map[string]error
	// onRestore runs before each lookup, outside the lock
	onRestore func(key string) error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:     make(map[string][]byte),
		failSave:    make(map[string]error),
		failRestore: make(map[string]error),
	}
}

func (c *fakeCache) Save(ctx context.Context, paths []string, key string) (int64, error) {
	c.mu.Lock()
	c.saveCalls = append(c.saveCalls, key)
	if err := c.failSave[key]; err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return 0, storage.ErrKeyExists
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := archive.Pack(&buf, paths); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = buf.Bytes()
	c.order = append(c.order, key)
	return int64(len(c.order)), nil
}

func (c *fakeCache) Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (string, error) {
	if c.onRestore != nil {
		if err := c.onRestore(primaryKey); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	if err := c.failRestore[primaryKey]; err != nil {
		c.mu.Unlock()
		return "", err
	}
	key, data, ok := c.lookup(primaryKey, restoreKeys)
	c.mu.Unlock()
	if !ok {
		return "", storage.ErrNotFound
	}

	if err := archive.Unpack(bytes.NewReader(data), paths); err != nil {
		return "", err
	}
	return key, nil
}

func (c *fakeCache) lookup(primaryKey string, restoreKeys []string) (string, []byte, bool) {
	if data, ok := c.entries[primaryKey]; ok {
		return primaryKey, data, true
	}
	for _, prefix := range restoreKeys {
		if prefix == "" {
			continue
		}
		for i := len(c.order) - 1; i >= 0; i-- {
			key := c.order[i]
			if _, ok := c.entries[key]; ok && strings.HasPrefix(key, prefix) {
				return key, c.entries[key], true
			}
		}
	}
	return "", nil, false
}

func (c *fakeCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *fakeCache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for _, k := range c.order {
		if _, ok := c.entries[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// fakeEngine "exports" a fixed bundle and records what gets loaded.
type fakeEngine struct {
	t         *testing.T
	images    []layercachetest.Image
	history   map[string][]string
	afterSave func(dir string)

	savedRefs []string
	loads     int
	loaded    map[string]string
}

func (e *fakeEngine) Save(ctx context.Context, refs []string, dir string) error {
	e.savedRefs = refs
	layercachetest.WriteBundle(e.t, dir, e.images...)
	if e.afterSave != nil {
		e.afterSave(dir)
	}
	return nil
}

func (e *fakeEngine) Load(ctx context.Context, dir string) error {
	e.loads++
	e.loaded = layercachetest.ReadTree(e.t, dir)
	return nil
}

func (e *fakeEngine) History(ctx context.Context, ref string) ([]string, error) {
	return e.history[ref], nil
}
