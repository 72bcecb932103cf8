package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// ImageConfig is the part of an image configuration the layer map needs.
type ImageConfig struct {
	RootFS *RootFS `json:"rootfs"`
}

// RootFS lists the uncompressed content hashes of an image's layers, in the
// same order as the manifest's Layers.
type RootFS struct {
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// LayerEntry is one deduplicated layer: a content hash and every archive
// path in the bundle that holds that content.
type LayerEntry struct {
	// ID is the diff id with its algorithm separator made path safe,
	// e.g. "sha256_<hex>".
	ID     string
	DiffID digest.Digest
	Paths  []string
}

// LayerMap is every layer entry seen across the bundle's images, in first
// seen order.
type LayerMap []LayerEntry

// LayerID converts a diff id to its path safe form.
func LayerID(d digest.Digest) string {
	return d.Algorithm().String() + "_" + d.Encoded()
}

// TotalPaths returns the number of archive paths across all entries.
func (lm LayerMap) TotalPaths() int {
	n := 0
	for _, e := range lm {
		n += len(e.Paths)
	}
	return n
}

// LoadConfig reads and validates the image config at the relative path rel.
func LoadConfig(dir, rel string) (*ImageConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to read image config %s: %w", rel, err)
	}

	var cfg ImageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: image config %s: %v", ErrMalformed, rel, err)
	}
	if cfg.RootFS == nil || cfg.RootFS.DiffIDs == nil {
		return nil, fmt.Errorf("%w: image config %s has no rootfs.diff_ids", ErrMalformed, rel)
	}
	for i, d := range cfg.RootFS.DiffIDs {
		// the encoded part only needs to be path safe, not a full length hash
		if !digest.DigestRegexpAnchored.MatchString(string(d)) {
			return nil, fmt.Errorf("%w: image config %s diff id %d: invalid digest %q", ErrMalformed, rel, i, d)
		}
	}
	return &cfg, nil
}

// LoadLayerMap builds the layer map of the bundle unpacked in dir. Image
// configs are read with at most concurrency reads in flight.
func LoadLayerMap(ctx context.Context, dir string, concurrency int) (LayerMap, error) {
	manifests, err := Load(dir)
	if err != nil {
		return nil, err
	}

	configs := make([]*ImageConfig, len(manifests))
	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, m := range manifests {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cfg, err := LoadConfig(dir, m.Config)
			if err != nil {
				return err
			}
			configs[i] = cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return buildLayerMap(manifests, configs)
}

func buildLayerMap(manifests []Manifest, configs []*ImageConfig) (LayerMap, error) {
	var (
		lm    LayerMap
		byID  = make(map[string]int)
		owner = make(map[string]string)
	)

	for i, m := range manifests {
		diffIDs := configs[i].RootFS.DiffIDs
		if len(diffIDs) != len(m.Layers) {
			return nil, fmt.Errorf("%w: image %s has %d layers but %d diff ids",
				ErrMalformed, m.Config, len(m.Layers), len(diffIDs))
		}

		for j, d := range diffIDs {
			id := LayerID(d)
			p := m.Layers[j]

			// a path shared by several images is recorded once
			if prev, ok := owner[p]; ok {
				if prev != id {
					return nil, fmt.Errorf("%w: layer path %s holds both %s and %s", ErrMalformed, p, prev, id)
				}
				continue
			}
			owner[p] = id

			idx, ok := byID[id]
			if !ok {
				idx = len(lm)
				byID[id] = idx
				lm = append(lm, LayerEntry{ID: id, DiffID: d})
			}
			lm[idx].Paths = append(lm[idx].Paths, p)
		}
	}
	return lm, nil
}
