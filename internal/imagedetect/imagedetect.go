// Package imagedetect works out which local images are new since a baseline.
package imagedetect

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/vinimdocarmo/layercache/internal/docker"
)

const none = "<none>"

// Lister lists the images known to the local engine.
type Lister interface {
	Images(ctx context.Context) ([]docker.Image, error)
}

type Detector struct {
	images Lister
	log    *log.Logger
}

func New(images Lister, logger *log.Logger) *Detector {
	detectLog := logger.With()
	detectLog.SetPrefix("🔍 images")
	return &Detector{images: images, log: detectLog}
}

// ExistingImages returns one reference per local image: repo:tag when tagged,
// repo@digest when only a digest is known, the image id otherwise. The result
// has no duplicates and keeps the engine's listing order.
func (d *Detector) ExistingImages(ctx context.Context) ([]string, error) {
	images, err := d.images.Images(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	seen := make(map[string]struct{}, len(images))
	refs := make([]string, 0, len(images))
	for _, img := range images {
		ref := reference(img)
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	d.log.Debug("Existing images", "refs", refs)
	return refs, nil
}

// ImagesToSave returns the existing images that are not in alreadyRegistered.
func (d *Detector) ImagesToSave(ctx context.Context, alreadyRegistered []string) ([]string, error) {
	existing, err := d.ExistingImages(ctx)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(alreadyRegistered))
	for _, ref := range alreadyRegistered {
		skip[ref] = struct{}{}
	}

	out := []string{}
	for _, ref := range existing {
		if _, ok := skip[ref]; !ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func reference(img docker.Image) string {
	if img.Repository == "" || img.Repository == none {
		return img.ID
	}

	var ref string
	switch {
	case img.Tag != "" && img.Tag != none:
		ref = img.Repository + ":" + img.Tag
	case img.Digest != "" && img.Digest != none:
		ref = img.Repository + "@" + img.Digest
	default:
		return img.ID
	}

	// the engine sometimes reports repositories that are not valid references
	if _, err := name.ParseReference(ref, name.WeakValidation); err != nil {
		return img.ID
	}
	return ref
}
