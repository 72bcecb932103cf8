// Package cachekey derives the cache keys used for root bundles and
// individual layers from a user supplied key template.
//
// A template carries exactly one {hash} placeholder, for example
// "docker-layer-caching-{hash}". Root keys substitute the manifest hash and
// append "-root"; layer keys substitute the layer id and are prefixed with
// "layer-".
package cachekey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// Placeholder is the only token a key template may contain.
	Placeholder = "{hash}"

	rootSuffix  = "-root"
	layerPrefix = "layer-"
)

var (
	// ErrInvalidTemplate is returned when a template does not contain exactly
	// one placeholder or contains tokens other than the placeholder.
	ErrInvalidTemplate = errors.New("invalid key template")
	// ErrTemplateRecovery is returned when a matched root key was not produced
	// by this key scheme for the given manifest hash.
	ErrTemplateRecovery = errors.New("failed to recover key template")
)

var tokenRe = regexp.MustCompile(`\{[^{}]*\}`)

// Format substitutes hash for the placeholder in template.
func Format(template, hash string) (string, error) {
	if IsLayerKey(template) {
		return "", fmt.Errorf("%w: %q must not start with %q", ErrInvalidTemplate, template, layerPrefix)
	}
	tokens := tokenRe.FindAllString(template, -1)
	count := 0
	for _, tok := range tokens {
		if tok != Placeholder {
			return "", fmt.Errorf("%w: unresolved token %s in %q", ErrInvalidTemplate, tok, template)
		}
		count++
	}
	if count != 1 {
		return "", fmt.Errorf("%w: expected one %s placeholder in %q, found %d", ErrInvalidTemplate, Placeholder, template, count)
	}
	return strings.Replace(template, Placeholder, hash, 1), nil
}

// Validate reports whether template can be used to derive keys.
func Validate(template string) error {
	_, err := Format(template, "")
	return err
}

// IsLayerKey reports whether key lies in the namespace of layer keys. Such a
// key or prefix must never be used to look up a root bundle.
func IsLayerKey(key string) bool {
	return strings.HasPrefix(key, layerPrefix)
}

// RootKey is the key under which the metadata-only bundle is stored.
func RootKey(template, manifestHash string) (string, error) {
	formatted, err := Format(template, manifestHash)
	if err != nil {
		return "", err
	}
	return formatted + rootSuffix, nil
}

// LayerKey is the key under which a single layer archive is stored.
func LayerKey(template, layerID string) (string, error) {
	formatted, err := Format(template, layerID)
	if err != nil {
		return "", err
	}
	return layerPrefix + formatted, nil
}

// RecoverTemplate rebuilds the template that produced matchedRootKey.
//
// The cache service may satisfy a restore with a fallback key, so the
// template the caller asked with is not necessarily the one the stored
// layers were keyed with. Only the key that actually matched is.
func RecoverTemplate(matchedRootKey, manifestHash string) (string, error) {
	if manifestHash == "" {
		return "", fmt.Errorf("%w: empty manifest hash", ErrTemplateRecovery)
	}
	if !strings.Contains(matchedRootKey, manifestHash) {
		return "", fmt.Errorf("%w: hash %s not found in key %q", ErrTemplateRecovery, manifestHash, matchedRootKey)
	}
	template := strings.Replace(matchedRootKey, manifestHash, Placeholder, 1)
	template = strings.TrimSuffix(template, rootSuffix)
	if _, err := Format(template, manifestHash); err != nil {
		return "", fmt.Errorf("%w: recovered %q from key %q: %v", ErrTemplateRecovery, template, matchedRootKey, err)
	}
	return template, nil
}
