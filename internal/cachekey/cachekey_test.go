package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	got, err := Format("os-{hash}-v1", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "os-deadbeef-v1", got)
}

func TestFormatRejectsBadTemplates(t *testing.T) {
	for _, tmpl := range []string{
		"no-placeholder",
		"{hash}-{hash}",
		"{hash}-{os}",
		"{}-{hash}",
		"layer-{hash}",
		"layer-os-{hash}-v1",
	} {
		_, err := Format(tmpl, "abc")
		assert.ErrorIs(t, err, ErrInvalidTemplate, tmpl)
	}
}

func TestLayerNamespaceIsReserved(t *testing.T) {
	assert.ErrorIs(t, Validate("layer-{hash}"), ErrInvalidTemplate)
	assert.NoError(t, Validate("os-layer-{hash}"))

	_, err := RootKey("layer-{hash}", "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	key, err := LayerKey("os-{hash}-v1", "sha256_aaa")
	require.NoError(t, err)
	assert.True(t, IsLayerKey(key))
	assert.False(t, IsLayerKey("os-deadbeef-v1-root"))
}

func TestRootAndLayerKeys(t *testing.T) {
	root, err := RootKey("os-{hash}-v1", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "os-deadbeef-v1-root", root)

	layer, err := LayerKey("os-{hash}-v1", "sha256_aaa")
	require.NoError(t, err)
	assert.Equal(t, "layer-os-sha256_aaa-v1", layer)
}

func TestRecoverTemplate(t *testing.T) {
	tmpl, err := RecoverTemplate("os-deadbeef-v1-root", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "os-{hash}-v1", tmpl)
}

func TestRecoverTemplateFromFallbackMatch(t *testing.T) {
	// The restore asked for "ci-{hash}-main" but matched an entry stored by
	// another branch; layers must be looked up with that entry's template.
	tmpl, err := RecoverTemplate("ci-cafebabe-feature-root", "cafebabe")
	require.NoError(t, err)
	assert.Equal(t, "ci-{hash}-feature", tmpl)
}

func TestRecoverTemplateForeignKey(t *testing.T) {
	_, err := RecoverTemplate("some-other-key-root", "deadbeef")
	assert.ErrorIs(t, err, ErrTemplateRecovery)
}

func TestRecoverThenLayerKeyMatchesStore(t *testing.T) {
	templates := []string{"os-{hash}-v1", "{hash}", "prefix-{hash}", "{hash}-suffix"}
	hashes := []string{"deadbeef", "0123456789abcdef"}
	layers := []string{"sha256_aaa", "sha256_bbb"}

	for _, tmpl := range templates {
		for _, h := range hashes {
			root, err := RootKey(tmpl, h)
			require.NoError(t, err)
			recovered, err := RecoverTemplate(root, h)
			require.NoError(t, err)

			for _, id := range layers {
				want, err := LayerKey(tmpl, id)
				require.NoError(t, err)
				got, err := LayerKey(recovered, id)
				require.NoError(t, err)
				assert.Equal(t, want, got, "template %q hash %q layer %q", tmpl, h, id)
			}
		}
	}
}
