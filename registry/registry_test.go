package registry

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/config"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/provider"
	"github.com/infermux/infermux/pkg/template"
	"github.com/infermux/infermux/pkg/types"
	"github.com/infermux/infermux/providers/dummy"
)

func testProviders() map[string]provider.Provider {
	return map[string]provider.Provider{
		"main": dummy.New(dummy.WithBaseURL("http://localhost:1")),
	}
}

func buildRegistry(t *testing.T, variants map[string]config.VariantConfig, opts ...Option) *Registry {
	t.Helper()
	reg, err := New(map[string]config.FunctionConfig{
		"summarize": {Kind: types.FunctionChat, Variants: variants},
	}, testProviders(), opts...)
	require.NoError(t, err)
	return reg
}

func TestResolveUnknownFunction(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"primary": {Provider: "main", Model: "good", Weight: 1},
	})

	_, _, err := reg.Resolve("translate", "")
	require.Error(t, err)
	assert.Equal(t, inferrors.KindUnknownFunction, inferrors.KindOf(err))
}

func TestResolveUnknownVariant(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"primary": {Provider: "main", Model: "good", Weight: 1},
	})

	_, _, err := reg.Resolve("summarize", "ghost")
	require.Error(t, err)
	assert.Equal(t, inferrors.KindUnknownVariant, inferrors.KindOf(err))
}

func TestResolvePinnedVariant(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"primary":  {Provider: "main", Model: "good", Weight: 1},
		"shadowed": {Provider: "main", Model: "good", Weight: 0},
	})

	// Pinning reaches zero-weight variants too.
	fn, candidates, err := reg.Resolve("summarize", "shadowed")
	require.NoError(t, err)
	assert.Equal(t, "summarize", fn.Name)
	require.Len(t, candidates, 1)
	assert.Equal(t, "shadowed", candidates[0].Name)
}

func TestResolveCandidateOrderIsPermutation(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"a": {Provider: "main", Model: "good", Weight: 3},
		"b": {Provider: "main", Model: "good", Weight: 1},
		"c": {Provider: "main", Model: "good", Weight: 2},
	}, WithRand(rand.New(rand.NewSource(7))))

	for i := 0; i < 1000; i++ {
		_, candidates, err := reg.Resolve("summarize", "")
		require.NoError(t, err)
		require.Len(t, candidates, 3)

		seen := map[string]bool{}
		for _, v := range candidates {
			require.False(t, seen[v.Name], "variant %q drawn twice", v.Name)
			seen[v.Name] = true
		}
	}
}

func TestResolveWeightedDistribution(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"heavy": {Provider: "main", Model: "good", Weight: 3},
		"light": {Provider: "main", Model: "good", Weight: 1},
	}, WithRand(rand.New(rand.NewSource(42))))

	const draws = 10000
	heavyFirst := 0
	for i := 0; i < draws; i++ {
		_, candidates, err := reg.Resolve("summarize", "")
		require.NoError(t, err)
		if candidates[0].Name == "heavy" {
			heavyFirst++
		}
	}

	ratio := float64(heavyFirst) / draws
	assert.InDelta(t, 0.75, ratio, 0.03, "heavy first in %d/%d draws", heavyFirst, draws)
}

func TestResolveZeroWeightTrailsOrder(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"a":      {Provider: "main", Model: "good", Weight: 1},
		"b":      {Provider: "main", Model: "good", Weight: 1},
		"rescue": {Provider: "main", Model: "good", Weight: 0},
	}, WithRand(rand.New(rand.NewSource(1))))

	for i := 0; i < 500; i++ {
		_, candidates, err := reg.Resolve("summarize", "")
		require.NoError(t, err)
		require.Len(t, candidates, 3)
		assert.Equal(t, "rescue", candidates[2].Name, "zero-weight variant must come last")
	}
}

func TestResolveAllZeroWeightsUseNameOrder(t *testing.T) {
	reg := buildRegistry(t, map[string]config.VariantConfig{
		"zeta":  {Provider: "main", Model: "good", Weight: 0},
		"alpha": {Provider: "main", Model: "good", Weight: 0},
	})

	_, candidates, err := reg.Resolve("summarize", "")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "alpha", candidates[0].Name)
	assert.Equal(t, "zeta", candidates[1].Name)
}

func TestNewRejectsBrokenTemplate(t *testing.T) {
	_, err := New(map[string]config.FunctionConfig{
		"summarize": {
			Kind: types.FunctionChat,
			Variants: map[string]config.VariantConfig{
				"primary": {
					Provider:  "main",
					Model:     "good",
					Weight:    1,
					Templates: template.Spec{User: "{{.oops"},
				},
			},
		},
	}, testProviders())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarize")
}

func TestNewRejectsMissingProviderInstance(t *testing.T) {
	_, err := New(map[string]config.FunctionConfig{
		"summarize": {
			Kind: types.FunctionChat,
			Variants: map[string]config.VariantConfig{
				"primary": {Provider: "ghost", Model: "good", Weight: 1},
			},
		},
	}, testProviders())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
