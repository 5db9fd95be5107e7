// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rainnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDataset(t *testing.T) {
	ds := NewSyntheticDataset(2, 32, 42)
	assert.Equal(t, "synthetic-composites-32x32", ds.Name())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Nil(t, labels)
	require.Len(t, inputs, 3)
	real, composite, mask := inputs[0], inputs[1], inputs[2]
	require.NoError(t, real.Shape().Check(dtypes.Float32, 2, 3, 32, 32))
	require.NoError(t, composite.Shape().Check(dtypes.Float32, 2, 3, 32, 32))
	require.NoError(t, mask.Shape().Check(dtypes.Float32, 2, 1, 32, 32))

	realData := tensors.MustCopyFlatData[float32](real)
	compData := tensors.MustCopyFlatData[float32](composite)
	maskData := tensors.MustCopyFlatData[float32](mask)
	var covered int
	for _, m := range maskData {
		require.True(t, m == 0 || m == 1, "mask must be binary, got %g", m)
		if m == 1 {
			covered++
		}
	}
	require.Greater(t, covered, 0, "mask must cover some region")
	require.Less(t, covered, len(maskData), "mask must not cover everything")
	for img := 0; img < 2; img++ {
		for c := 0; c < 3; c++ {
			for p := 0; p < 32*32; p++ {
				idx := (img*3+c)*32*32 + p
				require.GreaterOrEqual(t, compData[idx], float32(-1))
				require.LessOrEqual(t, compData[idx], float32(1))
				if maskData[img*32*32+p] == 0 {
					require.Equal(t, realData[idx], compData[idx],
						"composite must match the background outside the mask")
				}
			}
		}
	}

	// Same seed replays the same stream.
	_, inputsA, _, err := NewSyntheticDataset(2, 32, 7).Yield()
	require.NoError(t, err)
	_, inputsB, _, err := NewSyntheticDataset(2, 32, 7).Yield()
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](inputsA[1]),
		tensors.MustCopyFlatData[float32](inputsB[1]))
}

// snapshotScope copies the values of every float32 variable under the
// given top-level scope, keyed by scope and name.
func snapshotScope(ctx *context.Context, scope string) map[string][]float32 {
	prefix := context.RootScope + scope
	snap := make(map[string][]float32)
	for v := range ctx.IterVariables() {
		if v.Scope() != prefix && !strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			continue
		}
		value := v.MustValue()
		if value.DType() != dtypes.Float32 {
			continue
		}
		snap[v.Scope()+"/"+v.Name()] = tensors.MustCopyFlatData[float32](value)
	}
	return snap
}

func testTrainer(t *testing.T, ctx *context.Context) *Trainer {
	backend := graphtest.BuildTestBackend()
	genCfg := rainnet.DefaultGeneratorConfig()
	genCfg.BaseFilters = 2
	discCfg := rainnet.DefaultDiscriminatorConfig()
	discCfg.BaseFilters = 2
	discCfg.NumLayers = 3
	discCfg.SharedStages = 3
	return New(backend, ctx, rainnet.NewGenerator(genCfg), rainnet.NewDiscriminator(discCfg))
}

func TestTrainerUpdatesOnlyOnePlayer(t *testing.T) {
	if testing.Short() {
		t.Skip("full-resolution training step, skipping in -short mode")
	}
	ctx := context.New()
	ctx.SetParam(ParamLambdaGP, 1.0)
	tr := testTrainer(t, ctx)

	_, inputs, _, err := NewSyntheticDataset(1, 256, 1).Yield()
	require.NoError(t, err)
	real, composite, mask := inputs[0], inputs[1], inputs[2]

	// First iteration creates every variable of both players.
	discLoss, genLoss, l1 := tr.Step(real, composite, mask)
	requireFinite(t, discLoss, genLoss, l1)
	require.EqualValues(t, 1, tr.GlobalStep())

	genBefore := snapshotScope(ctx, GeneratorScope)
	discBefore := snapshotScope(ctx, DiscriminatorScope)
	require.NotEmpty(t, genBefore)
	require.NotEmpty(t, discBefore)

	// A discriminator step alone must leave the generator untouched.
	tr.discStep.MustExec(real, composite, mask)
	assert.Equal(t, genBefore, snapshotScope(ctx, GeneratorScope))
	assert.NotEqual(t, discBefore, snapshotScope(ctx, DiscriminatorScope))

	// And vice-versa for a generator step.
	discBefore = snapshotScope(ctx, DiscriminatorScope)
	tr.ganStep.MustExec(real, composite, mask)
	assert.Equal(t, discBefore, snapshotScope(ctx, DiscriminatorScope))
	assert.NotEqual(t, genBefore, snapshotScope(ctx, GeneratorScope))
}

func TestTrainerWarmup(t *testing.T) {
	if testing.Short() {
		t.Skip("full-resolution training step, skipping in -short mode")
	}
	ctx := context.New()
	ctx.SetParam(ParamGANStartStep, 1)
	ctx.SetParam(ParamLambdaGP, 0.0)
	tr := testTrainer(t, ctx)

	_, inputs, _, err := NewSyntheticDataset(1, 256, 3).Yield()
	require.NoError(t, err)
	real, composite, mask := inputs[0], inputs[1], inputs[2]

	// Reconstruction only: the discriminator never runs.
	discLoss, genLoss, l1 := tr.Step(real, composite, mask)
	assert.Zero(t, discLoss)
	requireFinite(t, genLoss, l1)
	assert.Greater(t, l1, float32(0))
	assert.Empty(t, snapshotScope(ctx, DiscriminatorScope))
	require.EqualValues(t, 1, tr.GlobalStep())

	// Past the warm-up the adversarial terms kick in.
	discLoss, genLoss, l1 = tr.Step(real, composite, mask)
	requireFinite(t, discLoss, genLoss, l1)
	assert.NotZero(t, discLoss)
	assert.NotEmpty(t, snapshotScope(ctx, DiscriminatorScope))
	require.EqualValues(t, 2, tr.GlobalStep())
}

func requireFinite(t *testing.T, values ...float32) {
	t.Helper()
	for _, v := range values {
		require.False(t, v != v, "got NaN")
		require.Less(t, v, float32(1e30))
		require.Greater(t, v, float32(-1e30))
	}
}
