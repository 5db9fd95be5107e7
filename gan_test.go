// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evalLoss computes the loss for a constant prediction map.
func evalLoss(t *testing.T, mode GANMode, prediction float64, targetIsReal bool) float32 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	loss := NewLoss(mode)
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		pred := AddScalar(Zeros(g, shapes.Make(dtypes.F32, 2, 1, 4, 4)), prediction)
		return loss.LossGraph(pred, targetIsReal)
	})
	return tensors.ToScalar[float32](got)
}

func TestLeastSquaresLoss(t *testing.T) {
	// Exactly on target: zero loss. Monotonically increasing as the
	// prediction moves away from the real label.
	assert.InDelta(t, 0, evalLoss(t, GANLeastSquares, 1, true), 1e-6)
	prev := evalLoss(t, GANLeastSquares, 0.8, true)
	for _, pred := range []float64{0.5, 0.0, -0.5} {
		cur := evalLoss(t, GANLeastSquares, pred, true)
		assert.Greater(t, cur, prev)
		prev = cur
	}
	// Fake target mirrors around 0.
	assert.InDelta(t, 0, evalLoss(t, GANLeastSquares, 0, false), 1e-6)
	assert.InDelta(t, 1, evalLoss(t, GANLeastSquares, 1, false), 1e-5)
}

func TestVanillaLossOnLogits(t *testing.T) {
	// Large positive logit scored as real: near-zero loss; decreasing
	// logits increase it monotonically.
	assert.Less(t, evalLoss(t, GANVanilla, 10, true), float32(1e-3))
	prev := evalLoss(t, GANVanilla, 2, true)
	for _, logit := range []float64{1, 0, -1, -2} {
		cur := evalLoss(t, GANVanilla, logit, true)
		assert.Greater(t, cur, prev)
		prev = cur
	}
	// The stable formulation stays finite for extreme logits.
	assert.False(t, evalLoss(t, GANVanilla, -100, true) != evalLoss(t, GANVanilla, -100, true)) // not NaN
	assert.InDelta(t, 100, evalLoss(t, GANVanilla, -100, true), 1e-2)
}

func TestWassersteinLossIsSignedMean(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	loss := NewLoss(GANWasserstein)
	results := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		pred := IotaFull(g, shapes.Make(dtypes.F32, 2, 1, 3, 3))
		real := loss.LossGraph(pred, true)
		fake := loss.LossGraph(pred, false)
		mean := ReduceAllMean(pred)
		return []*Node{real, fake, mean}
	}).MustExec()
	mean := tensors.ToScalar[float32](results[2])
	require.Equal(t, -mean, tensors.ToScalar[float32](results[0]))
	require.Equal(t, mean, tensors.ToScalar[float32](results[1]))
}

func TestGradientPenaltyZeroWeight(t *testing.T) {
	d := NewDiscriminator(testDiscriminatorConfig())
	penalty, gradients := GradientPenalty(nil, d, nil, nil, nil, PenaltyMixed, 1.0, 0.0)
	require.Nil(t, penalty)
	require.Nil(t, gradients)
}

func TestGradientPenaltyKinds(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testDiscriminatorConfig()
	cfg.NumLayers = 3
	for _, kind := range []PenaltyKind{PenaltyReal, PenaltyFake, PenaltyMixed} {
		t.Run(kind.String(), func(t *testing.T) {
			ctx := context.New()
			d := NewDiscriminator(cfg)
			got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				real := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.F32, 2, 3, 32, 32)), 2), -1)
				fake := MulScalar(real, 0.5)
				mask := centeredSquareMask(g, 2, 32, 8)
				penalty, gradients := GradientPenalty(ctx, d, real, fake, mask, kind, 1.0, 10.0)
				require.NotNil(t, gradients)
				require.True(t, penalty.Shape().IsScalar())
				return penalty
			})
			requireAllFinite(t, got)
			require.GreaterOrEqual(t, tensors.ToScalar[float32](got), float32(0))
		})
	}
}

func TestGradientPenaltyUnknownKindPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	d := NewDiscriminator(testDiscriminatorConfig())
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			real := Ones(g, shapes.Make(dtypes.F32, 1, 3, 32, 32))
			mask := centeredSquareMask(g, 1, 32, 8)
			penalty, _ := GradientPenalty(ctx, d, real, real, mask, PenaltyKind(99), 1.0, 10.0)
			return penalty
		})
	})
}
