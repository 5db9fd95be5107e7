// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGeneratorConfig keeps the full topology but shrinks the channel
// widths so the 256x256 forward pass stays fast on CPU.
func testGeneratorConfig() GeneratorConfig {
	cfg := DefaultGeneratorConfig()
	cfg.BaseFilters = 2
	return cfg
}

// centeredSquareMask builds a [batch, 1, size, size] mask with a centered
// square of ones of the given side.
func centeredSquareMask(g *Graph, batch, size, side int) *Node {
	iota := Iota(g, shapes.Make(dtypes.F32, size), 0)
	lo := float64(size-side) / 2
	hi := lo + float64(side)
	in1d := And(
		GreaterOrEqual(iota, ConstAs(iota, lo)),
		LessThan(iota, ConstAs(iota, hi)))
	rows := ConvertDType(Reshape(in1d, 1, 1, size, 1), dtypes.F32)
	cols := ConvertDType(Reshape(in1d, 1, 1, 1, size), dtypes.F32)
	return BroadcastToDims(Mul(rows, cols), batch, 1, size, size)
}

func requireAllFinite(t *testing.T, tensor *tensors.Tensor) {
	t.Helper()
	for _, v := range tensors.MustCopyFlatData[float32](tensor) {
		require.Falsef(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
			"non-finite value %v in %s", v, tensor.Shape())
	}
}

func TestGeneratorEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	gen := NewGenerator(testGeneratorConfig())
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.F32, 2, 3, 256, 256)), 2)
		x = AddScalar(x, -1)
		mask := centeredSquareMask(g, 2, 256, 64)
		return gen.ProcessImageGraph(ctx, x, mask, nil)
	})
	require.NoError(t, got.Shape().Check(dtypes.F32, 2, 3, 256, 256))
	requireAllFinite(t, got)
	for _, v := range tensors.MustCopyFlatData[float32](got) {
		require.GreaterOrEqual(t, v, float32(-1))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestBackgroundPreservation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	gen := NewGenerator(testGeneratorConfig())
	// An all-zeros mask must leave every pixel of the input untouched,
	// bit for bit: the output compositing gates the network fully out.
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := AddScalar(MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.F32, 1, 3, 256, 256)), 2), -1)
		mask := Zeros(g, shapes.Make(dtypes.F32, 1, 1, 256, 256))
		out := gen.ProcessImageGraph(ctx, x, mask, nil)
		return ReduceAllMax(Abs(Sub(out, x)))
	})
	require.Zero(t, tensors.ToScalar[float32](got))
}

func TestBackgroundCompositing(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	gen := NewGenerator(testGeneratorConfig())
	// With a background given, pixels outside the mask must come from
	// the background, not from x.
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.F32, 1, 3, 256, 256))
		background := MulScalar(x, -0.5)
		mask := centeredSquareMask(g, 1, 256, 64)
		out := gen.ProcessImageGraph(ctx, x, mask, background)
		outside := Mul(Sub(out, background), OneMinus(mask))
		return ReduceAllMax(Abs(outside))
	})
	require.Zero(t, tensors.ToScalar[float32](got))
}

func TestGeneratorWithMaskChannel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := testGeneratorConfig()
	cfg.InputChannels = 4
	gen := NewGenerator(cfg)
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Zeros(g, shapes.Make(dtypes.F32, 1, 3, 256, 256))
		mask := centeredSquareMask(g, 1, 256, 64)
		return gen.ProcessImageGraph(ctx, x, mask, nil)
	})
	require.NoError(t, got.Shape().Check(dtypes.F32, 1, 3, 256, 256))
	requireAllFinite(t, got)
}

func TestGeneratorRegionNormEverywhere(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := testGeneratorConfig()
	for i := range cfg.Indicator {
		cfg.Indicator[i] = NormRegion
	}
	gen := NewGenerator(cfg)
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Zeros(g, shapes.Make(dtypes.F32, 1, 3, 256, 256))
		mask := centeredSquareMask(g, 1, 256, 64)
		return gen.Graph(ctx, x, mask)
	})
	require.NoError(t, got.Shape().Check(dtypes.F32, 1, 3, 256, 256))
	requireAllFinite(t, got)
}

func TestGeneratorConfigValidation(t *testing.T) {
	assert.Panics(t, func() {
		cfg := DefaultGeneratorConfig()
		cfg.InputChannels = 5
		NewGenerator(cfg)
	})
	assert.Panics(t, func() {
		cfg := DefaultGeneratorConfig()
		cfg.Indicator = cfg.Indicator[:3]
		NewGenerator(cfg)
	})
	assert.Panics(t, func() {
		cfg := DefaultGeneratorConfig()
		cfg.BaseFilters = 0
		NewGenerator(cfg)
	})
}
