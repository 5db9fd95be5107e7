// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rain implements region-aware instance normalization for image
// harmonization: features inside a masked foreground region are normalized
// to zero mean and unit variance and then re-scaled to the statistics
// observed in the background region, before a learned per-region affine is
// applied. Background features get a plain masked instance normalization.
//
// Inputs are channels-first, shaped [batch, channels, height, width]; the
// mask is [batch, 1, height, width] and is resized to the feature map's
// spatial size before use.
//
// See New for details and options.
package rain

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// ScopeName is the sub-scope created for the learned affine variables.
const ScopeName = "region_norm"

// Config for a region-aware normalization layer.
// Create it with New, set the desired options and call Done.
type Config struct {
	ctx      *context.Context
	x, mask  *Node
	epsilon  float64
	bilinear bool
	newScope bool
}

// New builds a region-aware normalization of x conditioned on mask.
//
// x must be shaped [batch, channels, height, width] and mask
// [batch, 1, maskHeight, maskWidth] with values in [0, 1]; the mask is
// resized (nearest-neighbor by default) to x's spatial size, so it can be
// given once at the input resolution and reused at every depth.
//
// The foreground region (mask == 1) is normalized with its own masked
// mean and standard deviation, re-targeted to the background's mean and
// standard deviation, and then transformed by the learned
// "foreground_scale" and "foreground_offset" vectors. The background
// region is normalized with its own statistics and transformed by
// "background_scale" and "background_offset". The two disjoint regions
// are summed to form the output.
//
// Degenerate masks (all zeros or all ones) are valid: the empty region's
// statistics collapse towards zero and the output stays finite.
func New(ctx *context.Context, x, mask *Node) *Config {
	if x.Rank() != 4 || mask.Rank() != 4 {
		exceptions.Panicf("rain.New requires x and mask with rank 4 ([batch, channels, height, width]), got x=%s, mask=%s",
			x.Shape(), mask.Shape())
	}
	if x.Shape().Dimensions[0] != mask.Shape().Dimensions[0] {
		exceptions.Panicf("rain.New: batch sizes of x (%s) and mask (%s) differ", x.Shape(), mask.Shape())
	}
	return &Config{
		ctx:      ctx,
		x:        x,
		mask:     mask,
		epsilon:  1e-5,
		newScope: true,
	}
}

// Epsilon sets the small constant added to region areas and variances to
// keep empty regions finite. It defaults to 1e-5.
func (builder *Config) Epsilon(value float64) *Config {
	builder.epsilon = value
	return builder
}

// Bilinear selects bilinear mask resizing instead of the default
// nearest-neighbor. The resized mask is then soft valued in [0, 1] and is
// used as a probability weight, not re-binarized.
func (builder *Config) Bilinear() *Config {
	builder.bilinear = true
	return builder
}

// CurrentScope creates the layer variables in the current scope, instead
// of the default sub-scope named "region_norm".
func (builder *Config) CurrentScope() *Config {
	builder.newScope = false
	return builder
}

// Done builds the normalization and returns the resulting feature map,
// shaped like x.
func (builder *Config) Done() *Node {
	ctx := builder.ctx
	if builder.newScope {
		ctx = ctx.In(ScopeName)
	}
	x := builder.x
	dtype := x.DType()
	channels := x.Shape().Dimensions[1]

	fgMask := ResizeMask(builder.mask, x, builder.bilinear)
	bgMask := OneMinus(fgMask)

	fgMean, fgStd := MaskedMoments(x, fgMask, builder.epsilon)
	bgMean, bgStd := MaskedMoments(x, bgMask, builder.epsilon)

	// Foreground re-targeted to the background statistics.
	fgNorm := Div(Sub(x, fgMean), fgStd)
	fgNorm = Add(Mul(fgNorm, bgStd), bgMean)
	bgNorm := Div(Sub(x, bgMean), bgStd)

	// Per-channel affine vectors, reshaped for broadcast over [B,C,H,W].
	affineShape := shapes.Make(dtype, channels)
	affine := func(name string, initializer context.VariableInitializer) *Node {
		v := ctx.WithInitializer(initializer).VariableWithShape(name, affineShape)
		return Reshape(v.ValueGraph(x.Graph()), 1, channels, 1, 1)
	}
	fgScale := affine("foreground_scale", initializers.One)
	fgOffset := affine("foreground_offset", initializers.Zero)
	bgScale := affine("background_scale", initializers.One)
	bgOffset := affine("background_offset", initializers.Zero)

	fgNorm = Add(Mul(fgNorm, fgScale), fgOffset)
	bgNorm = Add(Mul(bgNorm, bgScale), bgOffset)

	// Regions are disjoint, the masked sum is a select.
	return Add(Mul(fgNorm, fgMask), Mul(bgNorm, bgMask))
}

// ResizeMask resamples mask to the spatial size of the reference feature
// map. Nearest-neighbor keeps the mask binary; bilinear produces soft
// values in [0, 1].
func ResizeMask(mask, reference *Node, bilinear bool) *Node {
	refDims := reference.Shape().Dimensions
	maskDims := mask.Shape().Dimensions
	if maskDims[2] == refDims[2] && maskDims[3] == refDims[3] {
		return mask
	}
	interp := Interpolate(mask, NoInterpolation, NoInterpolation, refDims[2], refDims[3])
	if bilinear {
		interp = interp.Bilinear()
	} else {
		interp = interp.Nearest()
	}
	return interp.Done()
}

// MaskedMoments returns the mean and standard deviation of x restricted
// to the region where regionMask is 1 (or weighted by it, if soft),
// reduced over the spatial axes. Both results are shaped
// [batch, channels, 1, 1] and broadcast over x.
//
// An empty region yields mean and std near zero instead of NaN: the
// region area in the denominators is stabilized by epsilon.
func MaskedMoments(x, regionMask *Node, epsilon float64) (mean, std *Node) {
	eps := ConstAs(x, epsilon)
	area := Add(ReduceAndKeep(regionMask, ReduceSum, 2, 3), eps)
	masked := Mul(x, regionMask)
	mean = Div(ReduceAndKeep(masked, ReduceSum, 2, 3), area)
	diff := Sub(masked, Mul(mean, regionMask))
	variance := Div(ReduceAndKeep(Mul(diff, diff), ReduceSum, 2, 3), area)
	std = Sqrt(Add(variance, eps))
	return
}
