// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rainnet implements a region-aware image harmonization GAN:
// a generator that re-renders a pasted foreground region so its color and
// texture statistics match the surrounding background, and a dual-branch
// discriminator that scores global realism together with the local
// agreement between foreground and background features.
//
// All tensors are channels-first, shaped [batch, channels, height, width],
// images in the range [-1, 1], masks in [0, 1] with 1 marking the
// foreground region to harmonize.
//
// Based on "Region-aware Adaptive Instance Normalization for Image
// Harmonization" (Ling et al., CVPR 2021), https://arxiv.org/abs/2106.02853.
package rainnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"

	"github.com/gomlx/rainnet/rain"
)

// Generator is the harmonization network: a symmetric encoder-decoder
// with skip connections, region-aware normalization through the decoder
// and sigmoid attention gates on the shallow decoder stages.
//
// It is stateless apart from its configuration; the learned variables
// live in the context scope handed to Graph.
type Generator struct {
	cfg GeneratorConfig
}

// NewGenerator validates cfg and returns the generator. Invalid
// configurations panic.
func NewGenerator(cfg GeneratorConfig) *Generator {
	cfg.Validate()
	return &Generator{cfg: cfg}
}

// Config returns the configuration the generator was built with.
func (gen *Generator) Config() GeneratorConfig { return gen.cfg }

// stageFilters returns the channel width of encoder stage i:
// BaseFilters doubling per stage, capped at 8*BaseFilters.
func (gen *Generator) stageFilters(i int) int {
	mult := 1 << i
	if mult > 8 {
		mult = 8
	}
	return mult * gen.cfg.BaseFilters
}

// applyNormKind applies one of the closed set of stage normalizations.
// Region-aware stages receive the foreground mask, resized internally to
// the feature map's resolution.
func applyNormKind(ctx *context.Context, x, mask *Node, kind NormKind, bilinear bool) *Node {
	switch kind {
	case NormNone:
		return x
	case NormBatch:
		return batchnorm.New(ctx.In("norm"), x, 1).Done()
	case NormInstance:
		return instanceNorm(x, 1e-5)
	case NormRegion:
		builder := rain.New(ctx, x, mask)
		if bilinear {
			builder = builder.Bilinear()
		}
		return builder.Done()
	}
	exceptions.Panicf("invalid normalization kind %d", kind)
	return nil
}

func (gen *Generator) applyNorm(ctx *context.Context, x, mask *Node, kind NormKind) *Node {
	return applyNormKind(ctx, x, mask, kind, gen.cfg.MaskBilinear)
}

// instanceNorm normalizes each sample and channel over its spatial axes,
// without learned parameters.
func instanceNorm(x *Node, epsilon float64) *Node {
	mean := ReduceAndKeep(x, ReduceMean, 2, 3)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 2, 3)
	return Div(centered, Sqrt(AddScalar(variance, epsilon)))
}

// downConv is a stride-2 halving convolution, the encoder's building
// block.
func downConv(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(channels).
		KernelSize(4).
		Strides(2).
		PadSame().
		CurrentScope().Done()
}

// attentionGate reweights x by a per-pixel sigmoid computed from a 1x1
// convolution over x itself. A soft gate, not a hard selection.
func attentionGate(ctx *context.Context, x *Node) *Node {
	gate := layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(x.Shape().Dimensions[1]).
		KernelSize(1).
		PadSame().
		CurrentScope().Done()
	return Mul(x, Sigmoid(gate))
}

// Graph builds the generator's forward pass. x is the composite image,
// [batch, InputChannels, height, width]; mask is [batch, 1, height,
// width] with 1 on the foreground. Returns the raw network output,
// [batch, OutputChannels, height, width] in [-1, 1].
//
// Most callers want ProcessImageGraph, which also composites the output
// back over the untouched background pixels.
func (gen *Generator) Graph(ctx *context.Context, x, mask *Node) *Node {
	cfg := &gen.cfg
	if x.Rank() != 4 || x.Shape().Dimensions[1] != cfg.InputChannels {
		exceptions.Panicf("generator expects x shaped [batch, %d, height, width], got %s",
			cfg.InputChannels, x.Shape())
	}
	if mask.Rank() != 4 || mask.Shape().Dimensions[1] != 1 {
		exceptions.Panicf("generator expects mask shaped [batch, 1, height, width], got %s", mask.Shape())
	}
	if x.Shape().Dimensions[0] != mask.Shape().Dimensions[0] {
		exceptions.Panicf("batch sizes of x (%s) and mask (%s) differ", x.Shape(), mask.Shape())
	}

	// Encoder: feature pyramid x0..x7, halving the resolution per stage.
	skips := make([]*Node, 0, NumStages)
	h := downConv(ctx.In("000-down"), x, cfg.BaseFilters)
	skips = append(skips, h)
	for i := 1; i < NumStages; i++ {
		scopedCtx := ctx.Inf("%03d-down", i)
		h = activations.LeakyReluWith(h, 0.2)
		h = downConv(scopedCtx, h, gen.stageFilters(i))
		// The bottleneck stage (the last) keeps its raw activations: its
		// spatial extent is too small for meaningful statistics.
		if i < NumStages-1 {
			h = gen.applyNorm(scopedCtx, h, mask, cfg.Indicator[i-1])
			skips = append(skips, h)
		}
	}

	// Decoder: each up stage consumes the previous output concatenated
	// with the matching-resolution encoder feature.
	for i := 0; i < NumStages-1; i++ {
		scopedCtx := ctx.Inf("%03d-up", i)
		channels := gen.stageFilters(NumStages - 2 - i)
		h = activations.Relu(h)
		h = ConvTranspose2D(scopedCtx, h, channels, 4, 2, 1, true)
		h = gen.applyNorm(scopedCtx, h, mask, cfg.Indicator[NumStages-1+i])
		if cfg.Dropout && i < 3 {
			h = layers.DropoutStatic(scopedCtx, h, cfg.DropoutRate)
		}
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		h = Concatenate([]*Node{h, skip}, 1)
		if cfg.Attention && i >= NumStages-4 {
			h = attentionGate(scopedCtx.In("attention"), h)
		}
	}

	h = ConvTranspose2D(ctx.Inf("%03d-up", NumStages-1), h, cfg.OutputChannels, 4, 2, 1, true)
	return Tanh(h)
}

// ProcessImageGraph harmonizes a composite. x is the composite image (3
// channels, or the raw image when background is given); mask marks the
// foreground; background, if non-nil, is composited under x first
// (x*mask + background*(1-mask)).
//
// When the generator is configured with 4 input channels the mask is
// appended as the extra channel before the forward pass.
//
// The network output is composited back over the input: pixels outside
// the mask are returned exactly as given, only the foreground region is
// replaced by the network's rendering.
func (gen *Generator) ProcessImageGraph(ctx *context.Context, x, mask, background *Node) *Node {
	if background != nil {
		x = Add(Mul(x, mask), Mul(background, OneMinus(mask)))
	}
	rgb := x
	if gen.cfg.InputChannels == 4 {
		x = Concatenate([]*Node{x, mask}, 1)
	}
	pred := gen.Graph(ctx, x, mask)
	return Add(Mul(pred, mask), Mul(rgb, OneMinus(mask)))
}
