// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"

	"github.com/gomlx/rainnet/pconv"
)

// Discriminator is the dual-branch realism critic: its partial-convolution
// stack runs three times over the same image, unconditioned for a global
// realism logit and masked to the foreground and background regions for a
// local similarity map at the region boundary.
//
// Stages below SharedStages reuse the global branch's weights for the
// masked branches; the two masked branches always share weights with each
// other.
type Discriminator struct {
	cfg DiscriminatorConfig
}

// NewDiscriminator validates cfg and returns the discriminator. Invalid
// configurations panic.
func NewDiscriminator(cfg DiscriminatorConfig) *Discriminator {
	cfg.Validate()
	return &Discriminator{cfg: cfg}
}

// Config returns the configuration the discriminator was built with.
func (d *Discriminator) Config() DiscriminatorConfig { return d.cfg }

// stageFilters returns the channel width of stage i (0-based), doubling
// per stage and capped at 8*BaseFilters.
func (d *Discriminator) stageFilters(i int) int {
	mult := 1 << i
	if mult > 8 {
		mult = 8
	}
	return mult * d.cfg.BaseFilters
}

// stageScope returns the variable scope of stage i. The global branch
// owns the tied stages; a masked branch only gets its own scope past
// SharedStages.
func (d *Discriminator) stageScope(ctx *context.Context, i int, masked bool) *context.Context {
	if masked && i >= d.cfg.SharedStages {
		return ctx.Inf("%03d-branch", i)
	}
	return ctx.Inf("%03d-stage", i)
}

// branch runs the convolution stack once. A nil mask means the
// unconditioned global branch; otherwise the mask restricts validity and
// is propagated through the partial convolutions.
func (d *Discriminator) branch(ctx *context.Context, x, mask *Node) *Node {
	cfg := &d.cfg
	h := x
	for i := 0; i < cfg.NumLayers; i++ {
		scopedCtx := d.stageScope(ctx, i, mask != nil)
		stride := 2
		if i == cfg.NumLayers-1 {
			stride = 1
		}
		conv := pconv.New(scopedCtx, h).
			Channels(d.stageFilters(i)).
			KernelSize(3).
			Strides(stride).
			NoPadding().
			UseBias(i == 0 || cfg.Norm == NormInstance).
			CurrentScope()
		if mask != nil {
			conv = conv.Mask(mask)
		}
		h, mask = conv.Done()
		if i > 0 && i < cfg.NumLayers-1 {
			h = d.applyNorm(scopedCtx, h)
		}
		if i < cfg.NumLayers-1 {
			h = activations.LeakyReluWith(h, 0.2)
		}
	}
	return h
}

func (d *Discriminator) applyNorm(ctx *context.Context, x *Node) *Node {
	switch d.cfg.Norm {
	case NormNone:
		return x
	case NormBatch:
		return batchnorm.New(ctx.In("norm"), x, 1).Done()
	case NormInstance:
		return instanceNorm(x, 1e-5)
	}
	exceptions.Panicf("discriminator does not support normalization kind %s", d.cfg.Norm)
	return nil
}

func conv1x1(ctx *context.Context, x *Node, channels int) *Node {
	return layers.Convolution(ctx, x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(channels).
		KernelSize(1).
		CurrentScope().Done()
}

// head builds the three branches and the projection heads, returning the
// global logit, the local similarity map and the raw global and branch
// features.
func (d *Discriminator) head(ctx *context.Context, x, mask *Node) (globalLogit, localSim, featGlobal, featFG, featBG *Node) {
	cfg := &d.cfg
	if x.Rank() != 4 || x.Shape().Dimensions[1] != cfg.InputChannels {
		exceptions.Panicf("discriminator expects x shaped [batch, %d, height, width], got %s",
			cfg.InputChannels, x.Shape())
	}
	if mask.Rank() != 4 || mask.Shape().Dimensions[1] != 1 ||
		mask.Shape().Dimensions[0] != x.Shape().Dimensions[0] {
		exceptions.Panicf("discriminator expects mask shaped [batch, 1, height, width] matching x (%s), got %s",
			x.Shape(), mask.Shape())
	}
	// Tied stages and the shared masked-branch weights are revisited
	// within a single graph build.
	ctx = ctx.Checked(false)

	featGlobal = d.branch(ctx, x, nil)
	featFG = d.branch(ctx, x, mask)
	featBG = d.branch(ctx, x, OneMinus(mask))

	globalLogit = conv1x1(ctx.In("global_proj"), featGlobal, 1)

	channels := featFG.Shape().Dimensions[1]
	sim := Mul(featFG, featBG)
	sim = activations.LeakyReluWith(conv1x1(ctx.In("local_proj_0"), sim, channels), 0.2)
	sim = activations.LeakyReluWith(conv1x1(ctx.In("local_proj_1"), sim, channels), 0.2)
	localSim = conv1x1(ctx.In("local_proj_2"), sim, 1)
	return
}

// Graph scores image x with the given foreground mask. It returns the
// global realism logit and the local similarity map, both shaped
// [batch, 1, h', w'] at the stack's output resolution.
func (d *Discriminator) Graph(ctx *context.Context, x, mask *Node) (globalLogit, localSim *Node) {
	globalLogit, localSim, _, _, _ = d.head(ctx, x, mask)
	return
}

// GraphWithFeatures additionally returns the raw global features and the
// foreground/background branch features (stacked on the batch axis), for
// perceptual feature losses.
func (d *Discriminator) GraphWithFeatures(ctx *context.Context, x, mask *Node) (globalLogit, localSim, featGlobal, featLocal *Node) {
	var featFG, featBG *Node
	globalLogit, localSim, featGlobal, featFG, featBG = d.head(ctx, x, mask)
	featLocal = Concatenate([]*Node{featFG, featBG}, 0)
	return
}

// ScalarGraph returns the blend (global + local) / 2, the single score
// map used when a gradient penalty needs one scalar-valued output per
// position.
func (d *Discriminator) ScalarGraph(ctx *context.Context, x, mask *Node) *Node {
	globalLogit, localSim, _, _, _ := d.head(ctx, x, mask)
	return MulScalar(Add(globalLogit, localSim), 0.5)
}

// PatchDiscriminator is a plain PatchGAN critic: a strided convolution
// stack ending in a 1-channel logit map, no masking.
type PatchDiscriminator struct {
	InputChannels int
	BaseFilters   int
	NumLayers     int
	Norm          NormKind
}

// NewPatchDiscriminator returns the usual 3-layer PatchGAN critic.
func NewPatchDiscriminator(inputChannels, baseFilters, numLayers int, norm NormKind) *PatchDiscriminator {
	if inputChannels <= 0 || baseFilters <= 0 || numLayers <= 0 {
		exceptions.Panicf("PatchDiscriminator requires positive channels (%d), filters (%d) and layers (%d)",
			inputChannels, baseFilters, numLayers)
	}
	return &PatchDiscriminator{
		InputChannels: inputChannels,
		BaseFilters:   baseFilters,
		NumLayers:     numLayers,
		Norm:          norm,
	}
}

// Graph returns the logit map, [batch, 1, h', w'].
func (p *PatchDiscriminator) Graph(ctx *context.Context, x *Node) *Node {
	h := layers.Convolution(ctx.In("000-stage"), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(p.BaseFilters).
		KernelSize(4).
		Strides(2).
		PadSame().
		CurrentScope().Done()
	h = activations.LeakyReluWith(h, 0.2)
	for i := 1; i <= p.NumLayers; i++ {
		scopedCtx := ctx.Inf("%03d-stage", i)
		mult := 1 << i
		if mult > 8 {
			mult = 8
		}
		stride := 2
		if i == p.NumLayers {
			stride = 1
		}
		h = layers.Convolution(scopedCtx, h).
			ChannelsAxis(images.ChannelsFirst).
			Channels(mult * p.BaseFilters).
			KernelSize(4).
			Strides(stride).
			PadSame().
			UseBias(p.Norm != NormBatch).
			CurrentScope().Done()
		switch p.Norm {
		case NormBatch:
			h = batchnorm.New(scopedCtx.In("norm"), h, 1).Done()
		case NormInstance:
			h = instanceNorm(h, 1e-5)
		}
		h = activations.LeakyReluWith(h, 0.2)
	}
	return layers.Convolution(ctx.In("logit"), h).
		ChannelsAxis(images.ChannelsFirst).
		Channels(1).
		KernelSize(4).
		PadSame().
		CurrentScope().Done()
}

// PixelDiscriminator classifies every pixel independently with 1x1
// convolutions.
type PixelDiscriminator struct {
	InputChannels int
	BaseFilters   int
	Norm          NormKind
}

// NewPixelDiscriminator returns a per-pixel critic.
func NewPixelDiscriminator(inputChannels, baseFilters int, norm NormKind) *PixelDiscriminator {
	if inputChannels <= 0 || baseFilters <= 0 {
		exceptions.Panicf("PixelDiscriminator requires positive channels (%d) and filters (%d)", inputChannels, baseFilters)
	}
	return &PixelDiscriminator{InputChannels: inputChannels, BaseFilters: baseFilters, Norm: norm}
}

// Graph returns the per-pixel logit map, [batch, 1, height, width].
func (p *PixelDiscriminator) Graph(ctx *context.Context, x *Node) *Node {
	h := conv1x1(ctx.In("000-stage"), x, p.BaseFilters)
	h = activations.LeakyReluWith(h, 0.2)
	scopedCtx := ctx.In("001-stage")
	h = layers.Convolution(scopedCtx, h).
		ChannelsAxis(images.ChannelsFirst).
		Channels(2*p.BaseFilters).
		KernelSize(1).
		UseBias(p.Norm != NormBatch).
		CurrentScope().Done()
	switch p.Norm {
	case NormBatch:
		h = batchnorm.New(scopedCtx.In("norm"), h, 1).Done()
	case NormInstance:
		h = instanceNorm(h, 1e-5)
	}
	h = activations.LeakyReluWith(h, 0.2)
	return conv1x1(ctx.In("logit"), h, 1)
}
