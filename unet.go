// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// CodecPosition tags a codec level's role in the recursion. The forward
// logic pattern-matches on it: the outermost level has no skip
// connection, the innermost has no submodule.
type CodecPosition int

const (
	PosOutermost CodecPosition = iota
	PosMiddle
	PosInnermost
)

// CodecLayer configures one level of the codec generator. Levels are
// listed outermost first; the layer's position follows from its index.
type CodecLayer struct {
	// InputChannels entering the level from outside. Zero means "same
	// as OuterChannels", the usual case for middle levels.
	InputChannels int

	// InnerChannels produced by the level's down convolution and fed to
	// the submodule.
	InnerChannels int

	// OuterChannels produced by the level's up convolution, returned to
	// the enclosing level.
	OuterChannels int

	// EncoderNorm is applied after the down convolution (middle levels
	// only; the outermost and innermost levels normalize nothing on the
	// way down).
	EncoderNorm NormKind

	// DecoderNorm is applied after the up convolution (middle and
	// innermost levels).
	DecoderNorm NormKind

	// Dropout after the decoder normalization (middle levels only).
	Dropout bool

	// Attention gates the skip-concatenated output of the level.
	Attention bool
}

// Codec is the recursive encoder-decoder generator variant: each level
// downsamples, delegates to its inner level and upsamples, concatenating
// its own input as the skip connection. Built once from an explicit
// ordered layer list; the topology never changes per call.
type Codec struct {
	layers       []CodecLayer
	dropoutRate  float64
	maskBilinear bool
}

// NewCodec validates the layer list and returns the codec generator.
// layers must hold at least the outermost and innermost level.
func NewCodec(codecLayers []CodecLayer, dropoutRate float64, maskBilinear bool) *Codec {
	if len(codecLayers) < 2 {
		exceptions.Panicf("codec generator requires at least 2 levels, got %d", len(codecLayers))
	}
	for i, layer := range codecLayers {
		if layer.InnerChannels <= 0 || layer.OuterChannels <= 0 {
			exceptions.Panicf("codec level %d requires positive InnerChannels (%d) and OuterChannels (%d)",
				i, layer.InnerChannels, layer.OuterChannels)
		}
	}
	if dropoutRate <= 0 || dropoutRate >= 1 {
		exceptions.Panicf("codec dropoutRate must be in (0, 1), got %g", dropoutRate)
	}
	return &Codec{layers: codecLayers, dropoutRate: dropoutRate, maskBilinear: maskBilinear}
}

// DefaultCodecLayers returns the standard 8-level harmonization codec:
// widths doubling from baseFilters to its eightfold, region-aware
// normalization through the decoder, dropout on the three deepest middle
// levels, attention on the three shallowest.
func DefaultCodecLayers(inputChannels, outputChannels, baseFilters int) []CodecLayer {
	f := baseFilters
	return []CodecLayer{
		{InputChannels: inputChannels, InnerChannels: f, OuterChannels: outputChannels},
		{InnerChannels: 2 * f, OuterChannels: f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Attention: true},
		{InnerChannels: 4 * f, OuterChannels: 2 * f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Attention: true},
		{InnerChannels: 8 * f, OuterChannels: 4 * f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Attention: true},
		{InnerChannels: 8 * f, OuterChannels: 8 * f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Dropout: true},
		{InnerChannels: 8 * f, OuterChannels: 8 * f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Dropout: true},
		{InnerChannels: 8 * f, OuterChannels: 8 * f, EncoderNorm: NormInstance, DecoderNorm: NormRegion, Dropout: true},
		{InnerChannels: 8 * f, OuterChannels: 8 * f, DecoderNorm: NormRegion},
	}
}

// position of level i in the recursion.
func (c *Codec) position(i int) CodecPosition {
	switch i {
	case 0:
		return PosOutermost
	case len(c.layers) - 1:
		return PosInnermost
	}
	return PosMiddle
}

func (layer *CodecLayer) inputChannels() int {
	if layer.InputChannels > 0 {
		return layer.InputChannels
	}
	return layer.OuterChannels
}

// Graph builds the codec's forward pass: x is the composite image, mask
// the foreground mask at input resolution. Output is bounded to [-1, 1]
// by the outermost Tanh.
func (c *Codec) Graph(ctx *context.Context, x, mask *Node) *Node {
	return c.level(ctx, x, mask, 0)
}

// level builds codec level i. The recursion depth is bounded by the
// layer list built at construction.
func (c *Codec) level(ctx *context.Context, x, mask *Node, i int) *Node {
	layer := &c.layers[i]
	if x.Shape().Dimensions[1] != layer.inputChannels() {
		exceptions.Panicf("codec level %d expects %d input channels, got %s", i, layer.inputChannels(), x.Shape())
	}
	scopedCtx := ctx.Inf("%03d-codec", i)

	switch c.position(i) {
	case PosOutermost:
		h := downConv(scopedCtx.In("down"), x, layer.InnerChannels)
		h = c.level(ctx, h, mask, i+1)
		h = activations.Relu(h)
		h = ConvTranspose2D(scopedCtx.In("up"), h, layer.OuterChannels, 4, 2, 1, true)
		return Tanh(h)

	case PosInnermost:
		h := activations.LeakyReluWith(x, 0.2)
		h = downConv(scopedCtx.In("down"), h, layer.InnerChannels)
		h = activations.Relu(h)
		h = ConvTranspose2D(scopedCtx.In("up"), h, layer.OuterChannels, 4, 2, 1, false)
		h = applyNormKind(scopedCtx.In("up"), h, mask, layer.DecoderNorm, c.maskBilinear)
		h = Concatenate([]*Node{x, h}, 1)
		if layer.Attention {
			h = attentionGate(scopedCtx.In("attention"), h)
		}
		return h

	default:
		h := activations.LeakyReluWith(x, 0.2)
		h = downConv(scopedCtx.In("down"), h, layer.InnerChannels)
		h = applyNormKind(scopedCtx.In("down"), h, mask, layer.EncoderNorm, c.maskBilinear)
		h = c.level(ctx, h, mask, i+1)
		h = activations.Relu(h)
		h = ConvTranspose2D(scopedCtx.In("up"), h, layer.OuterChannels, 4, 2, 1, false)
		h = applyNormKind(scopedCtx.In("up"), h, mask, layer.DecoderNorm, c.maskBilinear)
		if layer.Dropout {
			h = layers.DropoutStatic(scopedCtx, h, c.dropoutRate)
		}
		h = Concatenate([]*Node{x, h}, 1)
		if layer.Attention {
			h = attentionGate(scopedCtx.In("attention"), h)
		}
		return h
	}
}
