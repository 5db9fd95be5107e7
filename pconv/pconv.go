// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pconv implements partial convolutions: convolutions that take an
// explicit validity mask, renormalize each output by the fraction of valid
// input inside its receptive field, and emit an updated mask for the next
// layer in the stack.
//
// Inputs are channels-first, shaped [batch, channels, height, width].
//
// Based on "Image Inpainting for Irregular Holes Using Partial
// Convolutions" (Liu et al.), https://arxiv.org/abs/1804.07723.
package pconv

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
)

// Config is a helper to build a partial convolution. Create it with New,
// set the desired parameters, and when all is set, call Done.
type Config struct {
	ctx            *context.Context
	x, mask        *Node
	outputChannels int
	kernelSize     int
	strides        int
	padSame        bool
	bias           bool
	multiChannel   bool
	epsilon        float64
	newScope       bool
	regularizer    regularizers.Regularizer
}

// New prepares a 2D partial convolution on x. Channels and KernelSize must
// be set before Done.
//
// Without a Mask the input is treated as fully valid: the output matches a
// plain convolution (up to border renormalization when padding is enabled)
// and the updated mask is all ones.
func New(ctx *context.Context, x *Node) *Config {
	if x.Rank() != 4 {
		exceptions.Panicf("pconv.New requires x with rank 4 ([batch, channels, height, width]), got %s", x.Shape())
	}
	return &Config{
		ctx:         ctx,
		x:           x,
		strides:     1,
		bias:        true,
		epsilon:     1e-8,
		newScope:    true,
		regularizer: regularizers.FromContext(ctx),
	}
}

// Mask sets the validity mask, shaped [batch, 1, height, width], or
// [batch, channels, height, width] if MultiChannel is set. Values must be
// in [0, 1]. If not set, the input is treated as fully valid.
func (conv *Config) Mask(mask *Node) *Config {
	conv.mask = mask
	return conv
}

// Channels sets the number of output channels. There is no default, and
// this number must be set before Done is called.
func (conv *Config) Channels(channels int) *Config {
	conv.outputChannels = channels
	return conv
}

// KernelSize sets the (square) kernel size. There is no default, and it
// must be set before Done is called.
func (conv *Config) KernelSize(size int) *Config {
	conv.kernelSize = size
	return conv
}

// Strides sets the stride used in both spatial axes. The default is 1.
func (conv *Config) Strides(strides int) *Config {
	conv.strides = strides
	return conv
}

// PadSame pads the input such that with stride 1 the output has the same
// spatial size as the input. The default is no padding.
func (conv *Config) PadSame() *Config {
	conv.padSame = true
	return conv
}

// NoPadding uses only valid positions of the kernel, the default.
func (conv *Config) NoPadding() *Config {
	conv.padSame = false
	return conv
}

// UseBias sets whether a bias term is added. The default is true.
func (conv *Config) UseBias(useBias bool) *Config {
	conv.bias = useBias
	return conv
}

// MultiChannel makes validity counting per-channel: the mask must then
// carry one channel per input channel and the validity window covers the
// whole kernel volume (inputChannels * kernelSize^2) instead of a single
// kernel plane.
func (conv *Config) MultiChannel() *Config {
	conv.multiChannel = true
	return conv
}

// Epsilon sets the small constant added to the validity count before
// dividing. It defaults to 1e-8.
func (conv *Config) Epsilon(value float64) *Config {
	conv.epsilon = value
	return conv
}

// CurrentScope creates the layer variables in the current scope, instead
// of the default sub-scope named "pconv".
func (conv *Config) CurrentScope() *Config {
	conv.newScope = false
	return conv
}

// Regularizer to be applied to the learned weights (but not the biases).
// Default is taken from the context hyperparameters.
func (conv *Config) Regularizer(regularizer regularizers.Regularizer) *Config {
	conv.regularizer = regularizer
	return conv
}

// Done builds the partial convolution, creating its variables, and returns
// the convolved features along with the updated validity mask.
func (conv *Config) Done() (output, updatedMask *Node) {
	ctx := conv.ctx
	if conv.newScope {
		ctx = ctx.In("pconv")
	}
	if conv.outputChannels <= 0 || conv.kernelSize <= 0 {
		exceptions.Panicf("pconv requires Channels and KernelSize to be set, got channels=%d, kernelSize=%d",
			conv.outputChannels, conv.kernelSize)
	}
	x := conv.x
	g := x.Graph()
	dtype := x.DType()
	xDims := x.Shape().Dimensions
	inputChannels := xDims[1]

	maskChannels := 1
	slideWindow := float64(conv.kernelSize * conv.kernelSize)
	if conv.multiChannel {
		maskChannels = inputChannels
		slideWindow *= float64(inputChannels)
	}
	mask := conv.mask
	if mask == nil {
		mask = Ones(g, shapes.Make(dtype, xDims[0], maskChannels, xDims[2], xDims[3]))
	} else {
		if mask.Rank() != 4 || mask.Shape().Dimensions[1] != maskChannels {
			exceptions.Panicf("pconv mask must be shaped [batch, %d, height, width], got %s", maskChannels, mask.Shape())
		}
		x = Mul(x, mask)
	}

	// The validity count: a convolution of the mask with an all-ones
	// kernel, same geometry as the main convolution, no bias. The kernel
	// is a constant, not a variable.
	validityOut := 1
	if conv.multiChannel {
		validityOut = conv.outputChannels
	}
	validityKernel := Ones(g, shapes.Make(dtype, validityOut, maskChannels, conv.kernelSize, conv.kernelSize))
	maskConv := Convolve(mask, validityKernel).
		ChannelsAxis(images.ChannelsFirst).
		StridePerAxis(conv.strides, conv.strides)
	if conv.padSame {
		maskConv.PadSame()
	} else {
		maskConv.NoPadding()
	}
	count := maskConv.Done()
	updatedMask = ClipScalar(count, 0, 1)
	scale := Div(ConstAs(count, slideWindow), AddScalar(count, conv.epsilon))
	scale = Mul(scale, updatedMask)

	kernelShape := shapes.Make(dtype, conv.outputChannels, inputChannels, conv.kernelSize, conv.kernelSize)
	kernelVar := ctx.VariableWithShape("weights", kernelShape)
	if conv.regularizer != nil {
		conv.regularizer(ctx, g, kernelVar)
	}
	mainConv := Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(images.ChannelsFirst).
		StridePerAxis(conv.strides, conv.strides)
	if conv.padSame {
		mainConv.PadSame()
	} else {
		mainConv.NoPadding()
	}
	output = Mul(mainConv.Done(), scale)

	if conv.bias {
		biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, conv.outputChannels))
		bias := Reshape(biasVar.ValueGraph(g), 1, conv.outputChannels, 1, 1)
		output = Mul(Add(output, bias), updatedMask)
	}
	return output, updatedMask
}
