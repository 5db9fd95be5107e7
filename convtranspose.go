// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ConvTranspose2D applies a learned 2D transposed convolution to x
// (channels-first), the upsampling counterpart of a strided convolution:
// with kernelSize=4, stride=2 and padding=1 it exactly doubles the
// spatial size.
//
// It is expressed as a regular convolution over the input dilated by the
// stride, padded with kernelSize-1-padding on each side. Variables
// "weights" ([outputChannels, inputChannels, k, k]) and optionally
// "biases" are created in the current scope of ctx.
func ConvTranspose2D(ctx *context.Context, x *Node, outputChannels, kernelSize, stride, padding int, useBias bool) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("ConvTranspose2D requires x with rank 4 ([batch, channels, height, width]), got %s", x.Shape())
	}
	if outputChannels <= 0 || kernelSize <= 0 || stride <= 0 {
		exceptions.Panicf("ConvTranspose2D requires positive outputChannels (%d), kernelSize (%d) and stride (%d)",
			outputChannels, kernelSize, stride)
	}
	pad := kernelSize - 1 - padding
	if pad < 0 {
		exceptions.Panicf("ConvTranspose2D padding %d too large for kernel size %d", padding, kernelSize)
	}
	g := x.Graph()
	dtype := x.DType()
	inputChannels := x.Shape().Dimensions[1]

	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, outputChannels, inputChannels, kernelSize, kernelSize))
	output := Convolve(x, kernelVar.ValueGraph(g)).
		ChannelsAxis(images.ChannelsFirst).
		InputDilationPerAxis(stride, stride).
		PaddingPerDim([][2]int{{pad, pad}, {pad, pad}}).
		Done()
	if useBias {
		biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, outputChannels))
		output = Add(output, Reshape(biasVar.ValueGraph(g), 1, outputChannels, 1, 1))
	}
	return output
}
