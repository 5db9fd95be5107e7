// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rainnet-apply runs a trained generator over a composite image and its
// foreground mask, writing the harmonized result.
//
// The checkpoint directory must come from rainnet-train, and the
// --mask_channel flag must match the one used for training.
package main

import (
	"flag"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/rainnet"
	"github.com/gomlx/rainnet/trainer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint  = flag.String("checkpoint", "", "Directory with a checkpoint from rainnet-train. Required.")
	flagComposite   = flag.String("composite", "", "Composite image (background with the pasted foreground). Required.")
	flagMask        = flag.String("mask", "", "Binary mask of the pasted foreground, white inside. Required.")
	flagOutput      = flag.String("output", "harmonized.png", "Where to write the harmonized image.")
	flagMaskChannel = flag.Bool("mask_channel", false, "Feed the mask to the generator as a 4th input channel.")
)

var backend = backends.MustNew()

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" || *flagComposite == "" || *flagMask == "" {
		klog.Exit("--checkpoint, --composite and --mask are all required")
	}

	err := exceptions.TryCatch[error](func() {
		must.M(run())
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run() error {
	composite, err := imaging.Open(*flagComposite)
	if err != nil {
		return errors.Wrapf(err, "reading composite %q", *flagComposite)
	}
	mask, err := imaging.Open(*flagMask)
	if err != nil {
		return errors.Wrapf(err, "reading mask %q", *flagMask)
	}
	if !composite.Bounds().Eq(mask.Bounds()) {
		return errors.Errorf("composite is %v but mask is %v, they must match",
			composite.Bounds(), mask.Bounds())
	}

	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(*flagCheckpoint).Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", *flagCheckpoint)
	}

	genCfg := rainnet.DefaultGeneratorConfig()
	if *flagMaskChannel {
		genCfg.InputChannels = 4
	}
	generator := rainnet.NewGenerator(genCfg)

	output := harmonize(ctx, generator, composite, mask)
	img := images.ToImage().Single(output)
	if err := imaging.Save(img, *flagOutput); err != nil {
		return errors.Wrapf(err, "writing %q", *flagOutput)
	}
	klog.Infof("wrote %s", *flagOutput)
	return nil
}

// harmonize runs the generator on the composite, converting from and
// back to [H, W, C] images in [0, 1].
func harmonize(ctx *context.Context, generator *rainnet.Generator, composite, mask image.Image) *tensors.Tensor {
	compositeT := images.ToTensor(dtypes.Float32).Single(composite)
	maskT := images.ToTensor(dtypes.Float32).Single(mask)
	return context.MustExecOnce(backend, ctx.Reuse(),
		func(ctx *context.Context, composite, mask *Node) *Node {
			g := composite.Graph()
			x := ExpandDims(TransposeAllDims(composite, 2, 0, 1), 0)
			x = AddScalar(MulScalar(x, 2), -1)
			m := Slice(mask, AxisRange(), AxisRange(), AxisElem(0))
			m = ExpandDims(TransposeAllDims(m, 2, 0, 1), 0)
			m = ConvertDType(GreaterOrEqual(m, ConstAsDType(g, m.DType(), 0.5)), x.DType())
			out := generator.ProcessImageGraph(ctx.In(trainer.GeneratorScope), x, m, nil)
			out = ClipScalar(DivScalar(AddScalar(out, 1), 2), 0, 1)
			dims := out.Shape().Dimensions
			return Reshape(TransposeAllDims(out, 0, 2, 3, 1), dims[2], dims[3], dims[1])
		}, compositeT, maskT)
}
