// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rainnet-train trains the harmonization GAN on synthetic composites.
//
// Model hyperparameters are context parameters, settable with --set,
// e.g. --set="gan_mode=wgangp;learning_rate=1e-4". See the trainer
// package for the known keys.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/rainnet"
	"github.com/gomlx/rainnet/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps       = flag.Int("steps", 10000, "Number of training steps.")
	flagBatchSize   = flag.Int("batch_size", 4, "Batch size.")
	flagImageSize   = flag.Int("image_size", 256, "Side of the square training images, must be a multiple of 256.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the synthetic dataset.")
	flagCheckpoint  = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagSaveEvery   = flag.Int("save_every", 1000, "Save a checkpoint every this many steps.")
	flagMaskChannel = flag.Bool("mask_channel", false, "Feed the mask to the generator as a 4th input channel.")
)

var backend = backends.MustNew()

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 2e-4,
		trainer.ParamLambdaL1:        100.0,
		trainer.ParamLambdaGP:        10.0,
		trainer.ParamPenaltyConstant: 1.0,
		trainer.ParamGANMode:         "lsgan",
		trainer.ParamPenaltyKind:     "mixed",
		trainer.ParamGANStartStep:    0,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		// Checkpoint loads first: saved params must win over defaults
		// but lose to the command line.
		var handler *checkpoints.Handler
		if *flagCheckpoint != "" {
			handler = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done())
		}
		must.M1(commandline.ParseContextSettings(ctx, *settings))

		genCfg := rainnet.DefaultGeneratorConfig()
		if *flagMaskChannel {
			genCfg.InputChannels = 4
		}
		generator := rainnet.NewGenerator(genCfg)
		discriminator := rainnet.NewDiscriminator(rainnet.DefaultDiscriminatorConfig())

		tr := trainer.New(backend, ctx, generator, discriminator)
		if handler != nil {
			tr.WithCheckpoint(handler, *flagSaveEvery)
		}
		ds := trainer.NewSyntheticDataset(*flagBatchSize, *flagImageSize, *flagSeed)
		must.M(tr.Train(ds, *flagSteps))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
