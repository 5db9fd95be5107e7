// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer drives adversarial training of the harmonization
// generator against the dual-branch discriminator.
//
// Both players live in one root context, under the scopes
// [GeneratorScope] and [DiscriminatorScope]. Each training step builds
// a graph that updates a single player: right before that player's
// optimizer runs, the opponent's variables are flagged non-trainable,
// and the flags are restored immediately after. Gradients and Adam
// slots therefore only ever cover the intended side, even though both
// networks appear in the same graph.
package trainer

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/rainnet"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// GeneratorScope is the context scope holding the generator variables.
	GeneratorScope = "generator"

	// DiscriminatorScope is the context scope holding the discriminator
	// variables.
	DiscriminatorScope = "discriminator"

	// Scopes of the two Adam optimizers. Each keeps its own step
	// counter there, which is how warm-up progress is measured.
	genOptimizerScope  = "gen_adam"
	discOptimizerScope = "disc_adam"
)

// Hyperparameter keys read from the context (see context.GetParamOr).
// All are settable from the command line with
// ui/commandline.ParseContextSettings.
const (
	// ParamLambdaL1 weights the L1 reconstruction term of the generator
	// loss. Defaults to 100.
	ParamLambdaL1 = "lambda_l1"

	// ParamLambdaGP weights the discriminator gradient penalty. Zero
	// disables it. Defaults to 10.
	ParamLambdaGP = "lambda_gp"

	// ParamPenaltyConstant is the gradient norm the penalty targets.
	// Defaults to 1.
	ParamPenaltyConstant = "penalty_constant"

	// ParamGANMode selects the adversarial objective: "lsgan",
	// "vanilla" or "wgangp". Defaults to "lsgan".
	ParamGANMode = "gan_mode"

	// ParamPenaltyKind selects where the penalty is evaluated: "real",
	// "fake" or "mixed". Defaults to "mixed".
	ParamPenaltyKind = "penalty_kind"

	// ParamGANStartStep delays the adversarial terms: before this global
	// step the generator trains on reconstruction only and the
	// discriminator is not updated. Defaults to 0.
	ParamGANStartStep = "gan_start_step"
)

// Trainer alternates discriminator and generator updates over batches
// of (real, composite, mask) tensors. Create it with New.
type Trainer struct {
	backend       backends.Backend
	ctx           *context.Context
	generator     *rainnet.Generator
	discriminator *rainnet.Discriminator

	loss            *rainnet.Loss
	penalty         rainnet.PenaltyKind
	lambdaL1        float64
	lambdaGP        float64
	penaltyConstant float64
	ganStartStep    int64

	genOpt  optimizers.Interface
	discOpt optimizers.Interface

	discStep   *context.Exec
	ganStep    *context.Exec
	warmupStep *context.Exec

	checkpoint *checkpoints.Handler
	saveEvery  int
}

// New creates a Trainer for the given generator and discriminator,
// whose variables live (or will be created) under ctx's scopes
// "generator" and "discriminator". Hyperparameters are read from ctx
// params, see the Param* constants.
func New(backend backends.Backend, ctx *context.Context,
	generator *rainnet.Generator, discriminator *rainnet.Discriminator) *Trainer {
	mode := rainnet.ParseGANMode(context.GetParamOr(ctx, ParamGANMode, "lsgan"))
	t := &Trainer{
		backend:       backend,
		ctx:           ctx,
		generator:     generator,
		discriminator: discriminator,

		loss:            rainnet.NewLoss(mode),
		penalty:         rainnet.ParsePenaltyKind(context.GetParamOr(ctx, ParamPenaltyKind, "mixed")),
		lambdaL1:        context.GetParamOr(ctx, ParamLambdaL1, 100.0),
		lambdaGP:        context.GetParamOr(ctx, ParamLambdaGP, 10.0),
		penaltyConstant: context.GetParamOr(ctx, ParamPenaltyConstant, 1.0),
		ganStartStep:    int64(context.GetParamOr(ctx, ParamGANStartStep, 0)),

		genOpt:  optimizers.Adam().Scope(genOptimizerScope).Done(),
		discOpt: optimizers.Adam().Scope(discOptimizerScope).Done(),
	}
	// The three execs build graphs over the same variables, so variable
	// creation checks are off: first build creates, later builds reuse.
	buildCtx := ctx.Checked(false)
	t.discStep = context.MustNewExec(backend, buildCtx, t.discStepGraph)
	t.ganStep = context.MustNewExec(backend, buildCtx, t.genStepGraph(true))
	t.warmupStep = context.MustNewExec(backend, buildCtx, t.genStepGraph(false))
	return t
}

// WithCheckpoint makes Train save the context to handler every
// saveEvery steps (and once more at the end).
func (t *Trainer) WithCheckpoint(handler *checkpoints.Handler, saveEvery int) *Trainer {
	t.checkpoint = handler
	t.saveEvery = saveEvery
	return t
}

// setTrainable flips the Trainable flag of every variable under the
// given top-level scope. Optimizer slot variables are created
// non-trainable and are never touched.
func setTrainable(ctx *context.Context, scope string, trainable bool) {
	prefix := context.RootScope + scope
	for v := range ctx.IterVariables() {
		if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			v.Trainable = trainable
		}
	}
}

// discStepGraph builds one discriminator update: real and fake scores
// through both heads, optional gradient penalty, then an Adam step over
// the discriminator variables only. The generator forward pass runs
// under StopGradient, it only supplies the fake batch.
func (t *Trainer) discStepGraph(ctx *context.Context, real, composite, mask *Node) *Node {
	g := real.Graph()
	ctx.SetTraining(g, true)
	fake := t.generator.ProcessImageGraph(ctx.In(GeneratorScope), composite, mask, nil)
	fake = StopGradient(fake)

	dCtx := ctx.In(DiscriminatorScope)
	realGlobal, realLocal := t.discriminator.Graph(dCtx, real, mask)
	fakeGlobal, fakeLocal := t.discriminator.Graph(dCtx, fake, mask)

	lossReal := Add(t.loss.LossGraph(realGlobal, true), t.loss.LossGraph(realLocal, true))
	lossFake := Add(t.loss.LossGraph(fakeGlobal, false), t.loss.LossGraph(fakeLocal, false))
	loss := MulScalar(Add(lossReal, lossFake), 0.5)
	if penalty, _ := rainnet.GradientPenalty(dCtx, t.discriminator, real, fake, mask,
		t.penalty, t.penaltyConstant, t.lambdaGP); penalty != nil {
		loss = Add(loss, penalty)
	}

	setTrainable(ctx, GeneratorScope, false)
	t.discOpt.UpdateGraph(ctx, g, loss)
	setTrainable(ctx, GeneratorScope, true)
	return loss
}

// genStepGraph returns the graph function for one generator update:
// L1 reconstruction against the real image, plus, once adversarial is
// set, the GAN terms on both discriminator heads.
func (t *Trainer) genStepGraph(adversarial bool) func(ctx *context.Context, real, composite, mask *Node) (*Node, *Node) {
	return func(ctx *context.Context, real, composite, mask *Node) (*Node, *Node) {
		g := real.Graph()
		ctx.SetTraining(g, true)
		fake := t.generator.ProcessImageGraph(ctx.In(GeneratorScope), composite, mask, nil)
		l1 := ReduceAllMean(Abs(Sub(fake, real)))
		loss := MulScalar(l1, t.lambdaL1)
		if adversarial {
			fakeGlobal, fakeLocal := t.discriminator.Graph(ctx.In(DiscriminatorScope), fake, mask)
			adv := Add(t.loss.LossGraph(fakeGlobal, true), t.loss.LossGraph(fakeLocal, true))
			loss = Add(loss, adv)
		}

		setTrainable(ctx, DiscriminatorScope, false)
		t.genOpt.UpdateGraph(ctx, g, loss)
		setTrainable(ctx, DiscriminatorScope, true)
		return loss, l1
	}
}

// GlobalStep returns the number of generator updates taken so far. It
// reads the generator optimizer's step counter, so it survives
// checkpoint reloads.
func (t *Trainer) GlobalStep() int64 {
	return optimizers.GetGlobalStep(t.ctx.In(genOptimizerScope))
}

// Step runs one training iteration on a batch: a discriminator update
// followed by a generator update, or a reconstruction-only generator
// update while still before ParamGANStartStep. It returns the
// discriminator loss (zero during warm-up), the total generator loss
// and the unweighted L1 term.
func (t *Trainer) Step(real, composite, mask *tensors.Tensor) (discLoss, genLoss, l1 float32) {
	adversarial := t.GlobalStep() >= t.ganStartStep
	if adversarial {
		discLoss = tensors.ToScalar[float32](t.discStep.MustExec(real, composite, mask)[0])
	}
	gen := t.warmupStep
	if adversarial {
		gen = t.ganStep
	}
	out := gen.MustExec(real, composite, mask)
	genLoss = tensors.ToScalar[float32](out[0])
	l1 = tensors.ToScalar[float32](out[1])
	return
}

// Train consumes numSteps batches from ds, running Step on each. It
// reports progress on the terminal and, if WithCheckpoint was called,
// saves periodically.
func (t *Trainer) Train(ds train.Dataset, numSteps int) error {
	if numSteps <= 0 {
		exceptions.Panicf("Train: numSteps=%d, must be positive", numSteps)
	}
	bar := progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	for i := 0; i < numSteps; i++ {
		_, inputs, _, err := ds.Yield()
		if err != nil {
			return errors.Wrapf(err, "dataset %q failed at step %d", ds.Name(), i)
		}
		real, composite, mask := inputs[0], inputs[1], inputs[2]
		discLoss, genLoss, l1 := t.Step(real, composite, mask)
		for _, input := range inputs {
			input.FinalizeAll()
		}
		_ = bar.Add(1)
		if klog.V(1).Enabled() {
			klog.Infof("step %s: disc=%.4f gen=%.4f l1=%.4f",
				humanize.Comma(t.GlobalStep()), discLoss, genLoss, l1)
		}
		if t.checkpoint != nil && t.saveEvery > 0 && (i+1)%t.saveEvery == 0 {
			if err := t.checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "saving checkpoint at step %s",
					humanize.Comma(t.GlobalStep()))
			}
		}
	}
	_ = bar.Finish()
	if t.checkpoint != nil {
		if err := t.checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "saving final checkpoint")
		}
		klog.Infof("trained %s steps, checkpoint in %s",
			humanize.Comma(t.GlobalStep()), t.checkpoint.Dir())
	}
	return nil
}
