// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Loss computes the adversarial objective from a discriminator's output
// map. The discriminator must not apply a sigmoid to its output: the
// least-squares mode works on raw scores and the vanilla mode folds the
// sigmoid into a numerically stable cross-entropy on logits.
type Loss struct {
	Mode      GANMode
	RealLabel float64
	FakeLabel float64
}

// NewLoss returns the adversarial loss with the usual 1/0 labels.
func NewLoss(mode GANMode) *Loss {
	return &Loss{Mode: mode, RealLabel: 1, FakeLabel: 0}
}

// LossGraph returns the scalar loss of prediction against the constant
// real or fake target. In Wasserstein mode no target is materialized:
// the loss is the negated (real) or plain (fake) mean of the prediction.
func (l *Loss) LossGraph(prediction *Node, targetIsReal bool) *Node {
	switch l.Mode {
	case GANLeastSquares:
		target := l.targetFor(prediction, targetIsReal)
		return ReduceAllMean(Square(Sub(prediction, target)))
	case GANVanilla:
		// max(x, 0) - x*t + log(1 + exp(-|x|)), the stable form of
		// sigmoid cross-entropy on logits.
		target := l.targetFor(prediction, targetIsReal)
		losses := Add(
			Sub(Max(prediction, ZerosLike(prediction)), Mul(prediction, target)),
			Log1P(Exp(Neg(Abs(prediction)))))
		return ReduceAllMean(losses)
	case GANWasserstein:
		if targetIsReal {
			return Neg(ReduceAllMean(prediction))
		}
		return ReduceAllMean(prediction)
	}
	exceptions.Panicf("invalid GAN mode %d", l.Mode)
	return nil
}

func (l *Loss) targetFor(prediction *Node, targetIsReal bool) *Node {
	label := l.FakeLabel
	if targetIsReal {
		label = l.RealLabel
	}
	return ConstAs(prediction, label)
}

// GradientPenalty returns the penalty enforcing a unit input-gradient
// norm on the discriminator, from the WGAN-GP paper
// (https://arxiv.org/abs/1704.00028), together with the raw per-sample
// gradients.
//
// The discriminator is evaluated in its scalar-blend mode at real, fake
// or per-sample mixed points per kind; constant is the target gradient
// norm (usually 1) and lambda the penalty weight (usually 10). A zero or
// negative lambda short-circuits: no gradient ops are built and both
// results are nil.
func GradientPenalty(ctx *context.Context, d *Discriminator, real, fake, mask *Node,
	kind PenaltyKind, constant, lambda float64) (penalty, gradients *Node) {
	if lambda <= 0 {
		return nil, nil
	}
	g := real.Graph()
	var interpolated *Node
	switch kind {
	case PenaltyReal:
		interpolated = real
	case PenaltyFake:
		interpolated = fake
	case PenaltyMixed:
		alpha := ctx.RandomUniform(g, shapes.Make(real.DType(), real.Shape().Dimensions[0], 1, 1, 1))
		interpolated = Add(Mul(alpha, real), Mul(OneMinus(alpha), fake))
	default:
		exceptions.Panicf("invalid gradient-penalty kind %d", kind)
	}

	score := ReduceAllSum(d.ScalarGraph(ctx, interpolated, mask))
	gradients = Gradient(score, interpolated)[0]
	gradients = Reshape(gradients, real.Shape().Dimensions[0], -1)
	norms := L2Norm(AddScalar(gradients, 1e-16), -1)
	penalty = MulScalar(ReduceAllMean(Square(AddScalar(norms, -constant))), lambda)
	return penalty, gradients
}
