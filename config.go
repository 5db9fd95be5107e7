// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"github.com/gomlx/exceptions"
)

// NormKind selects the normalization applied after a generator stage.
// Region-conditional stages additionally require the foreground mask at
// their own resolution.
type NormKind int

const (
	// NormNone disables normalization for the stage.
	NormNone NormKind = iota

	// NormBatch normalizes over the batch and spatial axes, with running
	// averages for inference.
	NormBatch

	// NormInstance normalizes each sample and channel over its spatial
	// axes, without learned affine parameters.
	NormInstance

	// NormRegion is the region-aware normalization: foreground features
	// re-targeted to the background statistics, independent learned
	// affines per region.
	NormRegion
)

// String implements fmt.Stringer.
func (n NormKind) String() string {
	switch n {
	case NormNone:
		return "none"
	case NormBatch:
		return "batch"
	case NormInstance:
		return "instance"
	case NormRegion:
		return "region"
	}
	return "invalid"
}

// ParseNormKind converts a normalization name ("batch", "instance",
// "none" or "region") to its NormKind. It panics on unknown names.
func ParseNormKind(name string) NormKind {
	switch name {
	case "none":
		return NormNone
	case "batch":
		return NormBatch
	case "instance":
		return NormInstance
	case "region":
		return NormRegion
	}
	exceptions.Panicf("unknown normalization kind %q, valid values are none, batch, instance or region", name)
	return NormNone
}

// GANMode selects the adversarial loss formulation.
type GANMode int

const (
	// GANLeastSquares is the least-squares GAN loss: squared error of the
	// discriminator output against the real/fake label.
	GANLeastSquares GANMode = iota

	// GANVanilla is binary cross-entropy computed on logits.
	GANVanilla

	// GANWasserstein is the Wasserstein critic loss, the signed mean of
	// the discriminator output.
	GANWasserstein
)

// String implements fmt.Stringer.
func (m GANMode) String() string {
	switch m {
	case GANLeastSquares:
		return "lsgan"
	case GANVanilla:
		return "vanilla"
	case GANWasserstein:
		return "wgangp"
	}
	return "invalid"
}

// ParseGANMode converts a loss-mode name ("lsgan", "vanilla" or
// "wgangp") to its GANMode. It panics on unknown names.
func ParseGANMode(name string) GANMode {
	switch name {
	case "lsgan":
		return GANLeastSquares
	case "vanilla":
		return GANVanilla
	case "wgangp":
		return GANWasserstein
	}
	exceptions.Panicf("unknown GAN mode %q, valid values are lsgan, vanilla or wgangp", name)
	return GANLeastSquares
}

// PenaltyKind selects where the gradient penalty is evaluated: at the
// real samples, the fake samples, or a per-sample random convex mix of
// the two.
type PenaltyKind int

const (
	PenaltyReal PenaltyKind = iota
	PenaltyFake
	PenaltyMixed
)

// String implements fmt.Stringer.
func (p PenaltyKind) String() string {
	switch p {
	case PenaltyReal:
		return "real"
	case PenaltyFake:
		return "fake"
	case PenaltyMixed:
		return "mixed"
	}
	return "invalid"
}

// ParsePenaltyKind converts an interpolation-kind name ("real", "fake"
// or "mixed") to its PenaltyKind. It panics on unknown names.
func ParsePenaltyKind(name string) PenaltyKind {
	switch name {
	case "real":
		return PenaltyReal
	case "fake":
		return PenaltyFake
	case "mixed":
		return PenaltyMixed
	}
	exceptions.Panicf("unknown gradient-penalty kind %q, valid values are real, fake or mixed", name)
	return PenaltyMixed
}

// NumStages is the number of downsampling (and upsampling) stages of the
// generator: a 256x256 input reaches 1x1 at the bottleneck.
const NumStages = 8

// GeneratorConfig configures the harmonization generator. The zero value
// is not valid; use DefaultGeneratorConfig for the usual setup.
type GeneratorConfig struct {
	// InputChannels is 3 for RGB composites, or 4 to feed the mask as an
	// extra input channel.
	InputChannels int

	// OutputChannels of the harmonized image, usually 3.
	OutputChannels int

	// BaseFilters is the channel width of the first stage; deeper stages
	// double it up to 8*BaseFilters.
	BaseFilters int

	// Indicator selects the normalization per stage: entries 0..6 cover
	// encoder stages 1..7 and entries 7..13 the decoder stages. Entry 6,
	// the bottleneck norm, is configured for completeness but not
	// applied: at the bottleneck the spatial extent is 1x1 and instance
	// statistics degenerate.
	Indicator []NormKind

	// Attention enables the sigmoid feature gates on the three
	// shallowest decoder stages.
	Attention bool

	// Dropout enables dropout on the three deepest decoder stages
	// during training.
	Dropout bool

	// DropoutRate used when Dropout is set.
	DropoutRate float64

	// MaskBilinear resizes the mask with bilinear interpolation instead
	// of nearest-neighbor when handing it to region-normalized stages.
	MaskBilinear bool
}

// DefaultIndicator returns the usual per-stage normalization choice:
// plain instance normalization through the encoder, region-aware
// normalization through the whole decoder.
func DefaultIndicator() []NormKind {
	indicator := make([]NormKind, 2*(NumStages-1))
	for i := range indicator {
		if i < NumStages-1 {
			indicator[i] = NormInstance
		} else {
			indicator[i] = NormRegion
		}
	}
	return indicator
}

// DefaultGeneratorConfig returns the harmonization generator used in the
// reference experiments: RGB in and out, 64 base filters, attention
// gates on, region normalization through the decoder.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		InputChannels:  3,
		OutputChannels: 3,
		BaseFilters:    64,
		Indicator:      DefaultIndicator(),
		Attention:      true,
		DropoutRate:    0.5,
	}
}

// Validate panics on an unusable configuration. Called by NewGenerator.
func (cfg *GeneratorConfig) Validate() {
	if cfg.InputChannels != 3 && cfg.InputChannels != 4 {
		exceptions.Panicf("generator InputChannels must be 3 or 4, got %d", cfg.InputChannels)
	}
	if cfg.OutputChannels <= 0 {
		exceptions.Panicf("generator OutputChannels must be positive, got %d", cfg.OutputChannels)
	}
	if cfg.BaseFilters <= 0 {
		exceptions.Panicf("generator BaseFilters must be positive, got %d", cfg.BaseFilters)
	}
	if len(cfg.Indicator) != 2*(NumStages-1) {
		exceptions.Panicf("generator Indicator must have %d entries (encoder stages 1..%d then decoder stages), got %d",
			2*(NumStages-1), NumStages-1, len(cfg.Indicator))
	}
	if cfg.Dropout && (cfg.DropoutRate <= 0 || cfg.DropoutRate >= 1) {
		exceptions.Panicf("generator DropoutRate must be in (0, 1), got %g", cfg.DropoutRate)
	}
}

// DiscriminatorConfig configures the dual-branch discriminator.
type DiscriminatorConfig struct {
	// InputChannels of the scored image, usually 3.
	InputChannels int

	// BaseFilters is the width of the first stage; deeper stages double
	// it, capped at 8*BaseFilters.
	BaseFilters int

	// NumLayers is the number of convolution stages, 7 in the reference
	// setup. All stages use stride 2 except the last, which uses 1.
	NumLayers int

	// SharedStages is the number of leading stages whose weights are
	// shared between the unconditioned branch and the masked
	// foreground/background branches. Stages past it get independent
	// weights per branch. Must be in [0, NumLayers].
	SharedStages int

	// Norm applied after the middle stages: NormNone, NormBatch or
	// NormInstance (NormRegion is a generator-side normalization).
	Norm NormKind
}

// DefaultDiscriminatorConfig returns the reference dual-branch
// discriminator: 7 partial-convolution stages, no weight tying between
// the global and masked branches.
func DefaultDiscriminatorConfig() DiscriminatorConfig {
	return DiscriminatorConfig{
		InputChannels: 3,
		BaseFilters:   64,
		NumLayers:     7,
		SharedStages:  0,
		Norm:          NormInstance,
	}
}

// Validate panics on an unusable configuration. Called by
// NewDiscriminator.
func (cfg *DiscriminatorConfig) Validate() {
	if cfg.InputChannels <= 0 {
		exceptions.Panicf("discriminator InputChannels must be positive, got %d", cfg.InputChannels)
	}
	if cfg.BaseFilters <= 0 {
		exceptions.Panicf("discriminator BaseFilters must be positive, got %d", cfg.BaseFilters)
	}
	if cfg.NumLayers <= 0 {
		exceptions.Panicf("discriminator NumLayers must be positive, got %d", cfg.NumLayers)
	}
	if cfg.SharedStages < 0 || cfg.SharedStages > cfg.NumLayers {
		exceptions.Panicf("discriminator SharedStages must be in [0, %d], got %d", cfg.NumLayers, cfg.SharedStages)
	}
	if cfg.Norm == NormRegion {
		exceptions.Panicf("discriminator does not take a mask-conditioned normalization, got %s", cfg.Norm)
	}
}
