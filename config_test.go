// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rainnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNormKind(t *testing.T) {
	for _, kind := range []NormKind{NormNone, NormBatch, NormInstance, NormRegion} {
		assert.Equal(t, kind, ParseNormKind(kind.String()))
	}
	assert.Panics(t, func() { ParseNormKind("spectral") })
	assert.Panics(t, func() { ParseNormKind("") })
}

func TestParseGANMode(t *testing.T) {
	for _, mode := range []GANMode{GANLeastSquares, GANVanilla, GANWasserstein} {
		assert.Equal(t, mode, ParseGANMode(mode.String()))
	}
	assert.Panics(t, func() { ParseGANMode("hinge") })
}

func TestParsePenaltyKind(t *testing.T) {
	for _, kind := range []PenaltyKind{PenaltyReal, PenaltyFake, PenaltyMixed} {
		assert.Equal(t, kind, ParsePenaltyKind(kind.String()))
	}
	assert.Panics(t, func() { ParsePenaltyKind("interpolated") })
}

func TestDefaultDiscriminatorConfig(t *testing.T) {
	cfg := DefaultDiscriminatorConfig()
	assert.NotPanics(t, cfg.Validate)
	// Branches get independent weights unless sharing is asked for.
	assert.Equal(t, 0, cfg.SharedStages)
}

func TestDefaultIndicator(t *testing.T) {
	indicator := DefaultIndicator()
	assert.Len(t, indicator, 2*(NumStages-1))
	for i, kind := range indicator {
		if i < NumStages-1 {
			assert.Equal(t, NormInstance, kind)
		} else {
			assert.Equal(t, NormRegion, kind)
		}
	}
}
