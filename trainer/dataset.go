// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// SyntheticDataset yields batches of synthetic composite scenes for
// harmonization training. Each sample is a smooth random background
// ("real"), a copy of it where a random rectangle was color-shifted
// ("composite"), and the binary mask of that rectangle. The generator
// is trained to undo the shift, so the untouched background doubles as
// the reconstruction target.
//
// It is an infinite dataset: Yield never returns io.EOF and Reset is a
// no-op.
type SyntheticDataset struct {
	batchSize, imageSize int
	rng                  *rand.Rand
}

// NewSyntheticDataset creates a dataset yielding batches of batchSize
// images of imageSize x imageSize pixels. Values are in [-1, 1],
// channels-first. Same seed, same stream.
func NewSyntheticDataset(batchSize, imageSize int, seed uint64) *SyntheticDataset {
	if batchSize <= 0 || imageSize < 8 {
		exceptions.Panicf("NewSyntheticDataset: invalid batchSize=%d or imageSize=%d", batchSize, imageSize)
	}
	return &SyntheticDataset{
		batchSize: batchSize,
		imageSize: imageSize,
		rng:       rand.New(rand.NewPCG(seed, seed)),
	}
}

// Name implements train.Dataset.
func (ds *SyntheticDataset) Name() string {
	return fmt.Sprintf("synthetic-composites-%dx%d", ds.imageSize, ds.imageSize)
}

// Reset implements train.Dataset. The dataset is infinite, so there is
// nothing to rewind.
func (ds *SyntheticDataset) Reset() {}

// Yield implements train.Dataset. It returns inputs
// [real, composite, mask] with shapes [B, 3, S, S], [B, 3, S, S] and
// [B, 1, S, S]. Labels are nil, the real image already serves as
// target.
func (ds *SyntheticDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	b, s := ds.batchSize, ds.imageSize
	real := make([]float32, b*3*s*s)
	composite := make([]float32, b*3*s*s)
	mask := make([]float32, b*s*s)

	for img := 0; img < b; img++ {
		ds.fillBackground(real[img*3*s*s:])

		// Rectangle between 1/4 and 1/2 of the image on each side.
		w := s/4 + ds.rng.IntN(s/4+1)
		h := s/4 + ds.rng.IntN(s/4+1)
		x0 := ds.rng.IntN(s - w)
		y0 := ds.rng.IntN(s - h)
		for y := y0; y < y0+h; y++ {
			for x := x0; x < x0+w; x++ {
				mask[img*s*s+y*s+x] = 1
			}
		}

		for c := 0; c < 3; c++ {
			shift := float32(ds.rng.Float64() - 0.5)
			base := (img*3 + c) * s * s
			for p := 0; p < s*s; p++ {
				v := real[base+p]
				if mask[img*s*s+p] > 0 {
					v = clamp(v+shift, -1, 1)
				}
				composite[base+p] = v
			}
		}
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(real, b, 3, s, s),
		tensors.FromFlatDataAndDimensions(composite, b, 3, s, s),
		tensors.FromFlatDataAndDimensions(mask, b, 1, s, s),
	}
	return nil, inputs, nil, nil
}

// fillBackground writes one smooth random image, 3*S*S values in
// [-1, 1], as a sum of two low-frequency sinusoids per channel.
func (ds *SyntheticDataset) fillBackground(out []float32) {
	s := ds.imageSize
	for c := 0; c < 3; c++ {
		fx := 1 + ds.rng.Float64()*3
		fy := 1 + ds.rng.Float64()*3
		px := ds.rng.Float64() * 2 * math.Pi
		py := ds.rng.Float64() * 2 * math.Pi
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				v := math.Sin(fx*float64(x)/float64(s)*2*math.Pi+px) +
					math.Sin(fy*float64(y)/float64(s)*2*math.Pi+py)
				out[c*s*s+y*s+x] = float32(v / 2)
			}
		}
	}
}

func clamp(v, low, high float32) float32 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
