// Licensed to NASA JPL under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. NASA JPL licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package patterns

import (
	"math"

	"github.com/xraylab/ptycho-patterns/core/geometry"
)

// Upper limit on values in one processed array
const maxProcessedValues = math.MaxInt32

type axisWindow struct {
	start int
	bin   int
	size  int // after binning, before padding
	pad   int
	flip  bool
}

func makeAxisWindow(s AxisSizer) axisWindow {
	start, _ := s.CropBounds()
	return axisWindow{
		start: start,
		bin:   s.BinSize(),
		size:  s.BinnedSize(),
		pad:   s.PadSize(),
		flip:  s.Config().Flip,
	}
}

func (w axisWindow) paddedSize() int {
	return w.size + 2*w.pad
}

// Processor - immutable snapshot of the sizing transform, safe to share between loader workers.
// Applies value filter, bad pixel zeroing, crop, bin (sum), pad, flip X, flip Y then transpose
type Processor struct {
	detectorExtent geometry.ImageExtent
	x              axisWindow
	y              axisWindow
	transpose      bool

	hasLower bool
	lower    uint32
	hasUpper bool
	upper    uint32
}

func newProcessor(s Sizing) *Processor {
	p := &Processor{
		detectorExtent: s.DetectorExtent(),
		x:              makeAxisWindow(s.X),
		y:              makeAxisWindow(s.Y),
		transpose:      s.Transpose,
	}

	if s.config.ValueLowerBound != nil {
		p.hasLower = true
		p.lower = *s.config.ValueLowerBound
	}
	if s.config.ValueUpperBound != nil {
		p.hasUpper = true
		p.upper = *s.config.ValueUpperBound
	}
	return p
}

func (p *Processor) DetectorExtent() geometry.ImageExtent {
	return p.detectorExtent
}

func (p *Processor) ProcessedExtent() geometry.ImageExtent {
	extent := geometry.ImageExtent{WidthPx: p.x.paddedSize(), HeightPx: p.y.paddedSize()}
	if p.transpose {
		return extent.Transposed()
	}
	return extent
}

// destIndex - where padded pixel (px, py) lands in the output frame once flips and transpose are applied
func (p *Processor) destIndex(px int, py int) int {
	pw := p.x.paddedSize()
	ph := p.y.paddedSize()

	if p.x.flip {
		px = pw - 1 - px
	}
	if p.y.flip {
		py = ph - 1 - py
	}
	if p.transpose {
		return px*ph + py
	}
	return py*pw + px
}

// filter - values outside [lower, upper) are treated as no signal
func (p *Processor) filter(v uint32) uint32 {
	if p.hasLower && v < p.lower {
		return 0
	}
	if p.hasUpper && v >= p.upper {
		return 0
	}
	return v
}

// Process - produces the processed frames for raw detector frames. The mask is applied at detector
// resolution, it's ignored if it doesn't match the detector extent
func (p *Processor) Process(raw Patterns, mask *Mask) (Patterns, error) {
	if raw.Extent != p.detectorExtent {
		return Patterns{}, NewShapeMismatchError("frames are %v, detector is %v", raw.Extent, p.detectorExtent)
	}
	if len(raw.Values) != raw.NumFrames*raw.Extent.NumPixels() {
		return Patterns{}, NewShapeMismatchError("expected %v values for %v frames, got %v", raw.NumFrames*raw.Extent.NumPixels(), raw.NumFrames, len(raw.Values))
	}
	if raw.Indexes != nil && len(raw.Indexes) != raw.NumFrames {
		return Patterns{}, NewShapeMismatchError("%v indexes for %v frames", len(raw.Indexes), raw.NumFrames)
	}

	var bad []bool
	if mask != nil && mask.Extent == p.detectorExtent {
		bad = mask.Bad
	}

	outExtent := p.ProcessedExtent()
	outPixels := outExtent.NumPixels()
	if outPixels <= 0 || raw.NumFrames > maxProcessedValues/outPixels {
		return Patterns{}, NewShapeMismatchError("processed frames of %v are too large for %v frames", outExtent, raw.NumFrames)
	}
	inPixels := raw.Extent.NumPixels()
	rawWidth := raw.Extent.WidthPx

	result := Patterns{
		NumFrames: raw.NumFrames,
		Extent:    outExtent,
		Values:    make([]uint32, raw.NumFrames*outPixels),
		Indexes:   append([]int{}, raw.FrameIndexes()...),
	}

	for f := 0; f < raw.NumFrames; f++ {
		in := raw.Values[f*inPixels : (f+1)*inPixels]
		out := result.Values[f*outPixels : (f+1)*outPixels]

		for by := 0; by < p.y.size; by++ {
			y0 := p.y.start + by*p.y.bin
			for bx := 0; bx < p.x.size; bx++ {
				x0 := p.x.start + bx*p.x.bin

				var sum uint64
				for y := y0; y < y0+p.y.bin; y++ {
					row := y * rawWidth
					for x := x0; x < x0+p.x.bin; x++ {
						idx := row + x
						if bad != nil && bad[idx] {
							continue
						}
						sum += uint64(p.filter(in[idx]))
					}
				}

				if sum > math.MaxUint32 {
					sum = math.MaxUint32
				}
				out[p.destIndex(bx+p.x.pad, by+p.y.pad)] = uint32(sum)
			}
		}
	}

	return result, nil
}

// ProcessMask - maps a detector resolution mask into processed frame space. A binned pixel is bad only
// if every pixel binned into it is bad, padding is good
func (p *Processor) ProcessMask(mask *Mask) *Mask {
	if mask == nil || mask.Extent != p.detectorExtent {
		return nil
	}

	outExtent := p.ProcessedExtent()
	result := &Mask{Extent: outExtent, Bad: make([]bool, outExtent.NumPixels())}
	width := mask.Extent.WidthPx

	for by := 0; by < p.y.size; by++ {
		y0 := p.y.start + by*p.y.bin
		for bx := 0; bx < p.x.size; bx++ {
			x0 := p.x.start + bx*p.x.bin

			allBad := true
			for y := y0; y < y0+p.y.bin && allBad; y++ {
				for x := x0; x < x0+p.x.bin; x++ {
					if !mask.Bad[y*width+x] {
						allBad = false
						break
					}
				}
			}

			result.Bad[p.destIndex(bx+p.x.pad, by+p.y.pad)] = allBad
		}
	}

	return result
}
