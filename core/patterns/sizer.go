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
	"fmt"
	"sync"

	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/utils"
)

// AxisSizer - derived crop/bin/pad geometry along one axis. Every size it reports is limited to what
// the detector extent allows, the config it was made from is never modified
type AxisSizer struct {
	extentPx   int
	pixelSizeM float64
	config     AxisProcessingConfig
}

func NewAxisSizer(extentPx int, pixelSizeM float64, config AxisProcessingConfig) AxisSizer {
	if extentPx < 1 {
		extentPx = 1
	}
	return AxisSizer{extentPx: extentPx, pixelSizeM: pixelSizeM, config: config}
}

func (s AxisSizer) DetectorExtentPx() int {
	return s.extentPx
}

func (s AxisSizer) Config() AxisProcessingConfig {
	return s.config
}

func (s AxisSizer) CropSizeLimits() geometry.Interval[int] {
	return geometry.MakeInterval(1, s.extentPx)
}

func (s AxisSizer) CropSize() int {
	if !s.config.CropEnabled {
		return s.extentPx
	}
	// Compare as int64, a uint32 config can exceed int on 32 bit platforms
	limits := s.CropSizeLimits()
	return int(utils.Clamp(int64(s.config.CropSizePx), int64(limits.Lower), int64(limits.Upper)))
}

// CropCenterLimits - range of centres that keep the whole crop window on the detector
func (s AxisSizer) CropCenterLimits() geometry.Interval[int64] {
	size := int64(s.CropSize())
	half := size / 2
	return geometry.MakeInterval(half, int64(s.extentPx)-size+half)
}

func (s AxisSizer) CropCenter() int64 {
	limits := s.CropCenterLimits()
	if !s.config.CropEnabled {
		return limits.Clamp(int64(s.extentPx / 2))
	}
	return limits.Clamp(s.config.CropCenterPx)
}

// CropBounds - half open pixel range [start, stop) of the crop window, always within [0, extent)
func (s AxisSizer) CropBounds() (int, int) {
	start := int(s.CropCenter()) - s.CropSize()/2
	return start, start + s.CropSize()
}

func (s AxisSizer) BinSizeLimits() geometry.Interval[int] {
	return geometry.MakeInterval(1, s.CropSize())
}

func (s AxisSizer) BinSize() int {
	if !s.config.BinEnabled {
		return 1
	}
	limits := s.BinSizeLimits()
	return int(utils.Clamp(int64(s.config.BinSizePx), int64(limits.Lower), int64(limits.Upper)))
}

// BinnedSize - size after binning, any remainder of the crop that doesn't fill a bin is dropped
func (s AxisSizer) BinnedSize() int {
	return s.CropSize() / s.BinSize()
}

func (s AxisSizer) PadSizeLimits() geometry.Interval[int] {
	return geometry.MakeInterval(0, s.extentPx)
}

// PadSize - pixels added on each side after binning, at most the detector extent
func (s AxisSizer) PadSize() int {
	if !s.config.PadEnabled {
		return 0
	}
	limits := s.PadSizeLimits()
	return int(utils.Clamp(int64(s.config.PadPx), int64(limits.Lower), int64(limits.Upper)))
}

func (s AxisSizer) ProcessedSize() int {
	return s.BinnedSize() + 2*s.PadSize()
}

func (s AxisSizer) ProcessedPixelSizeM() float64 {
	return s.pixelSizeM * float64(s.BinSize())
}

func (s AxisSizer) String() string {
	start, stop := s.CropBounds()
	return fmt.Sprintf("crop [%v, %v) bin %v pad %v -> %v", start, stop, s.BinSize(), s.PadSize(), s.ProcessedSize())
}

// SizerVersion - detector and settings versions a Sizing was derived from
type SizerVersion struct {
	Detector uint64
	Settings uint64
}

// Sizing - complete derived geometry for one detector descriptor and processing config
type Sizing struct {
	X         AxisSizer
	Y         AxisSizer
	Transpose bool
	Version   SizerVersion

	descriptor detector.Descriptor
	config     ProcessingConfig
}

func NewSizing(d detector.Descriptor, c ProcessingConfig) Sizing {
	return Sizing{
		X:          NewAxisSizer(int(d.WidthPx), d.PixelWidthM, c.X),
		Y:          NewAxisSizer(int(d.HeightPx), d.PixelHeightM, c.Y),
		Transpose:  c.Transpose,
		descriptor: d,
		config:     c.Clone(),
	}
}

func (s Sizing) DetectorExtent() geometry.ImageExtent {
	return s.descriptor.Extent()
}

func (s Sizing) DetectorPixelGeometry() geometry.PixelGeometry {
	return s.descriptor.PixelGeometry()
}

// ProcessedImageExtent - extent of a processed frame, axes swapped when transposing
func (s Sizing) ProcessedImageExtent() geometry.ImageExtent {
	extent := geometry.ImageExtent{WidthPx: s.X.ProcessedSize(), HeightPx: s.Y.ProcessedSize()}
	if s.Transpose {
		return extent.Transposed()
	}
	return extent
}

func (s Sizing) ProcessedPixelGeometry() geometry.PixelGeometry {
	g := geometry.PixelGeometry{WidthM: s.X.ProcessedPixelSizeM(), HeightM: s.Y.ProcessedPixelSizeM()}
	if s.Transpose {
		return g.Transposed()
	}
	return g
}

func (s Sizing) Processor() *Processor {
	return newProcessor(s)
}

// PatternSizer - derives the current Sizing from a detector and settings. The result is cached until
// either of their version counters moves
type PatternSizer struct {
	detector *detector.Detector
	settings *Settings

	mutex  sync.Mutex
	cached *Sizing
}

func NewPatternSizer(det *detector.Detector, settings *Settings) *PatternSizer {
	return &PatternSizer{detector: det, settings: settings}
}

func (s *PatternSizer) Current() Sizing {
	descriptor, detVersion := s.detector.DescriptorVersion()
	config, settingsVersion := s.settings.ProcessingVersion()
	version := SizerVersion{Detector: detVersion, Settings: settingsVersion}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cached != nil && s.cached.Version == version {
		return *s.cached
	}

	sizing := NewSizing(descriptor, config)
	sizing.Version = version
	s.cached = &sizing
	return sizing
}

func (s *PatternSizer) Version() SizerVersion {
	return s.Current().Version
}

func (s *PatternSizer) DetectorExtent() geometry.ImageExtent {
	return s.Current().DetectorExtent()
}

func (s *PatternSizer) ProcessedImageExtent() geometry.ImageExtent {
	return s.Current().ProcessedImageExtent()
}

func (s *PatternSizer) ProcessedPixelGeometry() geometry.PixelGeometry {
	return s.Current().ProcessedPixelGeometry()
}

func (s *PatternSizer) Processor() *Processor {
	return s.Current().Processor()
}
