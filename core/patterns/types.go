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

	"github.com/xraylab/ptycho-patterns/core/geometry"
)

// Patterns - a stack of frames, row major, frame after frame. Indexes holds the scan point each frame
// was taken at, nil means 0 to NumFrames-1
type Patterns struct {
	NumFrames int
	Extent    geometry.ImageExtent
	Values    []uint32
	Indexes   []int
}

func MakePatterns(numFrames int, extent geometry.ImageExtent) Patterns {
	return Patterns{NumFrames: numFrames, Extent: extent, Values: make([]uint32, numFrames*extent.NumPixels())}
}

func (p Patterns) Frame(i int) []uint32 {
	n := p.Extent.NumPixels()
	return p.Values[i*n : (i+1)*n]
}

// FrameIndexes - Indexes, or the default numbering if there are none
func (p Patterns) FrameIndexes() []int {
	if p.Indexes != nil {
		return p.Indexes
	}
	result := make([]int, p.NumFrames)
	for c := range result {
		result[c] = c
	}
	return result
}

func (p Patterns) SizeBytes() int64 {
	return int64(len(p.Values)) * 4
}

// Mask - bad pixel map, true means bad. Treated as immutable once handed to a dataset
type Mask struct {
	Extent geometry.ImageExtent
	Bad    []bool
}

func NewMask(extent geometry.ImageExtent) *Mask {
	return &Mask{Extent: extent, Bad: make([]bool, extent.NumPixels())}
}

func (m *Mask) IsBad(x int, y int) bool {
	return m.Bad[y*m.Extent.WidthPx+x]
}

func (m *Mask) SetBad(x int, y int, bad bool) {
	m.Bad[y*m.Extent.WidthPx+x] = bad
}

func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	count := 0
	for _, b := range m.Bad {
		if b {
			count++
		}
	}
	return count
}

type StateKind int

const (
	NotLoaded StateKind = iota
	Loading
	Loaded
	Failed
)

func (k StateKind) String() string {
	switch k {
	case NotLoaded:
		return "NotLoaded"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// PatternState - load state of one array, Reason only set when Failed
type PatternState struct {
	Kind   StateKind
	Reason string
}

func (s PatternState) String() string {
	if s.Kind == Failed {
		return fmt.Sprintf("Failed(%v)", s.Reason)
	}
	return s.Kind.String()
}

// DiffractionArray - lazy handle to one array of raw frames. Load may be called more than once,
// from any goroutine, to reprocess with changed settings
type DiffractionArray interface {
	Label() string
	NumPatterns() int
	Load() (Patterns, error)
}

// MemoryArray - DiffractionArray over frames already in memory
type MemoryArray struct {
	label    string
	patterns Patterns
}

func NewMemoryArray(label string, p Patterns) *MemoryArray {
	return &MemoryArray{label: label, patterns: p}
}

func (a *MemoryArray) Label() string {
	return a.label
}

func (a *MemoryArray) NumPatterns() int {
	return a.patterns.NumFrames
}

func (a *MemoryArray) Load() (Patterns, error) {
	return a.patterns, nil
}

// LoaderArray - DiffractionArray that calls a function to get its frames
type LoaderArray struct {
	label       string
	numPatterns int
	load        func() (Patterns, error)
}

func NewLoaderArray(label string, numPatterns int, load func() (Patterns, error)) *LoaderArray {
	return &LoaderArray{label: label, numPatterns: numPatterns, load: load}
}

func (a *LoaderArray) Label() string {
	return a.label
}

func (a *LoaderArray) NumPatterns() int {
	return a.numPatterns
}

func (a *LoaderArray) Load() (Patterns, error) {
	return a.load()
}

// Metadata - what a reader learned about a dataset. Optional fields are nil when absent
type Metadata struct {
	NumPatternsPerArray   []int
	DetectorExtent        *geometry.ImageExtent
	DetectorPixelGeometry *geometry.PixelGeometry
	DetectorBitDepth      *uint32
	CropCenter            *geometry.CropCenter
	BeamEnergyEV          *float64
	BeamPhotonCount       *float64
	DetectorDistanceM     *float64
	ExposureTimeS         *float64
	TomographyAngleDeg    *float64
	FilePath              string
}

func (m Metadata) HasDetectorExtent() bool {
	return m.DetectorExtent != nil
}

func (m Metadata) HasDetectorPixelGeometry() bool {
	return m.DetectorPixelGeometry != nil
}

func (m Metadata) HasDetectorBitDepth() bool {
	return m.DetectorBitDepth != nil
}

func (m Metadata) HasCropCenter() bool {
	return m.CropCenter != nil
}

func (m Metadata) HasBeamEnergy() bool {
	return m.BeamEnergyEV != nil
}

func (m Metadata) HasBeamPhotonCount() bool {
	return m.BeamPhotonCount != nil
}

func (m Metadata) HasDetectorDistance() bool {
	return m.DetectorDistanceM != nil
}

func (m Metadata) HasExposureTime() bool {
	return m.ExposureTimeS != nil
}

func (m Metadata) HasTomographyAngle() bool {
	return m.TomographyAngleDeg != nil
}

func (m Metadata) NumPatternsTotal() int {
	total := 0
	for _, n := range m.NumPatternsPerArray {
		total += n
	}
	return total
}

// Validate - checks metadata against the arrays it came with. Counts may be given without arrays
// (streaming), but if both are present they must agree. Fails with InvalidMetadata
func (m Metadata) Validate(numArrays int) error {
	if numArrays > 0 && len(m.NumPatternsPerArray) > 0 && len(m.NumPatternsPerArray) != numArrays {
		return NewInvalidMetadataError("%v pattern counts for %v arrays", len(m.NumPatternsPerArray), numArrays)
	}
	for c, n := range m.NumPatternsPerArray {
		if n < 0 {
			return NewInvalidMetadataError("negative pattern count %v for array %v", n, c)
		}
	}
	if m.DetectorExtent != nil && m.DetectorExtent.IsEmpty() {
		return NewInvalidMetadataError("detector extent %v", *m.DetectorExtent)
	}
	if m.DetectorPixelGeometry != nil && (m.DetectorPixelGeometry.WidthM < 0 || m.DetectorPixelGeometry.HeightM < 0) {
		return NewInvalidMetadataError("negative detector pixel size")
	}
	if m.DetectorBitDepth != nil && *m.DetectorBitDepth < 1 {
		return NewInvalidMetadataError("detector bit depth %v", *m.DetectorBitDepth)
	}
	return nil
}

// Dataset - what a reader strategy produces
type Dataset interface {
	Metadata() Metadata
	Arrays() []DiffractionArray
	BadPixels() *Mask
}

type simpleDataset struct {
	metadata  Metadata
	arrays    []DiffractionArray
	badPixels *Mask
}

func NewDataset(metadata Metadata, arrays []DiffractionArray, badPixels *Mask) Dataset {
	return &simpleDataset{metadata: metadata, arrays: arrays, badPixels: badPixels}
}

func (d *simpleDataset) Metadata() Metadata {
	return d.metadata
}

func (d *simpleDataset) Arrays() []DiffractionArray {
	return d.arrays
}

func (d *simpleDataset) BadPixels() *Mask {
	return d.badPixels
}

type AccessorKind int

const (
	MeanOfFrames AccessorKind = iota
	SingleFrame
)

// Accessor - selects what ArrayView.Pattern returns
type Accessor struct {
	Kind  AccessorKind
	Frame int
}

func MeanPattern() Accessor {
	return Accessor{Kind: MeanOfFrames}
}

func FramePattern(i int) Accessor {
	return Accessor{Kind: SingleFrame, Frame: i}
}
