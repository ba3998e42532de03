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

package formats

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/patterns"
	"github.com/xraylab/ptycho-patterns/core/utils"
	"golang.org/x/image/tiff"
)

var tiffExtensions = []string{".tif", ".tiff"}

// TIFFReader - a single TIFF file, or a directory of them. Each file is one array of one frame,
// decoded when the array is loaded
type TIFFReader struct {
}

// tiffArray - one file, one frame. Its index is its position in the directory listing
type tiffArray struct {
	loc   Location
	label string
	index int
}

func (a *tiffArray) Label() string {
	return a.label
}

func (a *tiffArray) NumPatterns() int {
	return 1
}

func (a *tiffArray) Load() (patterns.Patterns, error) {
	data, err := a.loc.Read()
	if err != nil {
		return patterns.Patterns{}, err
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return patterns.Patterns{}, errors.Wrapf(err, "failed to decode %v", a.loc)
	}
	p := imageToPatterns(img)
	p.Indexes = []int{a.index}
	return p, nil
}

func imageToPatterns(img image.Image) patterns.Patterns {
	bounds := img.Bounds()
	p := patterns.MakePatterns(1, geometry.ImageExtent{WidthPx: bounds.Dx(), HeightPx: bounds.Dy()})

	c := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			switch typed := img.(type) {
			case *image.Gray16:
				p.Values[c] = uint32(typed.Gray16At(x, y).Y)
			case *image.Gray:
				p.Values[c] = uint32(typed.GrayAt(x, y).Y)
			default:
				p.Values[c] = uint32(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
			}
			c++
		}
	}
	return p
}

func bitDepthOf(model color.Model) uint32 {
	switch model {
	case color.GrayModel:
		return 8
	case color.Gray16Model:
		return 16
	}
	return 16
}

func (r TIFFReader) Read(loc Location) (patterns.Dataset, error) {
	files := []string{}
	isFile, err := loc.IsFile()
	if err != nil {
		return nil, err
	}

	if isFile {
		files = append(files, loc.Path)
	} else {
		items, err := loc.ListDir()
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if hasExtension(item, tiffExtensions...) {
				files = append(files, item)
			}
		}
	}

	if len(files) <= 0 {
		return nil, errors.Errorf("no TIFF files found in %v", loc)
	}

	first := Location{FS: loc.FS, Bucket: loc.Bucket, Path: files[0]}
	data, err := first.Read()
	if err != nil {
		return nil, err
	}
	cfg, err := tiff.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read TIFF header of %v", first)
	}

	extent := geometry.ImageExtent{WidthPx: cfg.Width, HeightPx: cfg.Height}
	bitDepth := bitDepthOf(cfg.ColorModel)
	metadata := patterns.Metadata{
		DetectorExtent:   &extent,
		DetectorBitDepth: &bitDepth,
		FilePath:         loc.String(),
	}

	arrays := []patterns.DiffractionArray{}
	for c, f := range files {
		arrays = append(arrays, &tiffArray{loc: Location{FS: loc.FS, Bucket: loc.Bucket, Path: f}, label: baseName(f), index: c})
		metadata.NumPatternsPerArray = append(metadata.NumPatternsPerArray, 1)
	}

	return patterns.NewDataset(metadata, arrays, nil), nil
}

// TIFFWriter - one 16 bit greyscale TIFF per frame, named <label>_<frame>.tiff, in the directory given.
// Counts above 65535 are saturated
type TIFFWriter struct {
}

func (w TIFFWriter) Write(loc Location, snapshot patterns.AssembledSnapshot) error {
	for _, a := range snapshot.Arrays {
		label := utils.MakeSaveableFileName(a.Label)
		extent := a.Patterns.Extent

		for f := 0; f < a.Patterns.NumFrames; f++ {
			img := image.NewGray16(image.Rect(0, 0, extent.WidthPx, extent.HeightPx))
			frame := a.Patterns.Frame(f)
			for c, v := range frame {
				if v > math.MaxUint16 {
					v = math.MaxUint16
				}
				img.SetGray16(c%extent.WidthPx, c/extent.WidthPx, color.Gray16{Y: uint16(v)})
			}

			var buf bytes.Buffer
			if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
				return errors.Wrapf(err, "failed to encode %v frame %v", a.Label, f)
			}

			out := loc.Join(fmt.Sprintf("%v_%v.tiff", label, f))
			if err := out.FS.WriteObject(out.Bucket, out.Path, buf.Bytes()); err != nil {
				return errors.Wrapf(err, "failed to write %v", out)
			}
		}
	}
	return nil
}

// TIFFBadPixelsReader - any non-zero pixel is bad
type TIFFBadPixelsReader struct {
}

func (r TIFFBadPixelsReader) Read(loc Location) (*patterns.Mask, error) {
	data, err := loc.Read()
	if err != nil {
		return nil, err
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %v", loc)
	}

	p := imageToPatterns(img)
	mask := patterns.NewMask(p.Extent)
	for c, v := range p.Values {
		mask.Bad[c] = v != 0
	}
	return mask, nil
}
