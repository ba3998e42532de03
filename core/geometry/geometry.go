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

// Image and detector geometry value types shared by the detector, sizing and
// dataset packages
package geometry

import (
	"fmt"

	"github.com/xraylab/ptycho-patterns/core/utils"
	"golang.org/x/exp/constraints"
)

// Interval - closed interval [Lower, Upper]
type Interval[T constraints.Integer | constraints.Float] struct {
	Lower T
	Upper T
}

func MakeInterval[T constraints.Integer | constraints.Float](lower T, upper T) Interval[T] {
	return Interval[T]{Lower: lower, Upper: upper}
}

// Clamp - returns value limited to the interval. For an empty interval (Upper < Lower) the lower bound wins,
// which keeps derived geometry anchored at the origin
func (i Interval[T]) Clamp(value T) T {
	return utils.Clamp(value, i.Lower, i.Upper)
}

func (i Interval[T]) Contains(value T) bool {
	return value >= i.Lower && value <= i.Upper
}

func (i Interval[T]) String() string {
	return fmt.Sprintf("[%v, %v]", i.Lower, i.Upper)
}

// ImageExtent - size of an image in pixels
type ImageExtent struct {
	WidthPx  int `json:"width" yaml:"width"`
	HeightPx int `json:"height" yaml:"height"`
}

func (e ImageExtent) NumPixels() int {
	return e.WidthPx * e.HeightPx
}

func (e ImageExtent) IsEmpty() bool {
	return e.WidthPx <= 0 || e.HeightPx <= 0
}

// Transposed - swaps width and height
func (e ImageExtent) Transposed() ImageExtent {
	return ImageExtent{WidthPx: e.HeightPx, HeightPx: e.WidthPx}
}

func (e ImageExtent) String() string {
	return fmt.Sprintf("%vW x %vH", e.WidthPx, e.HeightPx)
}

// PixelGeometry - physical size of one pixel in metres
type PixelGeometry struct {
	WidthM  float64 `json:"widthM" yaml:"widthM"`
	HeightM float64 `json:"heightM" yaml:"heightM"`
}

func (g PixelGeometry) Transposed() PixelGeometry {
	return PixelGeometry{WidthM: g.HeightM, HeightM: g.WidthM}
}

// CropCenter - pixel position of the centre of a crop window
type CropCenter struct {
	PositionXPx int64 `json:"x" yaml:"x"`
	PositionYPx int64 `json:"y" yaml:"y"`
}
