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
	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

// BadPixelsFile - JSON bad pixel list, coordinates are [x, y]
type BadPixelsFile struct {
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	BadPixels [][2]int `json:"badPixels"`
}

type JSONBadPixelsReader struct {
}

func (r JSONBadPixelsReader) Read(loc Location) (*patterns.Mask, error) {
	file := BadPixelsFile{}
	if err := loc.FS.ReadJSON(loc.Bucket, loc.Path, &file, false); err != nil {
		return nil, err
	}

	extent := geometry.ImageExtent{WidthPx: file.Width, HeightPx: file.Height}
	if extent.IsEmpty() {
		return nil, errors.Errorf("%v: invalid extent %v", loc, extent)
	}

	mask := patterns.NewMask(extent)
	for _, xy := range file.BadPixels {
		if xy[0] < 0 || xy[0] >= file.Width || xy[1] < 0 || xy[1] >= file.Height {
			return nil, errors.Errorf("%v: bad pixel %v not within %v", loc, xy, extent)
		}
		mask.SetBad(xy[0], xy[1], true)
	}
	return mask, nil
}
