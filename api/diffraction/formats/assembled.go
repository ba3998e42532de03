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

	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

// AssembledReader - reads a snapshot written by AssembledWriter or an export. Arrays come back fully
// loaded, already processed
type AssembledReader struct {
}

func (r AssembledReader) Read(loc Location) (patterns.Dataset, error) {
	data, err := loc.Read()
	if err != nil {
		return nil, err
	}

	snapshot, err := patterns.DecodeAssembled(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %v", loc)
	}

	metadata := patterns.Metadata{FilePath: loc.String()}
	arrays := []patterns.DiffractionArray{}
	for _, a := range snapshot.Arrays {
		arrays = append(arrays, patterns.NewMemoryArray(a.Label, a.Patterns))
		metadata.NumPatternsPerArray = append(metadata.NumPatternsPerArray, a.Patterns.NumFrames)
		if metadata.DetectorExtent == nil {
			extent := a.Patterns.Extent
			metadata.DetectorExtent = &extent
		}
	}

	return patterns.NewDataset(metadata, arrays, snapshot.BadPixels), nil
}

type AssembledWriter struct {
}

func (w AssembledWriter) Write(loc Location, snapshot patterns.AssembledSnapshot) error {
	var buf bytes.Buffer
	if err := patterns.EncodeAssembled(&buf, snapshot); err != nil {
		return err
	}
	return loc.FS.WriteObject(loc.Bucket, loc.Path, buf.Bytes())
}
