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
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ArrayStatistics - per frame counts of one array. A frame's count is the sum over its good pixels
type ArrayStatistics struct {
	Label     string
	NumFrames int
	MeanCount float64
	MaxCount  float64
	SumCount  float64
}

// Statistics - computed by AssemblePatterns over every loaded array. MeanCount is the mean frame count
// over all frames, MaxCount the largest frame count
type Statistics struct {
	Arrays       []ArrayStatistics
	NumFrames    int
	MeanCount    float64
	MaxCount     float64
	NumBadPixels int
}

type statisticsInput struct {
	label string
	store frameStore
}

func toFloats(values []uint32) []float64 {
	result := make([]float64, len(values))
	for c, v := range values {
		result[c] = float64(v)
	}
	return result
}

// meanFrame - per pixel mean over all frames
func meanFrame(p Patterns) []float64 {
	result := make([]float64, p.Extent.NumPixels())
	if p.NumFrames <= 0 {
		return result
	}

	for f := 0; f < p.NumFrames; f++ {
		floats.Add(result, toFloats(p.Frame(f)))
	}
	floats.Scale(1/float64(p.NumFrames), result)
	return result
}

// goodValues - values of pixels not flagged in the mask. The mask is ignored if it doesn't fit the frame
func goodValues(frame []uint32, mask *Mask) []float64 {
	if mask == nil || len(mask.Bad) != len(frame) {
		return toFloats(frame)
	}

	result := make([]float64, 0, len(frame))
	for c, v := range frame {
		if !mask.Bad[c] {
			result = append(result, float64(v))
		}
	}
	return result
}

// frameCounts - good pixel total of each frame, read one frame at a time so scratch backed arrays
// aren't pulled into memory whole
func frameCounts(store frameStore, processedMask *Mask) ([]float64, error) {
	counts := make([]float64, store.NumFrames())
	for f := range counts {
		frame, err := store.Frame(f)
		if err != nil {
			return nil, err
		}
		counts[f] = floats.Sum(goodValues(frame, processedMask))
	}
	return counts, nil
}

func computeStatistics(inputs []statisticsInput, processedMask *Mask) (*Statistics, error) {
	result := &Statistics{Arrays: []ArrayStatistics{}, NumBadPixels: processedMask.Count()}

	means := []float64{}
	weights := []float64{}

	for _, in := range inputs {
		counts, err := frameCounts(in.store, processedMask)
		if err != nil {
			return nil, err
		}

		s := ArrayStatistics{Label: in.label, NumFrames: len(counts)}
		if len(counts) > 0 {
			s.MeanCount = stat.Mean(counts, nil)
			s.MaxCount = floats.Max(counts)
			s.SumCount = floats.Sum(counts)

			means = append(means, s.MeanCount)
			weights = append(weights, float64(len(counts)))
		}

		if s.MaxCount > result.MaxCount {
			result.MaxCount = s.MaxCount
		}
		result.NumFrames += s.NumFrames
		result.Arrays = append(result.Arrays, s)
	}

	if len(means) > 0 {
		result.MeanCount = stat.Mean(means, weights)
	}
	return result, nil
}
