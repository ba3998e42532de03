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

package apiRouter

import (
	"strconv"

	"github.com/xraylab/ptycho-patterns/api/diffraction/plugins"
	"github.com/xraylab/ptycho-patterns/core/errorwithstatus"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

type DatasetSummary struct {
	Generation      uint64                 `json:"generation"`
	FilePath        string                 `json:"filePath,omitempty"`
	NumArrays       int                    `json:"numArrays"`
	NumPatterns     int                    `json:"numPatterns"`
	QueueSize       int                    `json:"queueSize"`
	States          map[string]int         `json:"states"`
	NumBadPixels    int                    `json:"numBadPixels"`
	DetectorExtent  geometry.ImageExtent   `json:"detectorExtent"`
	ProcessedExtent geometry.ImageExtent   `json:"processedExtent"`
	PixelGeometry   geometry.PixelGeometry `json:"processedPixelGeometry"`
	Info            string                 `json:"info"`
}

type ArrayStatus struct {
	Index       int                  `json:"index"`
	Label       string               `json:"label"`
	NumPatterns int                  `json:"numPatterns"`
	State       string               `json:"state"`
	Generation  uint64               `json:"generation"`
	Extent      geometry.ImageExtent `json:"extent"`
	SizeBytes   int64                `json:"sizeBytes"`
	Indexes     []int                `json:"indexes"`
}

type FileTypes struct {
	Readers          []plugins.Info `json:"readers"`
	Writers          []plugins.Info `json:"writers"`
	BadPixelsReaders []plugins.Info `json:"badPixelsReaders"`
}

func makeArrayStatus(v patterns.ArrayView) ArrayStatus {
	return ArrayStatus{
		Index:       v.Index(),
		Label:       v.Label(),
		NumPatterns: v.NumPatterns(),
		State:       v.State().String(),
		Generation:  v.Generation(),
		Extent:      v.Extent(),
		SizeBytes:   v.SizeBytes(),
		Indexes:     v.Indexes(),
	}
}

func getDatasetSummary(params HandlerParams) (interface{}, error) {
	d := params.Monitor.API.Dataset()
	sizer := d.Sizer()

	views := d.Views()
	summary := DatasetSummary{
		Generation:      d.Generation(),
		FilePath:        d.Metadata().FilePath,
		NumArrays:       len(views),
		QueueSize:       d.QueueSize(),
		States:          map[string]int{},
		NumBadPixels:    d.BadPixels().Count(),
		DetectorExtent:  sizer.DetectorExtent(),
		ProcessedExtent: sizer.ProcessedImageExtent(),
		PixelGeometry:   sizer.ProcessedPixelGeometry(),
		Info:            d.InfoText(),
	}

	for _, v := range views {
		summary.NumPatterns += v.NumPatterns()
		summary.States[v.State().Kind.String()]++
	}
	return summary, nil
}

func listArrays(params HandlerParams) (interface{}, error) {
	result := []ArrayStatus{}
	for _, v := range params.Monitor.API.Dataset().Views() {
		result = append(result, makeArrayStatus(v))
	}
	return result, nil
}

func getArray(params HandlerParams) (interface{}, error) {
	idx, err := strconv.Atoi(params.PathParams[IndexParamName])
	if err != nil {
		return nil, errorwithstatus.MakeBadRequestError(err)
	}

	v, err := params.Monitor.API.Dataset().Get(idx)
	if err != nil {
		return nil, err
	}
	return makeArrayStatus(v), nil
}

func getStatistics(params HandlerParams) (interface{}, error) {
	stats := params.Monitor.API.Dataset().Statistics()
	if stats == nil {
		return nil, errorwithstatus.MakeNotFoundError("statistics")
	}
	return stats, nil
}

func getFileTypes(params HandlerParams) (interface{}, error) {
	api := params.Monitor.API
	return FileTypes{
		Readers:          api.FileReaderTypes(),
		Writers:          api.FileWriterTypes(),
		BadPixelsReaders: api.BadPixelsReaderTypes(),
	}, nil
}
