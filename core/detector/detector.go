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

// Physical description of the area detector that recorded the diffraction
// patterns, and an observable holder for it
package detector

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/fileaccess"
	"github.com/xraylab/ptycho-patterns/core/geometry"
)

// Descriptor - stored detector config
type Descriptor struct {
	WidthPx           uint32  `json:"widthPx" yaml:"widthPx"`
	HeightPx          uint32  `json:"heightPx" yaml:"heightPx"`
	PixelWidthM       float64 `json:"pixelWidthM" yaml:"pixelWidthM"`
	PixelHeightM      float64 `json:"pixelHeightM" yaml:"pixelHeightM"`
	BitDepth          uint32  `json:"bitDepth" yaml:"bitDepth"`
	BadPixelsFile     string  `json:"badPixelsFile,omitempty" yaml:"badPixelsFile,omitempty"`
	BadPixelsFileType string  `json:"badPixelsFileType,omitempty" yaml:"badPixelsFileType,omitempty"`
}

// DefaultDescriptor - 1024x1024 detector with 75um pixels
func DefaultDescriptor() Descriptor {
	return Descriptor{
		WidthPx:           1024,
		HeightPx:          1024,
		PixelWidthM:       75e-6,
		PixelHeightM:      75e-6,
		BitDepth:          8,
		BadPixelsFileType: "TIFF_Bad_Pixels",
	}
}

func (d Descriptor) Validate() error {
	if d.WidthPx < 1 || d.HeightPx < 1 {
		return fmt.Errorf("detector extent must be at least 1x1, got %vx%v", d.WidthPx, d.HeightPx)
	}
	if d.BitDepth < 1 {
		return errors.New("detector bit depth must be at least 1")
	}
	if d.PixelWidthM < 0 || d.PixelHeightM < 0 {
		return fmt.Errorf("detector pixel size must not be negative, got %vx%v", d.PixelWidthM, d.PixelHeightM)
	}
	return nil
}

func (d Descriptor) Extent() geometry.ImageExtent {
	return geometry.ImageExtent{WidthPx: int(d.WidthPx), HeightPx: int(d.HeightPx)}
}

func (d Descriptor) PixelGeometry() geometry.PixelGeometry {
	return geometry.PixelGeometry{WidthM: d.PixelWidthM, HeightM: d.PixelHeightM}
}

// ReadDescriptor - Reads a detector configuration JSON file, fields not in the file keep their defaults
func ReadDescriptor(fs fileaccess.FileAccess, bucket string, path string) (Descriptor, error) {
	resp := DefaultDescriptor()
	err := fs.ReadJSON(bucket, path, &resp, false)
	if err != nil {
		if fs.IsNotFoundError(err) {
			return resp, errors.Wrapf(err, "detector config %v not found", path)
		}
		return resp, errors.Wrapf(err, "failed to read detector config %v", path)
	}

	return resp, resp.Validate()
}

// ChangeListener - called after the descriptor changed, with the before and after values
type ChangeListener func(previous Descriptor, current Descriptor)

// Detector - thread safe holder of the current Descriptor. Configuration changes are
// pushed to listeners after the lock is released, so listeners can read back freely
type Detector struct {
	mutex      sync.RWMutex
	descriptor Descriptor
	version    uint64

	listenerMutex sync.Mutex
	listeners     map[int]ChangeListener
	nextListener  int
}

func NewDetector(d Descriptor) (*Detector, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Detector{descriptor: d, listeners: map[int]ChangeListener{}}, nil
}

func (det *Detector) Descriptor() Descriptor {
	det.mutex.RLock()
	defer det.mutex.RUnlock()
	return det.descriptor
}

// Version - incremented on every change, lets derived values know when to recompute
func (det *Detector) Version() uint64 {
	det.mutex.RLock()
	defer det.mutex.RUnlock()
	return det.version
}

// DescriptorVersion - descriptor and the version it belongs to, read together
func (det *Detector) DescriptorVersion() (Descriptor, uint64) {
	det.mutex.RLock()
	defer det.mutex.RUnlock()
	return det.descriptor, det.version
}

func (det *Detector) Extent() geometry.ImageExtent {
	return det.Descriptor().Extent()
}

func (det *Detector) SetDescriptor(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	det.mutex.Lock()
	previous := det.descriptor
	if previous == d {
		det.mutex.Unlock()
		return nil
	}
	det.descriptor = d
	det.version++
	det.mutex.Unlock()

	det.notify(previous, d)
	return nil
}

func (det *Detector) SetExtent(widthPx uint32, heightPx uint32) error {
	d := det.Descriptor()
	d.WidthPx = widthPx
	d.HeightPx = heightPx
	return det.SetDescriptor(d)
}

func (det *Detector) SetPixelGeometry(g geometry.PixelGeometry) error {
	d := det.Descriptor()
	d.PixelWidthM = g.WidthM
	d.PixelHeightM = g.HeightM
	return det.SetDescriptor(d)
}

func (det *Detector) SetBitDepth(bitDepth uint32) error {
	d := det.Descriptor()
	d.BitDepth = bitDepth
	return det.SetDescriptor(d)
}

// SetBadPixelsFile - remembers where the current bad pixel map came from
func (det *Detector) SetBadPixelsFile(path string, fileType string) error {
	d := det.Descriptor()
	d.BadPixelsFile = path
	d.BadPixelsFileType = fileType
	return det.SetDescriptor(d)
}

// AddListener - returns a function that removes the listener again
func (det *Detector) AddListener(l ChangeListener) func() {
	det.listenerMutex.Lock()
	defer det.listenerMutex.Unlock()

	id := det.nextListener
	det.nextListener++
	det.listeners[id] = l

	return func() {
		det.listenerMutex.Lock()
		defer det.listenerMutex.Unlock()
		delete(det.listeners, id)
	}
}

func (det *Detector) notify(previous Descriptor, current Descriptor) {
	det.listenerMutex.Lock()
	listeners := make([]ChangeListener, 0, len(det.listeners))
	// Call in registration order
	for c := 0; c < det.nextListener; c++ {
		if l, ok := det.listeners[c]; ok {
			listeners = append(listeners, l)
		}
	}
	det.listenerMutex.Unlock()

	for _, l := range listeners {
		l(previous, current)
	}
}
