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
	"sync"

	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/logger"
)

// BadPixels - owns the bad pixel mask for a detector. The mask is either absent or the same extent as
// the detector, when the detector extent changes under a mask it is cleared
type BadPixels struct {
	detector *detector.Detector
	log      logger.ILogger

	// Held across a change and the notification of it, so listeners see changes in order
	changeMutex sync.Mutex

	mutex sync.RWMutex
	mask  *Mask

	listenerMutex sync.Mutex
	listeners     map[int]func(count int)
	nextListener  int

	removeDetectorListener func()
}

func NewBadPixels(det *detector.Detector, log logger.ILogger) *BadPixels {
	b := &BadPixels{
		detector:  det,
		log:       log,
		listeners: map[int]func(int){},
	}
	b.removeDetectorListener = det.AddListener(b.onDetectorChanged)
	return b
}

// Close - stops following the detector
func (b *BadPixels) Close() {
	b.removeDetectorListener()
}

// Set - replaces the mask, nil clears it. Fails with ShapeMismatch if the mask isn't the detector extent,
// leaving the current mask as it was
func (b *BadPixels) Set(mask *Mask) error {
	b.changeMutex.Lock()
	defer b.changeMutex.Unlock()

	b.mutex.Lock()
	if mask != nil {
		extent := b.detector.Extent()
		if mask.Extent != extent || len(mask.Bad) != extent.NumPixels() {
			b.mutex.Unlock()
			return NewShapeMismatchError("bad pixel mask is %v, detector is %v", mask.Extent, extent)
		}
	}
	b.mask = mask
	b.mutex.Unlock()

	b.notify(mask.Count())
	return nil
}

func (b *BadPixels) Clear() {
	// Can't fail, nil always fits
	b.Set(nil)
}

func (b *BadPixels) Snapshot() *Mask {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.mask
}

func (b *BadPixels) Count() int {
	return b.Snapshot().Count()
}

// OnChanged - called with the new bad pixel count after every change. Returns a function to remove it
func (b *BadPixels) OnChanged(l func(count int)) func() {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	id := b.nextListener
	b.nextListener++
	b.listeners[id] = l

	return func() {
		b.listenerMutex.Lock()
		defer b.listenerMutex.Unlock()
		delete(b.listeners, id)
	}
}

func (b *BadPixels) onDetectorChanged(previous detector.Descriptor, current detector.Descriptor) {
	b.changeMutex.Lock()
	defer b.changeMutex.Unlock()

	b.mutex.Lock()
	if b.mask == nil || b.mask.Extent == current.Extent() {
		b.mutex.Unlock()
		return
	}
	b.log.Infof("Detector changed from %v to %v, clearing bad pixel mask", previous.Extent(), current.Extent())
	b.mask = nil
	b.mutex.Unlock()

	b.notify(0)
}

func (b *BadPixels) notify(count int) {
	b.listenerMutex.Lock()
	listeners := make([]func(int), 0, len(b.listeners))
	for c := 0; c < b.nextListener; c++ {
		if l, ok := b.listeners[c]; ok {
			listeners = append(listeners, l)
		}
	}
	b.listenerMutex.Unlock()

	for _, l := range listeners {
		l(count)
	}
}
