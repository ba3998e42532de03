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
	"os"
	"path/filepath"
	"sync"

	"github.com/xraylab/ptycho-patterns/core/utils"
)

const (
	MinDataThreads = 1
	MaxDataThreads = 64
)

// AxisProcessingConfig - crop/bin/pad/flip settings for one image axis. Values are kept verbatim,
// range limiting happens when sizes are derived from them
type AxisProcessingConfig struct {
	CropEnabled  bool   `json:"cropEnabled" yaml:"cropEnabled"`
	CropCenterPx int64  `json:"cropCenterPx" yaml:"cropCenterPx"`
	CropSizePx   uint32 `json:"cropSizePx" yaml:"cropSizePx"`
	BinEnabled   bool   `json:"binEnabled" yaml:"binEnabled"`
	BinSizePx    uint32 `json:"binSizePx" yaml:"binSizePx"`
	PadEnabled   bool   `json:"padEnabled" yaml:"padEnabled"`
	PadPx        uint32 `json:"padPx" yaml:"padPx"`
	Flip         bool   `json:"flip" yaml:"flip"`
}

// ProcessingConfig - per axis config plus the settings shared by both axes
type ProcessingConfig struct {
	X               AxisProcessingConfig `json:"x" yaml:"x"`
	Y               AxisProcessingConfig `json:"y" yaml:"y"`
	Transpose       bool                 `json:"transpose" yaml:"transpose"`
	ValueLowerBound *uint32              `json:"valueLowerBound,omitempty" yaml:"valueLowerBound,omitempty"`
	ValueUpperBound *uint32              `json:"valueUpperBound,omitempty" yaml:"valueUpperBound,omitempty"`
}

func DefaultProcessingConfig() ProcessingConfig {
	axis := AxisProcessingConfig{
		CropEnabled:  true,
		CropCenterPx: 32,
		CropSizePx:   64,
		BinSizePx:    1,
	}
	return ProcessingConfig{X: axis, Y: axis}
}

// Clone - deep copy, the bounds are pointers
func (c ProcessingConfig) Clone() ProcessingConfig {
	result := c
	if c.ValueLowerBound != nil {
		v := *c.ValueLowerBound
		result.ValueLowerBound = &v
	}
	if c.ValueUpperBound != nil {
		v := *c.ValueUpperBound
		result.ValueUpperBound = &v
	}
	return result
}

// DatasetSettings - how the dataset loads and stores its arrays
type DatasetSettings struct {
	NumDataThreads         int    `json:"numDataThreads" yaml:"numDataThreads"`
	MemmapEnabled          bool   `json:"memmapEnabled" yaml:"memmapEnabled"`
	ScratchDirectory       string `json:"scratchDirectory" yaml:"scratchDirectory"`
	StreamingHighWaterMark int    `json:"streamingHighWaterMark" yaml:"streamingHighWaterMark"`
}

func DefaultDatasetSettings() DatasetSettings {
	scratch := ".ptycho-patterns"
	if home, err := os.UserHomeDir(); err == nil {
		scratch = filepath.Join(home, scratch)
	}

	return DatasetSettings{
		NumDataThreads:   8,
		ScratchDirectory: scratch,
	}
}

// Threads - NumDataThreads limited to the supported range
func (s DatasetSettings) Threads() int {
	return utils.Clamp(s.NumDataThreads, MinDataThreads, MaxDataThreads)
}

// HighWaterMark - queue depth above which streaming producers should back off. Defaults to 4 per thread
func (s DatasetSettings) HighWaterMark() int {
	if s.StreamingHighWaterMark > 0 {
		return s.StreamingHighWaterMark
	}
	return 4 * s.Threads()
}

// Settings - thread safe holder of the processing and dataset settings. Processing changes bump a version
// counter and are pushed to listeners after the lock is released
type Settings struct {
	mutex      sync.RWMutex
	processing ProcessingConfig
	dataset    DatasetSettings
	version    uint64

	listenerMutex sync.Mutex
	listeners     map[int]func()
	nextListener  int
}

func NewSettings(processing ProcessingConfig, dataset DatasetSettings) *Settings {
	return &Settings{
		processing: processing.Clone(),
		dataset:    dataset,
		listeners:  map[int]func(){},
	}
}

func (s *Settings) Processing() ProcessingConfig {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.processing.Clone()
}

// ProcessingVersion - config and the version it belongs to, read together
func (s *Settings) ProcessingVersion() (ProcessingConfig, uint64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.processing.Clone(), s.version
}

func (s *Settings) Version() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.version
}

func (s *Settings) SetProcessing(c ProcessingConfig) {
	s.mutex.Lock()
	s.processing = c.Clone()
	s.version++
	s.mutex.Unlock()

	s.notify()
}

// UpdateProcessing - read-modify-write of the processing config under one lock
func (s *Settings) UpdateProcessing(update func(c *ProcessingConfig)) {
	s.mutex.Lock()
	c := s.processing.Clone()
	update(&c)
	s.processing = c
	s.version++
	s.mutex.Unlock()

	s.notify()
}

func (s *Settings) Dataset() DatasetSettings {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.dataset
}

// SetDataset - takes effect from the next load pass, no notification
func (s *Settings) SetDataset(d DatasetSettings) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dataset = d
}

// OnProcessingChanged - returns a function that removes the listener again
func (s *Settings) OnProcessingChanged(l func()) func() {
	s.listenerMutex.Lock()
	defer s.listenerMutex.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l

	return func() {
		s.listenerMutex.Lock()
		defer s.listenerMutex.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Settings) notify() {
	s.listenerMutex.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for c := 0; c < s.nextListener; c++ {
		if l, ok := s.listeners[c]; ok {
			listeners = append(listeners, l)
		}
	}
	s.listenerMutex.Unlock()

	for _, l := range listeners {
		l()
	}
}
