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
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/utils"
	"golang.org/x/exp/mmap"
)

const scratchFileExtension = ".frames"

var errReleased = errors.New("array storage has been released")

// frameStore - where a processed array lives once loaded
type frameStore interface {
	NumFrames() int
	Extent() geometry.ImageExtent
	SizeBytes() int64
	Indexes() []int
	Patterns() (Patterns, error)
	Frame(i int) ([]uint32, error)
	Release() error
}

type memoryFrames struct {
	patterns Patterns
}

func (m *memoryFrames) NumFrames() int {
	return m.patterns.NumFrames
}

func (m *memoryFrames) Extent() geometry.ImageExtent {
	return m.patterns.Extent
}

func (m *memoryFrames) SizeBytes() int64 {
	return m.patterns.SizeBytes()
}

func (m *memoryFrames) Indexes() []int {
	return m.patterns.FrameIndexes()
}

func (m *memoryFrames) Patterns() (Patterns, error) {
	return m.patterns, nil
}

func (m *memoryFrames) Frame(i int) ([]uint32, error) {
	return m.patterns.Frame(i), nil
}

func (m *memoryFrames) Release() error {
	return nil
}

// scratchFrames - frames written to a file in the scratch directory and read back through a memory map.
// Release unmaps and deletes the file, readers after that get errReleased
type scratchFrames struct {
	path      string
	numFrames int
	extent    geometry.ImageExtent
	indexes   []int

	mutex  sync.RWMutex
	reader *mmap.ReaderAt
}

func writeScratchFrames(dir string, p Patterns) (*scratchFrames, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create scratch directory %v", dir)
	}

	if available, err := utils.GetDiskAvailableBytes(dir); err == nil && available < uint64(p.SizeBytes()) {
		return nil, errors.Errorf("scratch directory %v has %v bytes free, need %v", dir, available, p.SizeBytes())
	}

	path := filepath.Join(dir, uuid.NewString()+scratchFileExtension)

	data := make([]byte, len(p.Values)*4)
	for c, v := range p.Values {
		binary.LittleEndian.PutUint32(data[c*4:], v)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write scratch file %v", path)
	}

	reader, err := mmap.Open(path)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "failed to map scratch file %v", path)
	}

	return &scratchFrames{path: path, numFrames: p.NumFrames, extent: p.Extent, indexes: p.FrameIndexes(), reader: reader}, nil
}

func (s *scratchFrames) NumFrames() int {
	return s.numFrames
}

func (s *scratchFrames) Extent() geometry.ImageExtent {
	return s.extent
}

func (s *scratchFrames) SizeBytes() int64 {
	return int64(s.numFrames) * int64(s.extent.NumPixels()) * 4
}

func (s *scratchFrames) Indexes() []int {
	return s.indexes
}

func (s *scratchFrames) read(firstValue int, count int) ([]uint32, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.reader == nil {
		return nil, errReleased
	}

	data := make([]byte, count*4)
	if _, err := s.reader.ReadAt(data, int64(firstValue)*4); err != nil {
		return nil, errors.Wrapf(err, "failed to read scratch file %v", s.path)
	}

	values := make([]uint32, count)
	for c := range values {
		values[c] = binary.LittleEndian.Uint32(data[c*4:])
	}
	return values, nil
}

func (s *scratchFrames) Patterns() (Patterns, error) {
	values, err := s.read(0, s.numFrames*s.extent.NumPixels())
	if err != nil {
		return Patterns{}, err
	}
	return Patterns{NumFrames: s.numFrames, Extent: s.extent, Values: values, Indexes: s.indexes}, nil
}

func (s *scratchFrames) Frame(i int) ([]uint32, error) {
	n := s.extent.NumPixels()
	return s.read(i*n, n)
}

func (s *scratchFrames) Release() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.reader == nil {
		return nil
	}

	err := s.reader.Close()
	s.reader = nil

	if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// storeFrames - keeps frames in memory, or in the scratch directory if one is given
func storeFrames(scratchDir string, p Patterns) (frameStore, error) {
	if len(scratchDir) <= 0 {
		return &memoryFrames{patterns: p}, nil
	}
	return writeScratchFrames(scratchDir, p)
}
