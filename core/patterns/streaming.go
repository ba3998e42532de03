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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionState int

const (
	sessionCreated sessionState = iota
	sessionStarted
	sessionStopped
)

const capacityPollInterval = 10 * time.Millisecond

// StreamingSession - feeds arrays from an external producer into a dataset. Start reloads the dataset
// with the session metadata, Stop waits for everything appended to settle and assembles.
//
// The session never blocks producers. QueueSize and AboveHighWaterMark tell them when to back off,
// WaitForCapacity is there for producers that want to block
type StreamingSession struct {
	id            string
	dataset       *AssembledDataset
	metadata      Metadata
	highWaterMark int

	mutex sync.Mutex
	state sessionState
}

func NewStreamingSession(d *AssembledDataset, metadata Metadata) *StreamingSession {
	return &StreamingSession{
		id:            uuid.NewString(),
		dataset:       d,
		metadata:      metadata,
		highWaterMark: d.settings.Dataset().HighWaterMark(),
	}
}

func (s *StreamingSession) ID() string {
	return s.id
}

func (s *StreamingSession) HighWaterMark() int {
	return s.highWaterMark
}

func (s *StreamingSession) checkStarted() error {
	switch s.state {
	case sessionCreated:
		return newError(SessionNotStarted, "session %v", s.id)
	case sessionStopped:
		return newError(SessionClosed, "session %v", s.id)
	}
	return nil
}

// Start - no-op if already started
func (s *StreamingSession) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.state {
	case sessionStarted:
		return nil
	case sessionStopped:
		return newError(SessionClosed, "session %v", s.id)
	}

	if err := s.dataset.Reload(NewDataset(s.metadata, nil, nil)); err != nil {
		return err
	}
	s.dataset.StartLoading()
	s.state = sessionStarted

	s.dataset.log.Infof("Streaming session %v started", s.id)
	return nil
}

func (s *StreamingSession) AppendArray(a DiffractionArray) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.checkStarted(); err != nil {
		return err
	}
	s.dataset.AppendArray(a)
	return nil
}

// QueueSize - arrays appended but not yet processed and committed
func (s *StreamingSession) QueueSize() (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == sessionStopped {
		return 0, newError(SessionClosed, "session %v", s.id)
	}
	return s.dataset.QueueSize(), nil
}

func (s *StreamingSession) AboveHighWaterMark() (bool, error) {
	n, err := s.QueueSize()
	if err != nil {
		return false, err
	}
	return n > s.highWaterMark, nil
}

// WaitForCapacity - blocks until the queue is at or below the high water mark, or ctx is done
func (s *StreamingSession) WaitForCapacity(ctx context.Context) error {
	ticker := time.NewTicker(capacityPollInterval)
	defer ticker.Stop()

	for {
		above, err := s.AboveHighWaterMark()
		if err != nil || !above {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop - waits for all appended arrays to settle, then assembles. Blocks
func (s *StreamingSession) Stop() error {
	s.mutex.Lock()
	if err := s.checkStarted(); err != nil {
		s.mutex.Unlock()
		return err
	}
	s.state = sessionStopped
	s.mutex.Unlock()

	s.dataset.FinishLoading(true)
	err := s.dataset.AssemblePatterns()

	s.dataset.log.Infof("Streaming session %v stopped with %v arrays", s.id, s.dataset.Len())
	return err
}
