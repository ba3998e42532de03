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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/logger"
)

func identityConfig() ProcessingConfig {
	axis := AxisProcessingConfig{CropSizePx: 1, BinSizePx: 1}
	return ProcessingConfig{X: axis, Y: axis}
}

func testDescriptor(width uint32, height uint32) detector.Descriptor {
	return detector.Descriptor{WidthPx: width, HeightPx: height, PixelWidthM: 1e-4, PixelHeightM: 1e-4, BitDepth: 16}
}

type testSetup struct {
	dataset   *AssembledDataset
	detector  *detector.Detector
	settings  *Settings
	badPixels *BadPixels
	metrics   *Metrics
	events    *eventRecorder
}

func makeTestSetup(width uint32, height uint32, config ProcessingConfig, ds DatasetSettings) testSetup {
	det, err := detector.NewDetector(testDescriptor(width, height))
	if err != nil {
		panic(err)
	}

	log := &logger.NullLogger{}
	settings := NewSettings(config, ds)
	bp := NewBadPixels(det, log)
	metrics := NewMetrics(prometheus.NewRegistry())
	d := NewAssembledDataset(det, settings, bp, metrics, log)

	events := &eventRecorder{}
	d.AddEventSink(events)

	return testSetup{dataset: d, detector: det, settings: settings, badPixels: bp, metrics: metrics, events: events}
}

// rampFrames - frames where each value is base + its index in the stack
func rampFrames(frames int, width int, height int, base uint32) Patterns {
	p := MakePatterns(frames, geometry.ImageExtent{WidthPx: width, HeightPx: height})
	for c := range p.Values {
		p.Values[c] = base + uint32(c)
	}
	return p
}

func constFrames(frames int, width int, height int, value uint32) Patterns {
	p := MakePatterns(frames, geometry.ImageExtent{WidthPx: width, HeightPx: height})
	for c := range p.Values {
		p.Values[c] = value
	}
	return p
}

func printFrame(values []uint32, width int) {
	for c := 0; c < len(values); c += width {
		fmt.Println(values[c : c+width])
	}
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Events() []Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Event{}, r.events...)
}

func (r *eventRecorder) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = nil
}

func (r *eventRecorder) Count(kind EventKind) int {
	count := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			count++
		}
	}
	return count
}

// blockingArray - Load waits until release is closed
func blockingArray(label string, p Patterns, release chan struct{}) DiffractionArray {
	return NewLoaderArray(label, p.NumFrames, func() (Patterns, error) {
		<-release
		return p, nil
	})
}

func countStates(d *AssembledDataset) map[StateKind]int {
	result := map[StateKind]int{}
	for _, v := range d.Views() {
		result[v.State().Kind]++
	}
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v", what)
		}
		time.Sleep(time.Millisecond)
	}
}
