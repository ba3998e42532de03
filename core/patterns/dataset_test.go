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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/xraylab/ptycho-patterns/core/geometry"
)

func Example_datasetLoad() {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	arrays := []DiffractionArray{
		NewMemoryArray("first", rampFrames(2, 4, 4, 0)),
		NewMemoryArray("second", constFrames(1, 4, 4, 7)),
	}
	fmt.Println(d.Reload(NewDataset(Metadata{}, arrays, nil)))
	fmt.Println(d.Len(), countStates(d)[NotLoaded])

	d.StartLoading()
	d.FinishLoading(true)
	fmt.Println(countStates(d)[Loaded], d.QueueSize())

	v, _ := d.Get(1)
	fmt.Println(v.Label(), v.NumPatterns(), v.State(), v.Extent())
	fmt.Println(d.InfoText())

	_, err := d.Get(2)
	fmt.Println(err)
	_, err = d.Get(-1)
	fmt.Println(errors.Is(err, ErrIndexOutOfRange))

	d.Clear()
	fmt.Println(d.Len())

	// Output:
	// <nil>
	// 2 2
	// 2 0
	// second 1 Loaded 4W x 4H
	// first: 2 x 4 x 4 uint32 [0.00MB]
	// second: 1 x 4 x 4 uint32 [0.00MB]
	// index out of range: index 2 not in [0, 2)
	// true
	// 0
}

func Example_arrayViewPattern() {
	setup := makeTestSetup(2, 2, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	p := MakePatterns(2, geometry.ImageExtent{WidthPx: 2, HeightPx: 2})
	copy(p.Values, []uint32{1, 2, 3, 4, 3, 4, 5, 6})
	d.Reload(NewDataset(Metadata{}, []DiffractionArray{NewMemoryArray("a", p)}, nil))

	v, _ := d.Get(0)
	_, err := v.Pattern(MeanPattern())
	fmt.Println(err)

	d.StartLoading()
	d.FinishLoading(true)
	v, _ = d.Get(0)

	fmt.Println(v.Pattern(MeanPattern()))
	fmt.Println(v.Pattern(FramePattern(1)))
	_, err = v.Pattern(FramePattern(2))
	fmt.Println(err)

	// Output:
	// incomplete dataset: array a is NotLoaded
	// [2 3 4 5] <nil>
	// [3 4 5 6] <nil>
	// index out of range: frame 2 not in [0, 2)
}

func Test_ReloadInvalidMetadata(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	d.Reload(NewDataset(Metadata{}, []DiffractionArray{NewMemoryArray("a", constFrames(1, 4, 4, 1))}, nil))

	arrays := []DiffractionArray{NewMemoryArray("x", constFrames(1, 4, 4, 1))}
	bad := []Metadata{
		{NumPatternsPerArray: []int{1, 2}},
		{NumPatternsPerArray: []int{-1}},
		{DetectorExtent: &geometry.ImageExtent{WidthPx: 0, HeightPx: 4}},
	}
	for c, m := range bad {
		err := d.Reload(NewDataset(m, arrays, nil))
		if !errors.Is(err, ErrInvalidMetadata) {
			t.Errorf("%v: expected invalid metadata, got %v", c, err)
		}
	}

	// Failed reloads leave the dataset alone
	if d.Len() != 1 {
		t.Errorf("dataset changed by failed reload")
	}
	if setup.events.Count(DatasetReloaded) != 1 {
		t.Errorf("unexpected events %v", setup.events.Events())
	}
}

func Test_MetadataPresence(t *testing.T) {
	energy := 8000.0
	m := Metadata{NumPatternsPerArray: []int{3, 4}, BeamEnergyEV: &energy, DetectorExtent: &geometry.ImageExtent{WidthPx: 4, HeightPx: 4}}

	if !m.HasBeamEnergy() || !m.HasDetectorExtent() {
		t.Errorf("expected fields present")
	}
	if m.HasDetectorDistance() || m.HasExposureTime() || m.HasCropCenter() || m.HasBeamPhotonCount() || m.HasDetectorPixelGeometry() || m.HasDetectorBitDepth() || m.HasTomographyAngle() {
		t.Errorf("expected fields absent")
	}
	if m.NumPatternsTotal() != 7 {
		t.Errorf("unexpected total %v", m.NumPatternsTotal())
	}
}

func Test_StartLoadingIsIdempotent(t *testing.T) {
	ds := DefaultDatasetSettings()
	ds.NumDataThreads = 3
	setup := makeTestSetup(4, 4, identityConfig(), ds)
	d := setup.dataset

	var loads int32
	arrays := []DiffractionArray{}
	for c := 0; c < 10; c++ {
		p := constFrames(2, 4, 4, uint32(c))
		arrays = append(arrays, NewLoaderArray(fmt.Sprintf("a%v", c), 2, func() (Patterns, error) {
			atomic.AddInt32(&loads, 1)
			return p, nil
		}))
	}

	if err := d.Reload(NewDataset(Metadata{}, arrays, nil)); err != nil {
		t.Fatal(err)
	}
	d.StartLoading()
	d.StartLoading()
	d.FinishLoading(true)
	d.StartLoading()
	d.FinishLoading(true)

	if atomic.LoadInt32(&loads) != 10 {
		t.Errorf("expected 10 loads, got %v", loads)
	}

	frames := 0
	for _, v := range d.Views() {
		if v.State().Kind != Loaded {
			t.Errorf("%v: unexpected state %v", v.Label(), v.State())
		}
		frames += v.NumPatterns()
	}
	if frames != 20 {
		t.Errorf("expected 20 frames, got %v", frames)
	}

	if setup.events.Count(ArrayChanged) != 10 || setup.events.Count(ArrayInserted) != 0 {
		t.Errorf("unexpected events %v", setup.events.Events())
	}
	if v := testutil.ToFloat64(setup.metrics.ArraysProcessed.WithLabelValues(resultLoaded)); v != 10 {
		t.Errorf("expected 10 loaded in metrics, got %v", v)
	}
	if v := testutil.ToFloat64(setup.metrics.QueueDepth); v != 0 {
		t.Errorf("expected empty queue gauge, got %v", v)
	}
}

func Test_FailedArraysDontStopLoading(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	arrays := []DiffractionArray{
		NewMemoryArray("good", constFrames(1, 4, 4, 1)),
		NewLoaderArray("broken", 1, func() (Patterns, error) { return Patterns{}, errors.New("disk on fire") }),
		NewMemoryArray("wrong size", constFrames(1, 5, 5, 1)),
		NewMemoryArray("also good", constFrames(3, 4, 4, 2)),
	}
	d.Reload(NewDataset(Metadata{}, arrays, nil))
	d.StartLoading()
	d.FinishLoading(true)

	states := []PatternState{}
	for _, v := range d.Views() {
		states = append(states, v.State())
	}

	if states[0].Kind != Loaded || states[3].Kind != Loaded {
		t.Errorf("unexpected states %v", states)
	}
	if states[1].Kind != Failed || !strings.Contains(states[1].Reason, "read failed") || !strings.Contains(states[1].Reason, "disk on fire") {
		t.Errorf("unexpected state for broken array %v", states[1])
	}
	if states[2].Kind != Failed || !strings.Contains(states[2].Reason, "shape mismatch") {
		t.Errorf("unexpected state for wrong size array %v", states[2])
	}

	if err := d.AssemblePatterns(); err != nil {
		t.Fatal(err)
	}
	stats := d.Statistics()
	if stats == nil || len(stats.Arrays) != 2 || stats.NumFrames != 4 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	// Frame counts are 16 for the first array, 32 for each frame of the second
	if stats.MaxCount != 32 || stats.Arrays[0].MeanCount != 16 || stats.Arrays[1].SumCount != 96 {
		t.Errorf("unexpected statistics %+v", stats)
	}
	if stats.MeanCount != 28 {
		t.Errorf("unexpected mean %v", stats.MeanCount)
	}
	if v := testutil.ToFloat64(setup.metrics.ArraysProcessed.WithLabelValues(resultFailed)); v != 2 {
		t.Errorf("expected 2 failed in metrics, got %v", v)
	}
}

func Test_AssembleWhileLoading(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	release := make(chan struct{})
	d.Reload(NewDataset(Metadata{}, []DiffractionArray{blockingArray("slow", constFrames(1, 4, 4, 1), release)}, nil))
	d.StartLoading()

	err := d.AssemblePatterns()
	if !errors.Is(err, ErrIncompleteDataset) {
		t.Errorf("expected incomplete dataset, got %v", err)
	}
	if d.QueueSize() != 1 {
		t.Errorf("expected 1 queued, got %v", d.QueueSize())
	}

	close(release)
	d.FinishLoading(true)

	if err := d.AssemblePatterns(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if d.QueueSize() != 0 {
		t.Errorf("expected empty queue, got %v", d.QueueSize())
	}
}

func Test_ReloadCancelsLoading(t *testing.T) {
	ds := DefaultDatasetSettings()
	ds.NumDataThreads = 10
	setup := makeTestSetup(4, 4, identityConfig(), ds)
	d := setup.dataset

	release := make(chan struct{})
	arrays := []DiffractionArray{}
	for c := 0; c < 10; c++ {
		p := constFrames(1, 4, 4, uint32(c))
		if c%3 == 1 {
			arrays = append(arrays, blockingArray(fmt.Sprintf("slow%v", c), p, release))
		} else {
			arrays = append(arrays, NewMemoryArray(fmt.Sprintf("fast%v", c), p))
		}
	}

	d.Reload(NewDataset(Metadata{}, arrays, nil))
	d.StartLoading()
	waitFor(t, "fast arrays to load", func() bool { return countStates(d)[Loaded] == 7 })

	if countStates(d)[Loading] != 3 {
		t.Fatalf("expected 3 loading, got %v", countStates(d))
	}

	oldGeneration := d.Generation()
	done := make(chan error)
	go func() {
		done <- d.Reload(NewDataset(Metadata{}, []DiffractionArray{NewMemoryArray("new", constFrames(1, 4, 4, 99))}, nil))
	}()

	// Let the old workers finish only once the reload has happened
	waitFor(t, "reload", func() bool { return d.Generation() != oldGeneration })
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	d.StartLoading()
	d.FinishLoading(true)

	events := setup.events.Events()
	reloadedAt := -1
	for c, e := range events {
		if e.Kind == DatasetReloaded && e.Generation != oldGeneration {
			reloadedAt = c
		}
	}
	if reloadedAt < 0 {
		t.Fatalf("no reload event in %v", events)
	}
	for _, e := range events[reloadedAt+1:] {
		if e.Generation == oldGeneration {
			t.Errorf("stale event %v delivered after reload", e)
		}
	}

	if d.Len() != 1 {
		t.Fatalf("expected 1 array, got %v", d.Len())
	}
	v, _ := d.Get(0)
	p, err := v.Patterns()
	if err != nil || v.Label() != "new" || p.Values[0] != 99 {
		t.Errorf("unexpected array %v %v %v", v.Label(), v.State(), err)
	}
	if n := testutil.ToFloat64(setup.metrics.ArraysProcessed.WithLabelValues(resultDiscarded)); n != 3 {
		t.Errorf("expected 3 discarded, got %v", n)
	}
}

func Test_AppendArrayFillsPlaceholders(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	if err := d.Reload(NewDataset(Metadata{NumPatternsPerArray: []int{1, 1}}, nil, nil)); err != nil {
		t.Fatal(err)
	}
	d.StartLoading()
	if countStates(d)[NotLoaded] != 2 {
		t.Fatalf("placeholders should stay NotLoaded")
	}

	indexes := []int{}
	for c := 0; c < 3; c++ {
		indexes = append(indexes, d.AppendArray(NewMemoryArray(fmt.Sprintf("s%v", c), constFrames(1, 4, 4, 1))))
	}
	if fmt.Sprint(indexes) != "[0 1 2]" || d.Len() != 3 {
		t.Errorf("unexpected indexes %v, len %v", indexes, d.Len())
	}

	d.FinishLoading(true)

	if countStates(d)[Loaded] != 3 {
		t.Errorf("unexpected states %v", countStates(d))
	}
	if setup.events.Count(ArrayChanged) != 2 || setup.events.Count(ArrayInserted) != 1 {
		t.Errorf("unexpected events %v", setup.events.Events())
	}
	for _, e := range setup.events.Events() {
		if e.Kind == ArrayInserted && e.Index != 2 {
			t.Errorf("unexpected insert %v", e)
		}
	}
	v, _ := d.Get(1)
	if v.Label() != "s1" {
		t.Errorf("unexpected label %v", v.Label())
	}
}

func Test_SettingsChangeReprocesses(t *testing.T) {
	setup := makeTestSetup(8, 8, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	d.Reload(NewDataset(Metadata{}, []DiffractionArray{NewMemoryArray("a", constFrames(2, 8, 8, 3))}, nil))
	d.StartLoading()
	d.FinishLoading(true)

	setup.settings.UpdateProcessing(func(c *ProcessingConfig) {
		c.X.BinEnabled = true
		c.X.BinSizePx = 2
		c.Y = c.X
		c.X.PadEnabled = true
		c.X.PadPx = 1
	})
	d.FinishLoading(true)

	v, _ := d.Get(0)
	if v.State().Kind != Loaded || v.Extent().String() != "6W x 4H" {
		t.Fatalf("unexpected view %v %v", v.State(), v.Extent())
	}
	p, _ := v.Patterns()
	if p.Values[0] != 0 || p.Values[1] != 12 {
		t.Errorf("unexpected values %v", p.Frame(0))
	}
	if setup.events.Count(ArrayChanged) != 2 {
		t.Errorf("unexpected events %v", setup.events.Events())
	}

	// Detector extent change, frames no longer fit so the reprocess fails and the old data stays
	setup.detector.SetExtent(4, 4)
	d.FinishLoading(true)
	v, _ = d.Get(0)
	if v.State().Kind != Loaded || v.Extent().String() != "6W x 4H" {
		t.Errorf("unexpected view after detector change %v %v", v.State(), v.Extent())
	}
}

func Test_ScratchFilesCleanedUp(t *testing.T) {
	dir := t.TempDir()
	ds := DefaultDatasetSettings()
	ds.MemmapEnabled = true
	ds.ScratchDirectory = dir
	setup := makeTestSetup(4, 4, identityConfig(), ds)
	d := setup.dataset

	scratchFiles := func() int {
		files, err := filepath.Glob(filepath.Join(dir, "*"+scratchFileExtension))
		if err != nil {
			t.Fatal(err)
		}
		return len(files)
	}

	arrays := []DiffractionArray{}
	for c := 0; c < 3; c++ {
		arrays = append(arrays, NewMemoryArray(fmt.Sprintf("a%v", c), rampFrames(2, 4, 4, uint32(c*100))))
	}
	d.Reload(NewDataset(Metadata{}, arrays, nil))
	d.StartLoading()
	d.FinishLoading(true)

	if n := scratchFiles(); n != 3 {
		t.Fatalf("expected 3 scratch files, got %v", n)
	}

	v, _ := d.Get(2)
	p, err := v.Patterns()
	if err != nil {
		t.Fatal(err)
	}
	expected := rampFrames(2, 4, 4, 200)
	for c := range expected.Values {
		if p.Values[c] != expected.Values[c] {
			t.Fatalf("value %v: expected %v, got %v", c, expected.Values[c], p.Values[c])
		}
	}
	frame, err := v.Pattern(FramePattern(1))
	if err != nil || frame[0] != 216 {
		t.Errorf("unexpected frame %v %v", frame, err)
	}

	// Reprocessing replaces files rather than adding to them
	setup.settings.UpdateProcessing(func(c *ProcessingConfig) { c.X.Flip = true })
	d.FinishLoading(true)
	if n := scratchFiles(); n != 3 {
		t.Errorf("expected 3 scratch files after reprocess, got %v", n)
	}

	d.Clear()
	if n := scratchFiles(); n != 0 {
		t.Errorf("expected no scratch files after clear, got %v", n)
	}
	if _, err := v.Patterns(); err == nil {
		t.Errorf("expected error reading released array")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("scratch directory not empty: %v", entries)
	}
}

func Test_FinishLoadingWaitsForRescheduledArrays(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	first := make(chan struct{})
	second := make(chan struct{})
	var loads int32
	p := rampFrames(1, 4, 4, 0)
	d.AppendArray(NewLoaderArray("a", 1, func() (Patterns, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			<-first
		} else {
			<-second
		}
		return p, nil
	}))

	waitFor(t, "first load", func() bool { return atomic.LoadInt32(&loads) == 1 })

	done := make(chan struct{})
	go func() {
		d.FinishLoading(true)
		close(done)
	}()

	// Settings change once the first pass has been closed, so the reprocess goes to a new loader
	waitFor(t, "loader to be finished", func() bool {
		d.mutex.Lock()
		defer d.mutex.Unlock()
		return d.loader == nil
	})
	setup.settings.UpdateProcessing(func(c *ProcessingConfig) { c.X.Flip = true })
	close(first)

	waitFor(t, "second load", func() bool { return atomic.LoadInt32(&loads) == 2 })
	select {
	case <-done:
		t.Fatalf("FinishLoading returned with a load outstanding, state %v", countStates(d))
	case <-time.After(20 * time.Millisecond):
	}

	close(second)
	<-done

	v, _ := d.Get(0)
	if v.State().Kind != Loaded || d.QueueSize() != 0 {
		t.Fatalf("after blocking finish: state %v, queue %v", v.State(), d.QueueSize())
	}
	if err := d.AssemblePatterns(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	values, _ := v.Patterns()
	if values.Values[0] != 3 {
		t.Errorf("expected flipped frame, got %v", values.Frame(0))
	}
}

func Test_AppendAfterLoaderClosed(t *testing.T) {
	setup := makeTestSetup(4, 4, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	d.AppendArray(NewMemoryArray("a", constFrames(1, 4, 4, 1)))

	d.mutex.Lock()
	d.loader.queue.close()
	d.mutex.Unlock()

	d.AppendArray(NewMemoryArray("b", constFrames(1, 4, 4, 2)))
	d.FinishLoading(true)

	if countStates(d)[Loaded] != 2 || d.QueueSize() != 0 {
		t.Errorf("unexpected states %v, queue %v", countStates(d), d.QueueSize())
	}
}

func Test_StatisticsFromFrameCounts(t *testing.T) {
	for _, memmap := range []bool{false, true} {
		t.Run(fmt.Sprintf("memmap=%v", memmap), func(t *testing.T) {
			ds := DefaultDatasetSettings()
			ds.MemmapEnabled = memmap
			ds.ScratchDirectory = t.TempDir()
			setup := makeTestSetup(2, 2, identityConfig(), ds)
			d := setup.dataset

			mask := NewMask(geometry.ImageExtent{WidthPx: 2, HeightPx: 2})
			mask.SetBad(0, 0, true)
			if err := d.SetBadPixels(mask); err != nil {
				t.Fatal(err)
			}

			// Frames [0 1 2 3] and [4 5 6 7], first pixel bad
			d.Reload(NewDataset(Metadata{}, []DiffractionArray{
				NewMemoryArray("ramp", rampFrames(2, 2, 2, 0)),
				NewMemoryArray("ones", constFrames(2, 2, 2, 1)),
			}, nil))
			d.StartLoading()
			d.FinishLoading(true)

			if err := d.AssemblePatterns(); err != nil {
				t.Fatal(err)
			}
			stats := d.Statistics()
			ramp := stats.Arrays[0]
			if ramp.MeanCount != 12 || ramp.MaxCount != 18 || ramp.SumCount != 24 {
				t.Errorf("unexpected ramp statistics %+v", ramp)
			}
			ones := stats.Arrays[1]
			if ones.MeanCount != 3 || ones.MaxCount != 3 {
				t.Errorf("unexpected ones statistics %+v", ones)
			}
			if stats.NumFrames != 4 || stats.MeanCount != 7.5 || stats.MaxCount != 18 || stats.NumBadPixels != 1 {
				t.Errorf("unexpected statistics %+v", stats)
			}
		})
	}
}

func Test_PatternIndexes(t *testing.T) {
	setup := makeTestSetup(2, 2, identityConfig(), DefaultDatasetSettings())
	d := setup.dataset

	scan := rampFrames(2, 2, 2, 0)
	scan.Indexes = []int{5, 7}
	wrong := rampFrames(1, 2, 2, 0)
	wrong.Indexes = []int{1, 2}

	d.Reload(NewDataset(Metadata{}, []DiffractionArray{
		NewMemoryArray("scan", scan),
		NewMemoryArray("numbered", rampFrames(1, 2, 2, 0)),
		NewMemoryArray("wrong", wrong),
		NewLoaderArray("broken", 1, func() (Patterns, error) { return Patterns{}, errors.New("no") }),
	}, nil))

	if got := fmt.Sprint(d.PatternIndexes()); got != "[-1 -1 -1 -1 -1]" {
		t.Errorf("unexpected indexes before loading %v", got)
	}

	d.StartLoading()
	d.FinishLoading(true)

	if got := fmt.Sprint(d.PatternIndexes()); got != "[5 7 0 -1 -1]" {
		t.Errorf("unexpected indexes %v", got)
	}
	if got := fmt.Sprint(d.AssembledIndexes()); got != "[5 7 0]" {
		t.Errorf("unexpected assembled indexes %v", got)
	}

	v, _ := d.Get(2)
	if v.State().Kind != Failed || !strings.Contains(v.State().Reason, "2 indexes for 1 frames") {
		t.Errorf("unexpected state %v", v.State())
	}

	// Reprocessing keeps them
	setup.settings.UpdateProcessing(func(c *ProcessingConfig) { c.Transpose = true })
	d.FinishLoading(true)
	v, _ = d.Get(0)
	if got := fmt.Sprint(v.Indexes()); got != "[5 7]" {
		t.Errorf("unexpected indexes after reprocess %v", got)
	}
}
