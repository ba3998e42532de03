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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/logger"
)

var errSuperseded = errors.New("superseded by a later load")

type arrayEntry struct {
	label       string
	numPatterns int
	state       PatternState
	source      DiffractionArray
	store       frameStore

	// Bumped every time the array is scheduled, only the latest pass may commit
	pass uint64
	// Slot created by AppendArray, first commit is reported as an insert
	isNew bool
}

// taskSnapshot - processing state captured for a batch of tasks
type taskSnapshot struct {
	processor  *Processor
	mask       *Mask
	scratchDir string
}

// retired - what a reset left behind, to be waited for and released outside the lock
type retired struct {
	loaders []*loader
	stores  []frameStore
}

// AssembledDataset - ordered collection of pattern arrays, loaded in the background by a pool of
// workers and processed according to the current detector, settings and bad pixel mask.
//
// All structural changes happen under one mutex. Events are queued under it in commit order and
// delivered after it's released, by one goroutine at a time.
type AssembledDataset struct {
	detector  *detector.Detector
	settings  *Settings
	sizer     *PatternSizer
	badPixels *BadPixels
	metrics   *Metrics
	log       logger.ILogger

	mutex        sync.Mutex
	generation   uint64
	metadata     Metadata
	entries      []*arrayEntry
	appendCursor int
	outstanding  int
	loader       *loader
	draining     []*loader
	stats        *Statistics

	// Broadcast whenever outstanding drops or is reset
	settled *sync.Cond

	pendingEvents []Event
	delivering    bool
	eventsIdle    *sync.Cond

	sinkMutex sync.Mutex
	sinks     map[int]EventSink
	nextSink  int

	removeListeners []func()
}

func NewAssembledDataset(det *detector.Detector, settings *Settings, badPixels *BadPixels, metrics *Metrics, log logger.ILogger) *AssembledDataset {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	d := &AssembledDataset{
		detector:  det,
		settings:  settings,
		sizer:     NewPatternSizer(det, settings),
		badPixels: badPixels,
		metrics:   metrics,
		log:       log,
		sinks:     map[int]EventSink{},
	}
	d.eventsIdle = sync.NewCond(&d.mutex)
	d.settled = sync.NewCond(&d.mutex)

	d.removeListeners = []func(){
		settings.OnProcessingChanged(d.ReapplyProcessing),
		det.AddListener(func(previous detector.Descriptor, current detector.Descriptor) {
			if previous.Extent() != current.Extent() {
				d.ReapplyProcessing()
			}
		}),
		badPixels.OnChanged(d.onBadPixelsChanged),
	}

	return d
}

// Close - detaches from the detector and settings and drops all arrays
func (d *AssembledDataset) Close() {
	for _, remove := range d.removeListeners {
		remove()
	}
	d.Clear()
}

func (d *AssembledDataset) Sizer() *PatternSizer {
	return d.sizer
}

func (d *AssembledDataset) Settings() *Settings {
	return d.settings
}

func (d *AssembledDataset) Detector() *detector.Detector {
	return d.detector
}

// AddEventSink - returns a function that removes the sink again
func (d *AssembledDataset) AddEventSink(sink EventSink) func() {
	d.sinkMutex.Lock()
	defer d.sinkMutex.Unlock()

	id := d.nextSink
	d.nextSink++
	d.sinks[id] = sink

	return func() {
		d.sinkMutex.Lock()
		defer d.sinkMutex.Unlock()
		delete(d.sinks, id)
	}
}

// Reload - replaces all arrays with NotLoaded entries for the given dataset. Anything still loading
// for the previous contents is cancelled and its results are discarded
func (d *AssembledDataset) Reload(ds Dataset) error {
	metadata := ds.Metadata()
	arrays := ds.Arrays()

	if err := metadata.Validate(len(arrays)); err != nil {
		return err
	}

	count := len(arrays)
	if len(metadata.NumPatternsPerArray) > count {
		count = len(metadata.NumPatternsPerArray)
	}

	d.mutex.Lock()
	old := d.retireLocked()
	d.metadata = metadata

	for c := 0; c < count; c++ {
		e := &arrayEntry{label: fmt.Sprintf("Array %v", c)}
		if c < len(metadata.NumPatternsPerArray) {
			e.numPatterns = metadata.NumPatternsPerArray[c]
		}
		if c < len(arrays) {
			e.source = arrays[c]
			e.label = arrays[c].Label()
			e.numPatterns = arrays[c].NumPatterns()
		}
		d.entries = append(d.entries, e)
	}

	d.queueEventLocked(Event{Kind: DatasetReloaded})
	generation := d.generation
	d.mutex.Unlock()

	d.deliverEvents()
	d.cleanup(old)

	d.log.Infof("Dataset reloaded with %v arrays, generation %v", count, generation)

	if mask := ds.BadPixels(); mask != nil {
		if err := d.badPixels.Set(mask); err != nil {
			d.log.Errorf("Ignoring bad pixels from dataset: %v", err)
		}
	}
	return nil
}

// Clear - drops all arrays and their storage, cancelling any loading
func (d *AssembledDataset) Clear() {
	d.mutex.Lock()
	old := d.retireLocked()
	d.metadata = Metadata{}
	d.queueEventLocked(Event{Kind: DatasetReloaded})
	d.mutex.Unlock()

	d.deliverEvents()
	d.cleanup(old)
}

func (d *AssembledDataset) retireLocked() retired {
	r := retired{}

	if d.loader != nil {
		d.loader.abort()
		r.loaders = append(r.loaders, d.loader)
		d.loader = nil
	}
	for _, l := range d.draining {
		l.abort()
		r.loaders = append(r.loaders, l)
	}
	d.draining = nil

	for _, e := range d.entries {
		if e.store != nil {
			r.stores = append(r.stores, e.store)
		}
	}

	d.entries = nil
	d.appendCursor = 0
	d.outstanding = 0
	d.stats = nil
	d.generation++
	d.metrics.QueueDepth.Set(0)
	d.settled.Broadcast()
	return r
}

// cleanup - waits for cancelled workers so nothing writes after this returns, then frees storage
func (d *AssembledDataset) cleanup(r retired) {
	for _, l := range r.loaders {
		l.wait()
	}
	for _, s := range r.stores {
		if err := s.Release(); err != nil {
			d.log.Errorf("Failed to release array storage: %v", err)
		}
	}
}

// StartLoading - schedules every NotLoaded array that has a source. Calling it again is a no-op until
// there is something new to load
func (d *AssembledDataset) StartLoading() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var snap *taskSnapshot
	scheduled := 0
	for c, e := range d.entries {
		if e.state.Kind != NotLoaded || e.source == nil {
			continue
		}
		if snap == nil {
			snap = d.snapshotLocked()
		}
		e.state = PatternState{Kind: Loading}
		d.scheduleLocked(c, e, snap)
		scheduled++
	}

	if scheduled > 0 {
		d.log.Debugf("Scheduled %v arrays for loading", scheduled)
	}
}

// AppendArray - adds an array, filling the next placeholder left by Reload if there is one. The array
// is Loading until a worker has processed it. Returns the index it went to
func (d *AssembledDataset) AppendArray(a DiffractionArray) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for d.appendCursor < len(d.entries) {
		e := d.entries[d.appendCursor]
		if e.state.Kind == NotLoaded && e.source == nil {
			break
		}
		d.appendCursor++
	}

	idx := d.appendCursor
	var e *arrayEntry
	if idx < len(d.entries) {
		e = d.entries[idx]
	} else {
		e = &arrayEntry{isNew: true}
		d.entries = append(d.entries, e)
	}
	d.appendCursor++

	e.label = a.Label()
	e.numPatterns = a.NumPatterns()
	e.source = a
	e.state = PatternState{Kind: Loading}

	d.scheduleLocked(idx, e, d.snapshotLocked())
	return idx
}

// ReapplyProcessing - reprocesses every array that has a source with the current settings and mask.
// Loaded arrays stay readable with their previous data until the new result is committed
func (d *AssembledDataset) ReapplyProcessing() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var snap *taskSnapshot
	for c, e := range d.entries {
		if e.source == nil || (e.state.Kind != Loaded && e.state.Kind != Loading) {
			continue
		}
		if snap == nil {
			snap = d.snapshotLocked()
		}
		d.scheduleLocked(c, e, snap)
	}
}

// FinishLoading - closes the current loading pass to new work. With block set, waits until every
// scheduled array has settled and its events have been delivered. Arrays rescheduled while waiting (a
// settings, detector or mask change) are waited for too
func (d *AssembledDataset) FinishLoading(block bool) {
	d.mutex.Lock()
	d.finishLoaderLocked()
	if !block {
		d.mutex.Unlock()
		return
	}

	for d.outstanding > 0 {
		d.settled.Wait()
		d.finishLoaderLocked()
	}
	waiting := append([]*loader{}, d.draining...)
	d.mutex.Unlock()

	for _, l := range waiting {
		l.wait()
	}
	d.waitForEvents()
}

// finishLoaderLocked - moves the current loader to draining, later work gets a new one
func (d *AssembledDataset) finishLoaderLocked() {
	if d.loader == nil {
		return
	}

	l := d.loader
	d.loader = nil
	l.finish()
	d.draining = append(d.draining, l)
	go d.reap(l)
}

func (d *AssembledDataset) reap(l *loader) {
	l.wait()

	d.mutex.Lock()
	defer d.mutex.Unlock()
	for c, dl := range d.draining {
		if dl == l {
			d.draining = append(d.draining[:c], d.draining[c+1:]...)
			break
		}
	}
}

// AssemblePatterns - computes dataset wide statistics. Fails with IncompleteDataset while anything is
// still loading
func (d *AssembledDataset) AssemblePatterns() error {
	d.mutex.Lock()
	inputs := []statisticsInput{}
	for c, e := range d.entries {
		if e.state.Kind == Loading {
			d.mutex.Unlock()
			return newError(IncompleteDataset, "array %v (%v) is still loading", c, e.label)
		}
		if e.state.Kind == Loaded {
			inputs = append(inputs, statisticsInput{label: e.label, store: e.store})
		}
	}
	generation := d.generation
	snap := d.snapshotLocked()
	d.mutex.Unlock()

	stats, err := computeStatistics(inputs, snap.processor.ProcessMask(snap.mask))
	if err != nil {
		return wrapError(ReadFailed, err, "failed to assemble patterns")
	}

	d.mutex.Lock()
	if generation == d.generation {
		d.stats = stats
	}
	d.mutex.Unlock()

	d.log.Infof("Assembled %v arrays, %v frames", len(stats.Arrays), stats.NumFrames)
	return nil
}

// Statistics - result of the last AssemblePatterns, nil if it hasn't run since the arrays last changed
func (d *AssembledDataset) Statistics() *Statistics {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

// SetBadPixels - nil clears. Loaded arrays are reprocessed with the new mask
func (d *AssembledDataset) SetBadPixels(mask *Mask) error {
	return d.badPixels.Set(mask)
}

func (d *AssembledDataset) ClearBadPixels() {
	d.badPixels.Clear()
}

func (d *AssembledDataset) BadPixels() *Mask {
	return d.badPixels.Snapshot()
}

// ProcessedBadPixels - bad pixel mask in processed frame space, nil if there is no mask
func (d *AssembledDataset) ProcessedBadPixels() *Mask {
	return d.sizer.Processor().ProcessMask(d.badPixels.Snapshot())
}

func (d *AssembledDataset) onBadPixelsChanged(count int) {
	d.mutex.Lock()
	d.queueEventLocked(Event{Kind: BadPixelsChanged, NumBadPixels: count})
	d.mutex.Unlock()

	d.deliverEvents()
	d.ReapplyProcessing()
}

func (d *AssembledDataset) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.entries)
}

// QueueSize - arrays scheduled but not yet committed
func (d *AssembledDataset) QueueSize() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.outstanding
}

func (d *AssembledDataset) Metadata() Metadata {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.metadata
}

func (d *AssembledDataset) Generation() uint64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.generation
}

func (d *AssembledDataset) Get(i int) (ArrayView, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if i < 0 || i >= len(d.entries) {
		return ArrayView{}, newError(IndexOutOfRange, "index %v not in [0, %v)", i, len(d.entries))
	}
	return d.viewLocked(i), nil
}

// Views - every array, in order
func (d *AssembledDataset) Views() []ArrayView {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	result := make([]ArrayView, 0, len(d.entries))
	for c := range d.entries {
		result = append(result, d.viewLocked(c))
	}
	return result
}

func (d *AssembledDataset) viewLocked(i int) ArrayView {
	e := d.entries[i]
	return ArrayView{
		index:       i,
		label:       e.label,
		numPatterns: e.numPatterns,
		state:       e.state,
		generation:  d.generation,
		store:       e.store,
	}
}

// PatternIndexes - scan index of every pattern in dataset order, -1 for patterns not loaded yet
func (d *AssembledDataset) PatternIndexes() []int {
	result := []int{}
	for _, v := range d.Views() {
		result = append(result, v.Indexes()...)
	}
	return result
}

// AssembledIndexes - scan indexes of the loaded patterns only
func (d *AssembledDataset) AssembledIndexes() []int {
	result := []int{}
	for _, idx := range d.PatternIndexes() {
		if idx >= 0 {
			result = append(result, idx)
		}
	}
	return result
}

// InfoText - one line per loaded array
func (d *AssembledDataset) InfoText() string {
	lines := []string{}
	for _, v := range d.Views() {
		if v.store == nil {
			continue
		}
		extent := v.Extent()
		lines = append(lines, fmt.Sprintf("%v: %v x %v x %v uint32 [%.2fMB]", v.Label(), v.NumPatterns(), extent.WidthPx, extent.HeightPx, float64(v.SizeBytes())/(1024*1024)))
	}
	return strings.Join(lines, "\n")
}

func (d *AssembledDataset) snapshotLocked() *taskSnapshot {
	snap := &taskSnapshot{
		processor: d.sizer.Processor(),
		mask:      d.badPixels.Snapshot(),
	}
	ds := d.settings.Dataset()
	if ds.MemmapEnabled {
		snap.scratchDir = ds.ScratchDirectory
	}
	return snap
}

func (d *AssembledDataset) scheduleLocked(idx int, e *arrayEntry, snap *taskSnapshot) {
	if d.loader == nil {
		d.loader = startLoader(d.generation, d.settings.Dataset().Threads(), d.work, d.commit)
	}

	e.pass++
	t := loadTask{
		generation: d.generation,
		index:      idx,
		pass:       e.pass,
		source:     e.source,
		processor:  snap.processor,
		mask:       snap.mask,
		scratchDir: snap.scratchDir,
	}
	if !d.loader.queue.push(t) {
		// The current loader is never closed while it's current, so this shouldn't happen. Start a
		// fresh one rather than leave the array Loading forever
		d.log.Errorf("Loader for generation %v closed early, starting another for %v", d.generation, e.label)
		d.draining = append(d.draining, d.loader)
		go d.reap(d.loader)
		d.loader = startLoader(d.generation, d.settings.Dataset().Threads(), d.work, d.commit)
		d.loader.queue.push(t)
	}

	d.outstanding++
	d.metrics.QueueDepth.Set(float64(d.outstanding))
}

func (d *AssembledDataset) isCurrent(t loadTask) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return t.generation == d.generation && t.index < len(d.entries) && d.entries[t.index].pass == t.pass
}

// work - runs on a loader goroutine, no dataset lock held
func (d *AssembledDataset) work(ctx context.Context, t loadTask) loadResult {
	if !d.isCurrent(t) {
		return loadResult{err: errSuperseded}
	}

	start := time.Now()

	raw, err := t.source.Load()
	if err != nil {
		if KindOf(err) != 0 {
			return loadResult{err: err}
		}
		return loadResult{err: wrapError(ReadFailed, err, "failed to load %v", t.source.Label())}
	}

	if ctx.Err() != nil {
		return loadResult{err: ctx.Err()}
	}

	processed, err := t.processor.Process(raw, t.mask)
	if err != nil {
		return loadResult{err: err}
	}

	store, err := storeFrames(t.scratchDir, processed)
	if err != nil {
		return loadResult{err: wrapError(WriteFailed, err, "failed to store %v", t.source.Label())}
	}

	return loadResult{store: store, duration: time.Since(start)}
}

// commit - applies a worker result if it's still wanted
func (d *AssembledDataset) commit(t loadTask, r loadResult) {
	d.mutex.Lock()

	if t.generation != d.generation {
		d.mutex.Unlock()
		d.discard(r)
		return
	}

	d.outstanding--
	d.metrics.QueueDepth.Set(float64(d.outstanding))
	d.settled.Broadcast()

	e := d.entries[t.index]
	if e.pass != t.pass {
		d.mutex.Unlock()
		d.discard(r)
		return
	}

	var old frameStore
	if r.err != nil {
		d.metrics.ArraysProcessed.WithLabelValues(resultFailed).Inc()
		if e.state.Kind == Loaded {
			// Reprocessing failed, keep serving what we had
			d.mutex.Unlock()
			d.log.Errorf("Failed to reprocess %v: %v", e.label, r.err)
			return
		}
		d.log.Errorf("Failed to load %v: %v", e.label, r.err)
		e.state = PatternState{Kind: Failed, Reason: r.err.Error()}
	} else {
		d.metrics.ArraysProcessed.WithLabelValues(resultLoaded).Inc()
		d.metrics.LoadSeconds.Observe(r.duration.Seconds())
		old = e.store
		e.store = r.store
		e.numPatterns = r.store.NumFrames()
		e.state = PatternState{Kind: Loaded}
	}

	kind := ArrayChanged
	if e.isNew {
		kind = ArrayInserted
		e.isNew = false
	}
	d.stats = nil
	d.queueEventLocked(Event{Kind: kind, Index: t.index})
	d.mutex.Unlock()

	if old != nil {
		if err := old.Release(); err != nil {
			d.log.Errorf("Failed to release previous storage of %v: %v", e.label, err)
		}
	}
	d.deliverEvents()
}

func (d *AssembledDataset) discard(r loadResult) {
	d.metrics.ArraysProcessed.WithLabelValues(resultDiscarded).Inc()
	if r.store != nil {
		if err := r.store.Release(); err != nil {
			d.log.Errorf("Failed to release discarded storage: %v", err)
		}
	}
}

func (d *AssembledDataset) queueEventLocked(e Event) {
	e.Generation = d.generation
	d.pendingEvents = append(d.pendingEvents, e)
}

func (d *AssembledDataset) currentSinks() []EventSink {
	d.sinkMutex.Lock()
	defer d.sinkMutex.Unlock()

	sinks := make([]EventSink, 0, len(d.sinks))
	for c := 0; c < d.nextSink; c++ {
		if s, ok := d.sinks[c]; ok {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

// deliverEvents - hands queued events to the sinks. If another goroutine is already delivering, it
// picks up ours too, so order is kept
func (d *AssembledDataset) deliverEvents() {
	d.mutex.Lock()
	if d.delivering {
		d.mutex.Unlock()
		return
	}
	d.delivering = true

	for len(d.pendingEvents) > 0 {
		events := d.pendingEvents
		d.pendingEvents = nil
		d.mutex.Unlock()

		sinks := d.currentSinks()
		for _, e := range events {
			for _, s := range sinks {
				s.HandleEvent(e)
			}
		}

		d.mutex.Lock()
	}

	d.delivering = false
	d.eventsIdle.Broadcast()
	d.mutex.Unlock()
}

// waitForEvents - returns once everything queued so far has been delivered. Not for use from a sink
func (d *AssembledDataset) waitForEvents() {
	d.deliverEvents()

	d.mutex.Lock()
	for d.delivering || len(d.pendingEvents) > 0 {
		if !d.delivering {
			d.mutex.Unlock()
			d.deliverEvents()
			d.mutex.Lock()
			continue
		}
		d.eventsIdle.Wait()
	}
	d.mutex.Unlock()
}

// ArrayView - read only snapshot of one array. The data it refers to can be released by a later
// reload or reprocessing, reads then fail
type ArrayView struct {
	index       int
	label       string
	numPatterns int
	state       PatternState
	generation  uint64
	store       frameStore
}

func (v ArrayView) Index() int {
	return v.index
}

func (v ArrayView) Label() string {
	return v.label
}

func (v ArrayView) NumPatterns() int {
	return v.numPatterns
}

func (v ArrayView) State() PatternState {
	return v.state
}

func (v ArrayView) Generation() uint64 {
	return v.generation
}

// Indexes - scan index of each pattern, all -1 until loaded
func (v ArrayView) Indexes() []int {
	if v.store != nil {
		return append([]int{}, v.store.Indexes()...)
	}
	result := make([]int, v.numPatterns)
	for c := range result {
		result[c] = -1
	}
	return result
}

// Extent - processed frame extent, empty until loaded
func (v ArrayView) Extent() geometry.ImageExtent {
	if v.store == nil {
		return geometry.ImageExtent{}
	}
	return v.store.Extent()
}

func (v ArrayView) SizeBytes() int64 {
	if v.store == nil {
		return 0
	}
	return v.store.SizeBytes()
}

func (v ArrayView) Patterns() (Patterns, error) {
	if v.store == nil {
		return Patterns{}, newError(IncompleteDataset, "array %v is %v", v.label, v.state)
	}
	return v.store.Patterns()
}

// Pattern - mean of all frames, or one frame, as float64
func (v ArrayView) Pattern(a Accessor) ([]float64, error) {
	if v.store == nil {
		return nil, newError(IncompleteDataset, "array %v is %v", v.label, v.state)
	}

	switch a.Kind {
	case SingleFrame:
		if a.Frame < 0 || a.Frame >= v.store.NumFrames() {
			return nil, newError(IndexOutOfRange, "frame %v not in [0, %v)", a.Frame, v.store.NumFrames())
		}
		frame, err := v.store.Frame(a.Frame)
		if err != nil {
			return nil, err
		}
		return toFloats(frame), nil
	case MeanOfFrames:
		p, err := v.store.Patterns()
		if err != nil {
			return nil, err
		}
		return meanFrame(p), nil
	}
	return nil, fmt.Errorf("unknown accessor kind %v", a.Kind)
}
