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

import "fmt"

type EventKind int

const (
	ArrayInserted EventKind = iota
	ArrayChanged
	DatasetReloaded
	BadPixelsChanged
)

func (k EventKind) String() string {
	switch k {
	case ArrayInserted:
		return "array_inserted"
	case ArrayChanged:
		return "array_changed"
	case DatasetReloaded:
		return "dataset_reloaded"
	case BadPixelsChanged:
		return "bad_pixels_changed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event - a change to the dataset. Generation is the dataset generation the event belongs to, every
// reload or clear starts a new one
type Event struct {
	Kind         EventKind
	Index        int
	NumBadPixels int
	Generation   uint64
}

func (e Event) String() string {
	switch e.Kind {
	case ArrayInserted, ArrayChanged:
		return fmt.Sprintf("%v(%v)@%v", e.Kind, e.Index, e.Generation)
	case BadPixelsChanged:
		return fmt.Sprintf("%v(%v)@%v", e.Kind, e.NumBadPixels, e.Generation)
	}
	return fmt.Sprintf("%v@%v", e.Kind, e.Generation)
}

// EventSink - receives dataset events one at a time, in the order they were committed. Sinks may read
// from the dataset but must not modify it
type EventSink interface {
	HandleEvent(e Event)
}

type EventSinkFunc func(e Event)

func (f EventSinkFunc) HandleEvent(e Event) {
	f(e)
}
