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
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot file layout: a zstd stream holding protobuf wire format fields
//   1: format name (string)
//   2: format version (varint)
//   3: array (bytes, repeated) {1: label, 2: frames, 3: width, 4: height, 5: values as packed fixed32,
//      6: frame indexes as packed zigzag varints}
//   4: raw bad pixel mask (bytes) {1: width, 2: height, 3: one byte per pixel}
const (
	AssembledFormatName    = "ptycho-patterns/assembled"
	AssembledFormatVersion = 1
)

// AssembledArray - one processed array as stored in a snapshot
type AssembledArray struct {
	Label    string
	Patterns Patterns
}

type AssembledSnapshot struct {
	Arrays    []AssembledArray
	BadPixels *Mask
}

func appendArrayMessage(b []byte, a AssembledArray) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, a.Label)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Patterns.NumFrames))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Patterns.Extent.WidthPx))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Patterns.Extent.HeightPx))

	values := make([]byte, 0, len(a.Patterns.Values)*4)
	for _, v := range a.Patterns.Values {
		values = protowire.AppendFixed32(values, v)
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, values)

	indexes := []byte{}
	for _, idx := range a.Patterns.FrameIndexes() {
		indexes = protowire.AppendVarint(indexes, protowire.EncodeZigZag(int64(idx)))
	}
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	return protowire.AppendBytes(b, indexes)
}

func appendMaskMessage(b []byte, m *Mask) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Extent.WidthPx))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Extent.HeightPx))

	pixels := make([]byte, len(m.Bad))
	for c, bad := range m.Bad {
		if bad {
			pixels[c] = 1
		}
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, pixels)
}

// EncodeAssembled - writes a snapshot, one array at a time so only one is encoded in memory at once
func EncodeAssembled(w io.Writer, snapshot AssembledSnapshot) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}

	header := protowire.AppendTag(nil, 1, protowire.BytesType)
	header = protowire.AppendString(header, AssembledFormatName)
	header = protowire.AppendTag(header, 2, protowire.VarintType)
	header = protowire.AppendVarint(header, AssembledFormatVersion)
	if _, err := enc.Write(header); err != nil {
		enc.Close()
		return err
	}

	for _, a := range snapshot.Arrays {
		msg := protowire.AppendTag(nil, 3, protowire.BytesType)
		msg = protowire.AppendBytes(msg, appendArrayMessage(nil, a))
		if _, err := enc.Write(msg); err != nil {
			enc.Close()
			return err
		}
	}

	if snapshot.BadPixels != nil {
		msg := protowire.AppendTag(nil, 4, protowire.BytesType)
		msg = protowire.AppendBytes(msg, appendMaskMessage(nil, snapshot.BadPixels))
		if _, err := enc.Write(msg); err != nil {
			enc.Close()
			return err
		}
	}

	return enc.Close()
}

// consumeFields - walks the fields of a message, handing each to fn. fn returns how many bytes of the
// value it consumed, or -1 to have the field skipped
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeInt(typ protowire.Type, b []byte, dest *int) (int, error) {
	if typ != protowire.VarintType {
		return -1, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dest = int(v)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dest *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return -1, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dest = v
	return n, nil
}

func decodeIndexes(b []byte) ([]int, error) {
	result := []int{}
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		result = append(result, int(protowire.DecodeZigZag(v)))
		b = b[n:]
	}
	return result, nil
}

func decodeArrayMessage(b []byte) (AssembledArray, error) {
	var label, values, indexes []byte
	hasIndexes := false
	var frames, width, height int

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &label)
		case 2:
			return consumeInt(typ, b, &frames)
		case 3:
			return consumeInt(typ, b, &width)
		case 4:
			return consumeInt(typ, b, &height)
		case 5:
			return consumeBytes(typ, b, &values)
		case 6:
			hasIndexes = true
			return consumeBytes(typ, b, &indexes)
		}
		return -1, nil
	})
	if err != nil {
		return AssembledArray{}, err
	}

	extent := geometry.ImageExtent{WidthPx: width, HeightPx: height}
	if len(values) != frames*extent.NumPixels()*4 {
		return AssembledArray{}, errors.Errorf("array %v: expected %v values, got %v bytes", string(label), frames*extent.NumPixels(), len(values))
	}

	p := MakePatterns(frames, extent)
	for c := range p.Values {
		p.Values[c] = binary.LittleEndian.Uint32(values[c*4:])
	}

	// Files without indexes read with the default numbering
	if hasIndexes {
		p.Indexes, err = decodeIndexes(indexes)
		if err != nil {
			return AssembledArray{}, err
		}
		if len(p.Indexes) != frames {
			return AssembledArray{}, errors.Errorf("array %v: expected %v indexes, got %v", string(label), frames, len(p.Indexes))
		}
	}
	return AssembledArray{Label: string(label), Patterns: p}, nil
}

func decodeMaskMessage(b []byte) (*Mask, error) {
	var width, height int
	var pixels []byte

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &width)
		case 2:
			return consumeInt(typ, b, &height)
		case 3:
			return consumeBytes(typ, b, &pixels)
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}

	m := NewMask(geometry.ImageExtent{WidthPx: width, HeightPx: height})
	if len(pixels) != len(m.Bad) {
		return nil, errors.Errorf("bad pixel mask: expected %v pixels, got %v", len(m.Bad), len(pixels))
	}
	for c, v := range pixels {
		m.Bad[c] = v != 0
	}
	return m, nil
}

// DecodeAssembled - reads a snapshot written by EncodeAssembled
func DecodeAssembled(r io.Reader) (AssembledSnapshot, error) {
	result := AssembledSnapshot{Arrays: []AssembledArray{}}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return result, err
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return result, errors.Wrap(err, "failed to decompress")
	}

	var name []byte
	version := 0

	err = consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &name)
		case 2:
			return consumeInt(typ, b, &version)
		case 3:
			var msg []byte
			n, err := consumeBytes(typ, b, &msg)
			if err != nil || n < 0 {
				return n, err
			}
			a, err := decodeArrayMessage(msg)
			if err != nil {
				return 0, err
			}
			result.Arrays = append(result.Arrays, a)
			return n, nil
		case 4:
			var msg []byte
			n, err := consumeBytes(typ, b, &msg)
			if err != nil || n < 0 {
				return n, err
			}
			m, err := decodeMaskMessage(msg)
			if err != nil {
				return 0, err
			}
			result.BadPixels = m
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return result, err
	}

	if string(name) != AssembledFormatName {
		return result, errors.Errorf("not an assembled patterns file: format %q", string(name))
	}
	if version != AssembledFormatVersion {
		return result, errors.Errorf("unsupported assembled patterns version %v", version)
	}
	return result, nil
}

// Snapshot - copies out every loaded array and the raw bad pixel mask. Fails with
// IncompleteDataset while anything is loading. Failed and not loaded arrays are left out
func (d *AssembledDataset) Snapshot() (AssembledSnapshot, error) {
	d.mutex.Lock()
	inputs := []statisticsInput{}
	for c, e := range d.entries {
		if e.state.Kind == Loading {
			d.mutex.Unlock()
			return AssembledSnapshot{}, newError(IncompleteDataset, "array %v (%v) is still loading", c, e.label)
		}
		if e.state.Kind == Loaded {
			inputs = append(inputs, statisticsInput{label: e.label, store: e.store})
		}
	}
	d.mutex.Unlock()

	result := AssembledSnapshot{Arrays: []AssembledArray{}, BadPixels: d.badPixels.Snapshot()}
	for _, in := range inputs {
		p, err := in.store.Patterns()
		if err != nil {
			return result, wrapError(ReadFailed, err, "failed to read %v", in.label)
		}
		result.Arrays = append(result.Arrays, AssembledArray{Label: in.label, Patterns: p})
	}
	return result, nil
}

// ExportAssembled - writes every loaded array, already processed, plus the raw bad pixel mask
func (d *AssembledDataset) ExportAssembled(w io.Writer) error {
	snapshot, err := d.Snapshot()
	if err != nil {
		return err
	}

	if err := EncodeAssembled(w, snapshot); err != nil {
		return wrapError(WriteFailed, err, "failed to export assembled patterns")
	}
	return nil
}

// ImportAssembled - replaces the dataset with the arrays of a snapshot, all Loaded. They have no source
// so they are not reprocessed when settings change. The mask is restored if it fits the detector,
// otherwise the dataset is left without one
func (d *AssembledDataset) ImportAssembled(r io.Reader) error {
	snapshot, err := DecodeAssembled(r)
	if err != nil {
		return wrapError(ReadFailed, err, "failed to import assembled patterns")
	}
	return d.LoadSnapshot(snapshot)
}

// LoadSnapshot - see ImportAssembled
func (d *AssembledDataset) LoadSnapshot(snapshot AssembledSnapshot) error {
	scratchDir := ""
	if ds := d.settings.Dataset(); ds.MemmapEnabled {
		scratchDir = ds.ScratchDirectory
	}

	stores := make([]frameStore, 0, len(snapshot.Arrays))
	for _, a := range snapshot.Arrays {
		s, err := storeFrames(scratchDir, a.Patterns)
		if err != nil {
			for _, created := range stores {
				created.Release()
			}
			return wrapError(WriteFailed, err, "failed to store %v", a.Label)
		}
		stores = append(stores, s)
	}

	d.mutex.Lock()
	old := d.retireLocked()
	d.metadata = Metadata{NumPatternsPerArray: make([]int, len(snapshot.Arrays))}
	for c, a := range snapshot.Arrays {
		d.metadata.NumPatternsPerArray[c] = a.Patterns.NumFrames
		d.entries = append(d.entries, &arrayEntry{
			label:       a.Label,
			numPatterns: a.Patterns.NumFrames,
			state:       PatternState{Kind: Loaded},
			store:       stores[c],
		})
	}
	d.appendCursor = len(d.entries)
	d.queueEventLocked(Event{Kind: DatasetReloaded})
	d.mutex.Unlock()

	d.deliverEvents()
	d.cleanup(old)

	if snapshot.BadPixels == nil {
		d.badPixels.Clear()
	} else if err := d.badPixels.Set(snapshot.BadPixels); err != nil {
		d.log.Errorf("Not restoring bad pixels from snapshot: %v", err)
		d.badPixels.Clear()
	}
	return nil
}
