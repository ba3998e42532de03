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

// Entry point for opening, assembling and saving diffraction pattern datasets. Resolves paths to the
// local file system or S3, picks reader/writer strategies by file type and hands the results to an
// AssembledDataset
package diffraction

import (
	"bytes"

	"github.com/xraylab/ptycho-patterns/api/diffraction/formats"
	"github.com/xraylab/ptycho-patterns/api/diffraction/plugins"
	"github.com/xraylab/ptycho-patterns/core/fileaccess"
	"github.com/xraylab/ptycho-patterns/core/geometry"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

// OpenOverrides - applied to the settings before the dataset is reloaded. Nil fields are left alone.
// If UseMetadataGeometry is set, geometry found in the file metadata is applied first, and explicit
// overrides win over it
type OpenOverrides struct {
	CropCenter          *geometry.CropCenter
	CropExtent          *geometry.ImageExtent
	DetectorExtent      *geometry.ImageExtent
	UseMetadataGeometry bool
}

type API struct {
	dataset  *patterns.AssembledDataset
	localFS  fileaccess.FileAccess
	remoteFS fileaccess.FileAccess
	log      logger.ILogger

	readers          *plugins.Chooser[formats.PatternReader]
	writers          *plugins.Chooser[formats.PatternWriter]
	badPixelsReaders *plugins.Chooser[formats.BadPixelsReader]
}

// NewAPI - remoteFS serves s3:// paths and may be nil if S3 is not configured
func NewAPI(dataset *patterns.AssembledDataset, localFS fileaccess.FileAccess, remoteFS fileaccess.FileAccess, log logger.ILogger) *API {
	api := &API{
		dataset:          dataset,
		localFS:          localFS,
		remoteFS:         remoteFS,
		log:              log,
		readers:          plugins.NewChooser[formats.PatternReader](),
		writers:          plugins.NewChooser[formats.PatternWriter](),
		badPixelsReaders: plugins.NewChooser[formats.BadPixelsReader](),
	}

	// Keys are distinct so these can't fail
	api.readers.Register(formats.TIFFFileType, "TIFF image(s)", formats.TIFFReader{})
	api.readers.Register(formats.AssembledFileType, "Assembled patterns", formats.AssembledReader{})
	api.writers.Register(formats.TIFFFileType, "TIFF images", formats.TIFFWriter{})
	api.writers.Register(formats.AssembledFileType, "Assembled patterns", formats.AssembledWriter{})
	api.badPixelsReaders.Register(formats.TIFFBadPixelsFileType, "TIFF bad pixel map", formats.TIFFBadPixelsReader{})
	api.badPixelsReaders.Register(formats.JSONBadPixelsFileType, "JSON bad pixel list", formats.JSONBadPixelsReader{})

	return api
}

func (a *API) Dataset() *patterns.AssembledDataset {
	return a.dataset
}

func (a *API) RegisterReader(key string, displayName string, r formats.PatternReader) error {
	return a.readers.Register(key, displayName, r)
}

func (a *API) RegisterWriter(key string, displayName string, w formats.PatternWriter) error {
	return a.writers.Register(key, displayName, w)
}

func (a *API) RegisterBadPixelsReader(key string, displayName string, r formats.BadPixelsReader) error {
	return a.badPixelsReaders.Register(key, displayName, r)
}

// SetDefaultFileTypes - used when an operation is given an empty file type. Empty arguments leave the
// current default
func (a *API) SetDefaultFileTypes(patternsFileType string, badPixelsFileType string) error {
	if len(patternsFileType) > 0 {
		if err := a.readers.SetDefault(patternsFileType); err != nil {
			return patterns.NewUnknownFileTypeError(patternsFileType)
		}
		if _, ok := a.writers.Lookup(patternsFileType); ok {
			a.writers.SetDefault(patternsFileType)
		}
	}
	if len(badPixelsFileType) > 0 {
		if err := a.badPixelsReaders.SetDefault(badPixelsFileType); err != nil {
			return patterns.NewUnknownFileTypeError(badPixelsFileType)
		}
	}
	return nil
}

func (a *API) FileReaderTypes() []plugins.Info {
	return a.readers.Infos()
}

func (a *API) FileWriterTypes() []plugins.Info {
	return a.writers.Infos()
}

func (a *API) BadPixelsReaderTypes() []plugins.Info {
	return a.badPixelsReaders.Infos()
}

// Location - s3://bucket/key goes to the remote file access, anything else is a local path
func (a *API) Location(path string) (formats.Location, error) {
	if fileaccess.IsS3Url(path) {
		bucket, key, err := fileaccess.SplitS3Url(path)
		if err != nil {
			return formats.Location{}, patterns.NewFileNotFoundError(path)
		}
		if a.remoteFS == nil {
			return formats.Location{}, patterns.NewReadFailedError(nil, "no S3 access configured for %v", path)
		}
		return formats.Location{FS: a.remoteFS, Bucket: bucket, Path: key}, nil
	}
	return formats.Location{FS: a.localFS, Path: path}, nil
}

// existingLocation - FileNotFound unless the path is a file or a non-empty directory
func (a *API) existingLocation(path string) (formats.Location, error) {
	loc, err := a.Location(path)
	if err != nil {
		return loc, err
	}

	exists, err := loc.Exists()
	if err != nil {
		return loc, patterns.NewReadFailedError(err, "failed to check %v", path)
	}
	if !exists {
		return loc, patterns.NewFileNotFoundError(path)
	}
	return loc, nil
}

// ReadPatterns - reads path with the reader registered for fileType (empty for the default), without
// touching the dataset
func (a *API) ReadPatterns(path string, fileType string) (patterns.Dataset, error) {
	reader, ok := a.readers.Lookup(fileType)
	if !ok {
		return nil, patterns.NewUnknownFileTypeError(fileType)
	}

	loc, err := a.existingLocation(path)
	if err != nil {
		return nil, err
	}

	ds, err := reader.Strategy.Read(loc)
	if err != nil {
		return nil, patterns.NewReadFailedError(err, "failed to read %v as %v", path, reader.Key)
	}
	return ds, nil
}

// OpenPatterns - reads path and reloads the dataset with it, then starts loading. On any error the
// dataset is left as it was
func (a *API) OpenPatterns(path string, fileType string, overrides *OpenOverrides) error {
	ds, err := a.ReadPatterns(path, fileType)
	if err != nil {
		return err
	}

	// Checked before overrides touch the detector, Reload would only find out afterwards
	if err := ds.Metadata().Validate(len(ds.Arrays())); err != nil {
		return err
	}

	if overrides != nil {
		if err := a.ApplyOverrides(ds.Metadata(), *overrides); err != nil {
			return err
		}
	}

	if err := a.dataset.Reload(ds); err != nil {
		return err
	}

	a.log.Infof("Opened %v: %v arrays", path, len(ds.Arrays()))
	a.dataset.StartLoading()
	return nil
}

// ApplyOverrides - updates detector and processing settings from overrides and, if asked, from metadata.
// Everything is checked first, on error nothing is changed
func (a *API) ApplyOverrides(metadata patterns.Metadata, overrides OpenOverrides) error {
	det := a.dataset.Detector()
	desc := det.Descriptor()

	detectorExtent := overrides.DetectorExtent
	cropCenter := overrides.CropCenter
	if overrides.UseMetadataGeometry {
		if detectorExtent == nil && metadata.HasDetectorExtent() {
			detectorExtent = metadata.DetectorExtent
		}
		if cropCenter == nil && metadata.HasCropCenter() {
			cropCenter = metadata.CropCenter
		}
		if metadata.HasDetectorPixelGeometry() {
			desc.PixelWidthM = metadata.DetectorPixelGeometry.WidthM
			desc.PixelHeightM = metadata.DetectorPixelGeometry.HeightM
		}
		if metadata.HasDetectorBitDepth() {
			desc.BitDepth = *metadata.DetectorBitDepth
		}
	}

	if detectorExtent != nil {
		if detectorExtent.IsEmpty() {
			return patterns.NewInvalidMetadataError("detector extent %v", *detectorExtent)
		}
		desc.WidthPx = uint32(detectorExtent.WidthPx)
		desc.HeightPx = uint32(detectorExtent.HeightPx)
	}

	if err := desc.Validate(); err != nil {
		return patterns.NewInvalidMetadataError("%v", err)
	}
	if err := det.SetDescriptor(desc); err != nil {
		return patterns.NewInvalidMetadataError("%v", err)
	}

	if cropCenter == nil && overrides.CropExtent == nil {
		return nil
	}

	a.dataset.Settings().UpdateProcessing(func(c *patterns.ProcessingConfig) {
		if cropCenter != nil {
			c.X.CropCenterPx = cropCenter.PositionXPx
			c.Y.CropCenterPx = cropCenter.PositionYPx
		}
		if overrides.CropExtent != nil {
			c.X.CropEnabled = true
			c.X.CropSizePx = uint32(overrides.CropExtent.WidthPx)
			c.Y.CropEnabled = true
			c.Y.CropSizePx = uint32(overrides.CropExtent.HeightPx)
		}
	})
	return nil
}

// OpenBadPixels - reads a mask and sets it. A mask that doesn't fit the detector fails with ShapeMismatch
// and the current mask stays
func (a *API) OpenBadPixels(path string, fileType string) error {
	reader, ok := a.badPixelsReaders.Lookup(fileType)
	if !ok {
		return patterns.NewUnknownFileTypeError(fileType)
	}

	loc, err := a.existingLocation(path)
	if err != nil {
		return err
	}

	mask, err := reader.Strategy.Read(loc)
	if err != nil {
		return patterns.NewReadFailedError(err, "failed to read bad pixels %v as %v", path, reader.Key)
	}

	if err := a.dataset.SetBadPixels(mask); err != nil {
		return err
	}

	if err := a.dataset.Detector().SetBadPixelsFile(path, reader.Key); err != nil {
		a.log.Errorf("Failed to remember bad pixels file %v: %v", path, err)
	}

	a.log.Infof("Opened bad pixels %v: %v bad", path, mask.Count())
	return nil
}

func (a *API) ClearBadPixels() {
	a.dataset.ClearBadPixels()

	det := a.dataset.Detector()
	if err := det.SetBadPixelsFile("", det.Descriptor().BadPixelsFileType); err != nil {
		a.log.Errorf("Failed to forget bad pixels file: %v", err)
	}
}

// SavePatterns - writes every loaded array with the writer registered for fileType
func (a *API) SavePatterns(path string, fileType string) error {
	writer, ok := a.writers.Lookup(fileType)
	if !ok {
		return patterns.NewUnknownFileTypeError(fileType)
	}

	loc, err := a.Location(path)
	if err != nil {
		return err
	}

	snapshot, err := a.dataset.Snapshot()
	if err != nil {
		return err
	}

	if err := writer.Strategy.Write(loc, snapshot); err != nil {
		return patterns.NewWriteFailedError(err, "failed to write %v as %v", path, writer.Key)
	}

	a.log.Infof("Saved %v arrays to %v as %v", len(snapshot.Arrays), path, writer.Key)
	return nil
}

func (a *API) ClosePatterns() {
	a.dataset.Clear()
}

func (a *API) CreateStreamingSession(metadata patterns.Metadata) *patterns.StreamingSession {
	return patterns.NewStreamingSession(a.dataset, metadata)
}

// ImportAssembledPatterns - replaces the dataset with an exported snapshot
func (a *API) ImportAssembledPatterns(path string) error {
	loc, err := a.existingLocation(path)
	if err != nil {
		return err
	}

	data, err := loc.Read()
	if err != nil {
		return patterns.NewReadFailedError(err, "failed to read %v", path)
	}

	if err := a.dataset.ImportAssembled(bytes.NewReader(data)); err != nil {
		return err
	}

	a.log.Infof("Imported %v arrays from %v", a.dataset.Len(), path)
	return nil
}

// ExportAssembledPatterns - writes the loaded arrays as they are, after processing
func (a *API) ExportAssembledPatterns(path string) error {
	loc, err := a.Location(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := a.dataset.ExportAssembled(&buf); err != nil {
		return err
	}

	if err := loc.FS.WriteObject(loc.Bucket, loc.Path, buf.Bytes()); err != nil {
		return patterns.NewWriteFailedError(err, "failed to write %v", path)
	}
	return nil
}

func (a *API) StartAssembling() {
	a.dataset.StartLoading()
}

// FinishAssembling - stops accepting new work. If block is set, waits for loading to finish and
// assembles, returning any IncompleteDataset error from that
func (a *API) FinishAssembling(block bool) error {
	a.dataset.FinishLoading(block)
	if !block {
		return nil
	}
	return a.dataset.AssemblePatterns()
}
