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

// Reader and writer strategies for diffraction patterns and bad pixel maps
package formats

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/xraylab/ptycho-patterns/core/fileaccess"
	"github.com/xraylab/ptycho-patterns/core/patterns"
	"github.com/xraylab/ptycho-patterns/core/utils"
)

// Location - a file or directory, on the local file system (empty bucket) or in S3
type Location struct {
	FS     fileaccess.FileAccess
	Bucket string
	Path   string
}

func (l Location) String() string {
	if len(l.Bucket) > 0 {
		return fmt.Sprintf("s3://%v/%v", l.Bucket, l.Path)
	}
	return l.Path
}

// Join - location of a file within this one, which is treated as a directory
func (l Location) Join(name string) Location {
	return Location{FS: l.FS, Bucket: l.Bucket, Path: path.Join(l.Path, name)}
}

func (l Location) Read() ([]byte, error) {
	return l.FS.ReadObject(l.Bucket, l.Path)
}

func (l Location) IsFile() (bool, error) {
	return l.FS.ObjectExists(l.Bucket, l.Path)
}

// ListDir - files below this location, sorted
func (l Location) ListDir() ([]string, error) {
	items, err := l.FS.ListObjects(l.Bucket, l.Path)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(l.Path, "/") + "/"
	result := []string{}
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			result = append(result, item)
		}
	}
	sort.Strings(result)
	return result, nil
}

// Exists - a file, or a directory with something in it
func (l Location) Exists() (bool, error) {
	isFile, err := l.IsFile()
	if err != nil || isFile {
		return isFile, err
	}

	items, err := l.ListDir()
	return len(items) > 0, err
}

type PatternReader interface {
	Read(loc Location) (patterns.Dataset, error)
}

type PatternWriter interface {
	Write(loc Location, snapshot patterns.AssembledSnapshot) error
}

type BadPixelsReader interface {
	Read(loc Location) (*patterns.Mask, error)
}

// Keys the default strategies are registered under
const (
	TIFFFileType          = "TIFF"
	AssembledFileType     = "ASSEMBLED"
	TIFFBadPixelsFileType = "TIFF_Bad_Pixels"
	JSONBadPixelsFileType = "JSON_Bad_Pixels"
)

func hasExtension(name string, extensions ...string) bool {
	return utils.ItemInSlice(strings.ToLower(path.Ext(name)), extensions)
}

func baseName(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
