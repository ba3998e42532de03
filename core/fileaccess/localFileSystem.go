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

package fileaccess

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xraylab/ptycho-patterns/core/utils"
)

// Implementation of file access using local file system
type FSAccess struct {
}

func (fsa *FSAccess) ListObjects(rootPath string, prefix string) ([]string, error) {
	result := []string{}

	rootOnly := filepath.Clean(rootPath)
	fullPath := fsa.filePath(rootPath, prefix)

	// Prefix may be a partial file name, so walk the directory it's in and filter
	walkRoot := fullPath
	if info, err := os.Stat(fullPath); err != nil || !info.IsDir() {
		walkRoot = filepath.Dir(fullPath)
	}

	err := filepath.Walk(walkRoot, func(pathFound string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() && strings.HasPrefix(pathFound, fullPath) {
			// pathFound contains the root directory, so we chop it off
			toSave := pathFound
			if len(rootPath) > 0 && strings.HasPrefix(toSave, rootOnly) {
				toSave = strings.TrimPrefix(toSave[len(rootOnly):], string(filepath.Separator))
			}
			result = append(result, filepath.ToSlash(toSave))
		}
		return nil
	})

	return result, err
}

func (fsa *FSAccess) ObjectExists(rootPath string, path string) (bool, error) {
	info, err := os.Stat(fsa.filePath(rootPath, path))
	if err == nil {
		return !info.IsDir(), nil
	}
	if fsa.IsNotFoundError(err) {
		return false, nil
	}
	return false, err
}

func (fsa *FSAccess) ReadObject(rootPath string, path string) ([]byte, error) {
	return os.ReadFile(fsa.filePath(rootPath, path))
}

func (fsa *FSAccess) WriteObject(rootPath string, path string, data []byte) error {
	fullPath := fsa.filePath(rootPath, path)

	// Ensure any subdirs in between are created
	err := os.MkdirAll(filepath.Dir(fullPath), 0755)
	if err != nil {
		return err
	}

	// Write the file out, this will create if needed else truncate and write
	return os.WriteFile(fullPath, data, 0644)
}

func (fsa *FSAccess) ReadJSON(rootPath string, path string, itemsPtr interface{}, emptyIfNotFound bool) error {
	fileData, err := fsa.ReadObject(rootPath, path)

	// If we got a not found error and we're told to ignore these and return empty data, then do so
	if err != nil {
		if emptyIfNotFound && fsa.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(fileData, itemsPtr)
}

func (fsa *FSAccess) WriteJSON(rootPath string, path string, itemsPtr interface{}) error {
	fileData, err := json.MarshalIndent(itemsPtr, "", utils.PrettyPrintIndentForJSON)
	if err != nil {
		return err
	}

	return fsa.WriteObject(rootPath, path, fileData)
}

func (fsa *FSAccess) DeleteObject(rootPath string, path string) error {
	return os.Remove(fsa.filePath(rootPath, path))
}

func (fsa *FSAccess) IsNotFoundError(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func (fsa *FSAccess) filePath(rootPath string, filePath string) string {
	if len(rootPath) <= 0 {
		return filepath.Clean(filePath)
	}
	return filepath.Join(rootPath, filePath)
}
