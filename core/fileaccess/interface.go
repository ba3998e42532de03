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
	"fmt"
	"strings"
)

// Generic interface for reading/writing files
// Snapshots and bad pixel maps can live on the local file system or in S3,
// so we code against this interface and pick the implementation based on
// the path we're given.

// Besides just needing a path, we may need a root directory or bucket at
// the start of a path. For local files the bucket is a root directory and
// may be empty.

type FileAccess interface {
	ListObjects(bucket string, prefix string) ([]string, error)
	ObjectExists(bucket string, path string) (bool, error)

	ReadObject(bucket string, path string) ([]byte, error)
	WriteObject(bucket string, path string, data []byte) error

	ReadJSON(bucket string, path string, itemsPtr interface{}, emptyIfNotFound bool) error
	WriteJSON(bucket string, path string, itemsPtr interface{}) error

	DeleteObject(bucket string, path string) error

	IsNotFoundError(err error) bool
}

// IsS3Url - does this look like s3://bucket/key
func IsS3Url(url string) bool {
	return strings.HasPrefix(url, "s3://")
}

// SplitS3Url - returns the bucket and key of an s3://bucket/key url
func SplitS3Url(url string) (string, string, error) {
	trimmedUrl := strings.TrimPrefix(url, "s3://")
	if trimmedUrl == url {
		return "", "", fmt.Errorf("SplitS3Url parameter was not a valid S3 url: %v", url)
	}

	// Get the bit before the first slash, that's the bucket
	slashPos := strings.Index(trimmedUrl, "/")
	if slashPos <= 0 || slashPos == len(trimmedUrl)-1 {
		return "", "", fmt.Errorf("SplitS3Url failed to get bucket and path from S3 url: %v", url)
	}

	return trimmedUrl[0:slashPos], trimmedUrl[slashPos+1:], nil
}
