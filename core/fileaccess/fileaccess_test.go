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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type testData struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func runTest(fs FileAccess, bucket string) {
	fmt.Printf("JSON: %v\n", fs.WriteJSON(bucket, "the-files/pretty.json", testData{Name: "Hello", Value: 778}))

	exists, err := fs.ObjectExists(bucket, "the-files/data.bin")
	fmt.Printf("Exists1: %v|%v\n", exists, err)

	fmt.Printf("Binary: %v\n", fs.WriteObject(bucket, "the-files/subdir/data.bin", []byte{250, 130, 10, 0, 33}))

	exists, err = fs.ObjectExists(bucket, "the-files/subdir/data.bin")
	fmt.Printf("Exists2: %v|%v\n", exists, err)

	var contents testData
	err = fs.ReadJSON(bucket, "the-files/pretty.json", &contents, false)
	fmt.Printf("Read JSON: %v, %v\n", err, contents)

	data, err := fs.ReadObject(bucket, "the-files/subdir/data.bin")
	fmt.Printf("Read Binary: %v, %v\n", err, data)

	err = fs.ReadJSON(bucket, "the-files/missing.json", &contents, false)
	fmt.Printf("Read bad path, got not found error: %v\n", fs.IsNotFoundError(err))

	err = fs.ReadJSON(bucket, "the-files/missing.json", &contents, true)
	fmt.Printf("Read bad path, empty if not found: %v\n", err)

	listing, err := fs.ListObjects(bucket, "the-files/")
	sort.Strings(listing)
	fmt.Printf("Listing: %v, %v\n", err, listing)

	fmt.Printf("Delete bin: %v\n", fs.DeleteObject(bucket, "the-files/subdir/data.bin"))

	listing, err = fs.ListObjects(bucket, "the-files/")
	fmt.Printf("Listing2: %v, %v\n", err, listing)
}

func Example_localFileSystem() {
	dir, err := os.MkdirTemp("", "fileaccess")
	fmt.Printf("Setup: %v\n", err)
	defer os.RemoveAll(dir)

	runTest(&FSAccess{}, dir)

	// Output:
	// Setup: <nil>
	// JSON: <nil>
	// Exists1: false|<nil>
	// Binary: <nil>
	// Exists2: true|<nil>
	// Read JSON: <nil>, {Hello 778}
	// Read Binary: <nil>, [250 130 10 0 33]
	// Read bad path, got not found error: true
	// Read bad path, empty if not found: <nil>
	// Listing: <nil>, [the-files/pretty.json the-files/subdir/data.bin]
	// Delete bin: <nil>
	// Listing2: <nil>, [the-files/pretty.json]
}

// In-memory S3 stand-in, only implements what S3Access calls
type memS3 struct {
	s3iface.S3API
	mutex   sync.Mutex
	objects map[string][]byte
}

func (m *memS3) key(bucket *string, key *string) string {
	return aws.StringValue(bucket) + "/" + aws.StringValue(key)
}

func (m *memS3) notFound() error {
	return awserr.New(s3.ErrCodeNoSuchKey, "not found", nil)
}

func (m *memS3) PutObject(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[m.key(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data, ok := m.objects[m.key(in.Bucket, in.Key)]
	if !ok {
		return nil, m.notFound()
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.objects[m.key(in.Bucket, in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *memS3) DeleteObject(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.objects, m.key(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	prefix := aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Prefix)
	keys := []string{}
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k[len(aws.StringValue(in.Bucket))+1:])
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(k)})
	}
	return out, nil
}

func Example_s3() {
	runTest(MakeS3Access(&memS3{objects: map[string][]byte{}}), "test-bucket")

	// NOTE: output must match the local file system test

	// Output:
	// JSON: <nil>
	// Exists1: false|<nil>
	// Binary: <nil>
	// Exists2: true|<nil>
	// Read JSON: <nil>, {Hello 778}
	// Read Binary: <nil>, [250 130 10 0 33]
	// Read bad path, got not found error: true
	// Read bad path, empty if not found: <nil>
	// Listing: <nil>, [the-files/pretty.json the-files/subdir/data.bin]
	// Delete bin: <nil>
	// Listing2: <nil>, [the-files/pretty.json]
}

func Example_splitS3Url() {
	for _, url := range []string{"s3://bucket/path/to/snapshot.asm", "/local/path", "s3://bucket/"} {
		bucket, key, err := SplitS3Url(url)
		fmt.Printf("%v|%v|%v\n", bucket, key, err)
	}
	fmt.Println(IsS3Url("s3://x/y"), IsS3Url("x/y"))

	// Output:
	// bucket|path/to/snapshot.asm|<nil>
	// ||SplitS3Url parameter was not a valid S3 url: /local/path
	// ||SplitS3Url failed to get bucket and path from S3 url: s3://bucket/
	// true false
}

func TestLocalListMissingDir(t *testing.T) {
	fs := &FSAccess{}
	listing, err := fs.ListObjects(filepath.Join(t.TempDir(), "nope"), "")
	if err != nil {
		t.Errorf("expected no error listing missing dir, got %v", err)
	}
	if len(listing) != 0 {
		t.Errorf("expected empty listing, got %v", listing)
	}
}
