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

package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/xraylab/ptycho-patterns/api/config"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
	"golang.org/x/image/tiff"
)

func Example_parseCommands() {
	cmds, err := parseCommands([]string{"open", "/data/scan", "type=ASSEMBLED", "badpixels", "s3://bucket/bad.json", "type=JSON_Bad_Pixels", "stats", "export", "s3://bucket/out.asm"})
	fmt.Println(err)
	for _, cmd := range cmds {
		fmt.Printf("%v %v [%v]\n", cmd.name, cmd.args, cmd.fileType(1))
	}
	fmt.Println(S3Paths(cmds))

	_, err = parseCommands([]string{"open"})
	fmt.Println(err)
	_, err = parseCommands([]string{"stats", "dance"})
	fmt.Println(err)

	// Output:
	// <nil>
	// open [/data/scan ASSEMBLED] [ASSEMBLED]
	// badpixels [s3://bucket/bad.json JSON_Bad_Pixels] [JSON_Bad_Pixels]
	// stats [] []
	// export [s3://bucket/out.asm] []
	// [s3://bucket/bad.json s3://bucket/out.asm]
	// open needs 1 argument(s)
	// unknown command: dance, expected one of [badpixels export import open save serve stats stream]
}

func Test_run(t *testing.T) {
	in := t.TempDir()
	for c := 0; c < 4; c++ {
		img := image.NewGray16(image.Rect(0, 0, 8, 8))
		img.SetGray16(3, 3, color.Gray16{Y: uint16(100 + c)})

		var buf bytes.Buffer
		if err := tiff.Encode(&buf, img, nil); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := os.WriteFile(filepath.Join(in, fmt.Sprintf("f%v.tif", c)), buf.Bytes(), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	out := t.TempDir()
	exported := filepath.Join(out, "scan.assembled")

	cfg := config.DefaultConfig()
	cfg.Dataset = patterns.DatasetSettings{NumDataThreads: 2, StreamingHighWaterMark: 1}
	axis := patterns.AxisProcessingConfig{CropEnabled: true, CropCenterPx: 4, CropSizePx: 4, BinSizePx: 1}
	cfg.Processing = patterns.ProcessingConfig{X: axis, Y: axis}

	cmds, err := parseCommands([]string{"stream", in, "stats", "export", exported, "import", exported, "save", filepath.Join(out, "tiffs"), "type=TIFF"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if err := run(cfg, cmds, &logger.NullLogger{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	saved, err := filepath.Glob(filepath.Join(out, "tiffs", "*.tiff"))
	if err != nil || len(saved) != 4 {
		t.Errorf("expected 4 saved TIFFs, got %v, %v", saved, err)
	}

	if _, err := os.Stat(exported); err != nil {
		t.Errorf("export missing: %v", err)
	}

	cmds, _ = parseCommands([]string{"open", filepath.Join(in, "nope")})
	if err := run(cfg, cmds, &logger.NullLogger{}); err == nil {
		t.Errorf("expected error opening missing path")
	}
}
