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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/xraylab/ptycho-patterns/core/fileaccess"
)

const testYAML = `
logLevel: DEBUG
detector:
  widthPx: 256
  heightPx: 128
  pixelWidthM: 0.000055
  pixelHeightM: 0.000055
  bitDepth: 16
processing:
  x:
    cropEnabled: true
    cropCenterPx: 100
    cropSizePx: 64
    binSizePx: 2
  transpose: true
dataset:
  numDataThreads: 4
  memmapEnabled: true
patternsFileType: ASSEMBLED
corsAllowedOrigins: [http://localhost:4200]
`

func writeFile(t *testing.T, name string, contents string) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func Test_NewConfigFromYAMLFile(t *testing.T) {
	cfg, err := NewConfigFromFile(writeFile(t, "config.yaml", testYAML))
	if err != nil {
		t.Fatalf("Error reading config: %v", err)
	}

	got := fmt.Sprintf("%v %v %v %v %v|%v %v %v %v %v|%v %v|%v %v %v",
		cfg.LogLevel, cfg.Detector.WidthPx, cfg.Detector.HeightPx, cfg.Detector.BitDepth, cfg.Detector.PixelWidthM,
		cfg.Processing.X.CropEnabled, cfg.Processing.X.CropCenterPx, cfg.Processing.X.BinSizePx, cfg.Processing.Y.CropSizePx, cfg.Processing.Transpose,
		cfg.Dataset.NumDataThreads, cfg.Dataset.MemmapEnabled,
		cfg.PatternsFileType, cfg.BadPixelsFileType, cfg.CORSAllowedOrigins)
	want := "DEBUG 256 128 16 5.5e-05|true 100 2 64 true|4 true|ASSEMBLED TIFF_Bad_Pixels [http://localhost:4200]"
	if got != want {
		t.Errorf("got %q; want: %q", got, want)
	}

	// Not in the file, so stays at its default
	if len(cfg.Dataset.ScratchDirectory) <= 0 {
		t.Errorf("scratch directory default lost")
	}
}

func Test_NewConfigFromJSON(t *testing.T) {
	cfg, err := NewConfigFromJSON([]byte(`{"logLevel": "ERROR", "monitorAddress": ":9000", "dataset": {"numDataThreads": 3}}`))
	if err != nil {
		t.Fatalf("Error reading config: %v", err)
	}
	if cfg.LogLevel != "ERROR" || cfg.MonitorAddress != ":9000" || cfg.Dataset.NumDataThreads != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Detector.WidthPx != 1024 {
		t.Errorf("detector default lost: %v", cfg.Detector.WidthPx)
	}

	if _, err := NewConfigFromJSON([]byte(`{"logLevel": `)); err == nil {
		t.Errorf("expected parse error")
	}
}

func Test_OverrideConfigWithEnvVars(t *testing.T) {
	t.Setenv(EnvPrefix+"MonitorAddress", ":7000")
	t.Setenv(EnvPrefix+"NumDataThreads", "12")
	t.Setenv(EnvPrefix+"CORSAllowedOrigins", "a.com,b.com")

	cfg, err := NewConfigFromFile(writeFile(t, "config.yml", testYAML))
	if err != nil {
		t.Fatalf("Error reading config: %v", err)
	}
	if cfg.MonitorAddress != ":7000" || cfg.Dataset.NumDataThreads != 12 || fmt.Sprintf("%v", cfg.CORSAllowedOrigins) != "[a.com b.com]" {
		t.Errorf("env overrides not applied: %v %v %v", cfg.MonitorAddress, cfg.Dataset.NumDataThreads, cfg.CORSAllowedOrigins)
	}

	t.Setenv(EnvPrefix+"NumDataThreads", "many")
	if _, err := NewConfigFromJSON([]byte(`{}`)); err == nil {
		t.Errorf("expected error for non-numeric thread count")
	}
}

func Test_Init(t *testing.T) {
	path := writeFile(t, "config.yaml", testYAML)
	cfg, args, err := Init([]string{"-config", path, "-threads", "6", "-logLevel", "ERROR", "open", "/data/scan"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if cfg.Dataset.NumDataThreads != 6 || cfg.LogLevel != "ERROR" || cfg.Detector.WidthPx != 256 {
		t.Errorf("flags not applied: %v %v %v", cfg.Dataset.NumDataThreads, cfg.LogLevel, cfg.Detector.WidthPx)
	}
	if fmt.Sprintf("%v", args) != "[open /data/scan]" {
		t.Errorf("unexpected remaining args: %v", args)
	}

	_, _, err = Init([]string{"-logLevel", "LOUD"})
	if err == nil {
		t.Errorf("expected invalid log level to fail validation")
	}
}

func Example_validate() {
	cfg := DefaultConfig()
	fmt.Println(cfg.Validate())

	cfg.Detector.WidthPx = 0
	fmt.Println(cfg.Validate())

	cfg = DefaultConfig()
	cfg.Dataset.StreamingHighWaterMark = -1
	fmt.Println(cfg.Validate())

	// Output:
	// <nil>
	// detector extent must be at least 1x1, got 0x1024
	// streaming high water mark must not be negative
}

func Test_ResolveDetector(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.ResolveDetector(&fileaccess.FSAccess{}, nil)
	if err != nil || d != cfg.Detector {
		t.Errorf("expected configured detector, got %v, %v", d, err)
	}

	cfg.DetectorConfigPath = writeFile(t, "detector.json", `{"widthPx": 512, "heightPx": 512}`)
	d, err = cfg.ResolveDetector(&fileaccess.FSAccess{}, nil)
	if err != nil {
		t.Fatalf("ResolveDetector: %v", err)
	}
	if d.WidthPx != 512 || d.BitDepth != 8 {
		t.Errorf("unexpected detector: %+v", d)
	}

	cfg.DetectorConfigPath = "s3://bucket/detector.json"
	if _, err := cfg.ResolveDetector(&fileaccess.FSAccess{}, nil); err == nil {
		t.Errorf("expected error without S3 access")
	}
}
