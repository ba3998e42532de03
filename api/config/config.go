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

// Application configuration, read from a YAML or JSON file with a few fields overridable from
// environment variables and command line flags
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/fileaccess"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
	"gopkg.in/yaml.v3"
)

// EnvPrefix - environment variables named <EnvPrefix><FieldName> override config file values
const EnvPrefix = "PTYCHO_CONFIG_"

type Config struct {
	LogLevel       string `json:"logLevel" yaml:"logLevel"`
	SentryEndpoint string `json:"sentryEndpoint" yaml:"sentryEndpoint"`
	AWSRegion      string `json:"awsRegion" yaml:"awsRegion"`

	// If set, the detector is read from this JSON file (local path or s3:// url) instead of Detector
	DetectorConfigPath string              `json:"detectorConfigPath" yaml:"detectorConfigPath"`
	Detector           detector.Descriptor `json:"detector" yaml:"detector"`

	Processing patterns.ProcessingConfig `json:"processing" yaml:"processing"`
	Dataset    patterns.DatasetSettings  `json:"dataset" yaml:"dataset"`

	// Used when no file type is given on the command line
	PatternsFileType  string `json:"patternsFileType" yaml:"patternsFileType"`
	BadPixelsFileType string `json:"badPixelsFileType" yaml:"badPixelsFileType"`

	// Monitor HTTP server, off if empty
	MonitorAddress     string   `json:"monitorAddress" yaml:"monitorAddress"`
	CORSAllowedOrigins []string `json:"corsAllowedOrigins" yaml:"corsAllowedOrigins"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:          logger.LogInfo.String(),
		AWSRegion:         "us-east-1",
		Detector:          detector.DefaultDescriptor(),
		Processing:        patterns.DefaultProcessingConfig(),
		Dataset:           patterns.DefaultDatasetSettings(),
		PatternsFileType:  "TIFF",
		BadPixelsFileType: "TIFF_Bad_Pixels",
	}
}

// NewConfigFromFile - .yaml/.yml files are read as YAML, anything else as JSON. Fields missing from
// the file keep their defaults
func NewConfigFromFile(configFilePath string) (Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config file at %s: %v", configFilePath, err)
	}

	switch strings.ToLower(filepath.Ext(configFilePath)) {
	case ".yaml", ".yml":
		return NewConfigFromYAML(data)
	}
	return NewConfigFromJSON(data)
}

func NewConfigFromJSON(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config JSON: %v", err)
	}
	return cfg, applyEnvOverrides(&cfg)
}

func NewConfigFromYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %v", err)
	}
	return cfg, applyEnvOverrides(&cfg)
}

// Fields that can be set from the environment, by name
var envOverrides = map[string]func(cfg *Config, val string) error{
	"LogLevel":           func(cfg *Config, val string) error { cfg.LogLevel = val; return nil },
	"SentryEndpoint":     func(cfg *Config, val string) error { cfg.SentryEndpoint = val; return nil },
	"AWSRegion":          func(cfg *Config, val string) error { cfg.AWSRegion = val; return nil },
	"DetectorConfigPath": func(cfg *Config, val string) error { cfg.DetectorConfigPath = val; return nil },
	"PatternsFileType":   func(cfg *Config, val string) error { cfg.PatternsFileType = val; return nil },
	"BadPixelsFileType":  func(cfg *Config, val string) error { cfg.BadPixelsFileType = val; return nil },
	"MonitorAddress":     func(cfg *Config, val string) error { cfg.MonitorAddress = val; return nil },
	"ScratchDirectory":   func(cfg *Config, val string) error { cfg.Dataset.ScratchDirectory = val; return nil },
	// Comma separated
	"CORSAllowedOrigins": func(cfg *Config, val string) error {
		cfg.CORSAllowedOrigins = strings.Split(val, ",")
		return nil
	},
	"NumDataThreads": func(cfg *Config, val string) error {
		i, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		cfg.Dataset.NumDataThreads = i
		return nil
	},
	"MemmapEnabled": func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		cfg.Dataset.MemmapEnabled = b
		return nil
	},
}

func applyEnvOverrides(cfg *Config) error {
	for name, set := range envOverrides {
		if val, present := os.LookupEnv(EnvPrefix + name); present {
			if err := set(cfg, val); err != nil {
				return fmt.Errorf("could not use %v%v=%v: %v", EnvPrefix, name, val, err)
			}
		}
	}
	return nil
}

// Validate - only checks what can't be clamped into range later
func (cfg Config) Validate() error {
	if _, err := logger.LogLevelFromString(cfg.LogLevel); err != nil {
		return err
	}
	if err := cfg.Detector.Validate(); err != nil {
		return err
	}
	if cfg.Dataset.StreamingHighWaterMark < 0 {
		return errors.New("streaming high water mark must not be negative")
	}
	return nil
}

// ResolveDetector - the detector descriptor to use, read from DetectorConfigPath if that's set. remoteFS
// serves s3:// paths and may be nil
func (cfg Config) ResolveDetector(localFS fileaccess.FileAccess, remoteFS fileaccess.FileAccess) (detector.Descriptor, error) {
	if len(cfg.DetectorConfigPath) <= 0 {
		return cfg.Detector, nil
	}

	if fileaccess.IsS3Url(cfg.DetectorConfigPath) {
		if remoteFS == nil {
			return cfg.Detector, fmt.Errorf("no S3 access to read %v", cfg.DetectorConfigPath)
		}
		bucket, path, err := fileaccess.SplitS3Url(cfg.DetectorConfigPath)
		if err != nil {
			return cfg.Detector, err
		}
		return detector.ReadDescriptor(remoteFS, bucket, path)
	}
	return detector.ReadDescriptor(localFS, "", cfg.DetectorConfigPath)
}

// Init - reads command line arguments (without the program name), loads the config file they name if any
// and applies flag overrides on top. Returns the arguments left after the flags
func Init(args []string) (Config, []string, error) {
	flags := flag.NewFlagSet("ptycho-patterns", flag.ContinueOnError)
	configFilePath := flags.String("config", "", "Path to a YAML or JSON config file")
	logLevel := flags.String("logLevel", "", "Overrides log level: DEBUG, INFO or ERROR")
	threads := flags.Int("threads", 0, "Overrides number of data loading threads")
	monitor := flags.String("monitor", "", "Overrides monitor server address, eg :8080")
	if err := flags.Parse(args); err != nil {
		return Config{}, nil, err
	}

	cfg := DefaultConfig()
	var err error
	if len(*configFilePath) > 0 {
		cfg, err = NewConfigFromFile(*configFilePath)
	} else {
		err = applyEnvOverrides(&cfg)
	}
	if err != nil {
		return cfg, nil, err
	}

	if len(*logLevel) > 0 {
		cfg.LogLevel = *logLevel
	}
	if *threads > 0 {
		cfg.Dataset.NumDataThreads = *threads
	}
	if len(*monitor) > 0 {
		cfg.MonitorAddress = *monitor
	}

	return cfg, flags.Args(), cfg.Validate()
}
