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
	"context"
	"fmt"
	"strings"

	"github.com/xraylab/ptycho-patterns/api/diffraction"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/utils"
)

// Commands run in the order given on the command line, each with a fixed number of arguments.
// An optional file type can follow a path as type=<key>
type command struct {
	name string
	args []string
}

var commandArgCounts = map[string]int{
	"open":      1,
	"stream":    1,
	"badpixels": 1,
	"save":      1,
	"export":    1,
	"import":    1,
	"stats":     0,
	"serve":     0,
}

func parseCommands(args []string) ([]command, error) {
	result := []command{}
	for c := 0; c < len(args); {
		name := args[c]
		count, ok := commandArgCounts[name]
		if !ok {
			return nil, fmt.Errorf("unknown command: %v, expected one of %v", name, utils.GetSortedMapKeys(commandArgCounts))
		}
		if c+count >= len(args) {
			return nil, fmt.Errorf("%v needs %v argument(s)", name, count)
		}

		cmd := command{name: name, args: append([]string{}, args[c+1:c+1+count]...)}
		c += 1 + count

		// Optional file type
		if c < len(args) && strings.HasPrefix(args[c], "type=") {
			cmd.args = append(cmd.args, strings.TrimPrefix(args[c], "type="))
			c++
		}
		result = append(result, cmd)
	}
	return result, nil
}

// fileType - the type=... argument if given
func (cmd command) fileType(count int) string {
	if len(cmd.args) > count {
		return cmd.args[count]
	}
	return ""
}

// S3Paths - any s3:// urls the commands refer to
func S3Paths(cmds []command) []string {
	result := []string{}
	for _, cmd := range cmds {
		if len(cmd.args) > 0 && strings.HasPrefix(cmd.args[0], "s3://") {
			result = append(result, cmd.args[0])
		}
	}
	return result
}

type runner struct {
	api     *diffraction.API
	log     logger.ILogger
	serving bool
}

func (r *runner) run(ctx context.Context, cmd command) error {
	d := r.api.Dataset()

	switch cmd.name {
	case "open":
		if err := r.api.OpenPatterns(cmd.args[0], cmd.fileType(1), &diffraction.OpenOverrides{UseMetadataGeometry: true}); err != nil {
			return err
		}
		return r.api.FinishAssembling(true)
	case "stream":
		return r.stream(ctx, cmd.args[0], cmd.fileType(1))
	case "badpixels":
		return r.api.OpenBadPixels(cmd.args[0], cmd.fileType(1))
	case "save":
		return r.api.SavePatterns(cmd.args[0], cmd.fileType(1))
	case "export":
		return r.api.ExportAssembledPatterns(cmd.args[0])
	case "import":
		return r.api.ImportAssembledPatterns(cmd.args[0])
	case "stats":
		if err := d.AssemblePatterns(); err != nil {
			return err
		}
		fmt.Println(d.InfoText())
		if stats := d.Statistics(); stats != nil {
			fmt.Printf("%v frames, mean count %.3f, max count %v, %v bad pixels\n", stats.NumFrames, stats.MeanCount, stats.MaxCount, stats.NumBadPixels)
		}
		return nil
	case "serve":
		r.serving = true
		return nil
	}
	return fmt.Errorf("unknown command: %v", cmd.name)
}

// stream - reads a dataset and feeds its arrays through a streaming session one at a time, waiting
// whenever the loader falls behind
func (r *runner) stream(ctx context.Context, path string, fileType string) error {
	ds, err := r.api.ReadPatterns(path, fileType)
	if err != nil {
		return err
	}

	metadata := ds.Metadata()
	if err := r.api.ApplyOverrides(metadata, diffraction.OpenOverrides{UseMetadataGeometry: true}); err != nil {
		return err
	}

	// Arrays arrive one by one, so no placeholders
	metadata.NumPatternsPerArray = nil

	session := r.api.CreateStreamingSession(metadata)
	if err := session.Start(); err != nil {
		return err
	}
	r.log.Infof("Streaming session %v started, high water mark %v", session.ID(), session.HighWaterMark())

	for _, a := range ds.Arrays() {
		if err := session.WaitForCapacity(ctx); err != nil {
			session.Stop()
			return err
		}
		if err := session.AppendArray(a); err != nil {
			return err
		}
	}

	return session.Stop()
}
