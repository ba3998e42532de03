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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xraylab/ptycho-patterns/api/config"
	"github.com/xraylab/ptycho-patterns/api/diffraction"
	apiRouter "github.com/xraylab/ptycho-patterns/api/router"
	"github.com/xraylab/ptycho-patterns/core/awsutil"
	"github.com/xraylab/ptycho-patterns/core/detector"
	"github.com/xraylab/ptycho-patterns/core/fileaccess"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

const usage = `Usage: pattern-assembler [flags] command [args] [type=<file type>] ...

Commands run in order:
  open <path>        open a TIFF file/directory or assembled file, load and assemble it
  stream <path>      as open, but feed arrays through a streaming session
  badpixels <path>   load a bad pixel map
  save <path>        save assembled patterns (type=TIFF or type=ASSEMBLED)
  export <path>      export an assembled snapshot
  import <path>      import an assembled snapshot
  stats              print dataset statistics
  serve              keep running with the monitor server after the other commands

Paths may be s3://bucket/key urls.`

func main() {
	fmt.Println("===================================")
	fmt.Println("=  Diffraction pattern assembler  =")
	fmt.Println("===================================")

	cfg, args, err := config.Init(os.Args[1:])
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	cmds, err := parseCommands(args)
	if err != nil || len(cmds) <= 0 {
		fmt.Println(usage)
		if err != nil {
			log.Fatalln(err)
		}
		os.Exit(1)
	}

	ilog := &logger.StdOutLogger{}
	level, _ := logger.LogLevelFromString(cfg.LogLevel)
	ilog.SetLogLevel(level)

	if len(cfg.SentryEndpoint) > 0 {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryEndpoint}); err != nil {
			ilog.Errorf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := run(cfg, cmds, ilog); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		log.Fatalf("Failed: %v", err)
	}
}

func run(cfg config.Config, cmds []command, ilog logger.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	localFS := &fileaccess.FSAccess{}
	var remoteFS fileaccess.FileAccess

	// Only set up AWS if something needs it
	if len(S3Paths(cmds)) > 0 || fileaccess.IsS3Url(cfg.DetectorConfigPath) {
		sess, err := awsutil.GetSessionWithRegion(cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("AWS GetSession failed: %v", err)
		}
		svc, err := awsutil.GetS3(sess)
		if err != nil {
			return fmt.Errorf("AWS GetS3 failed: %v", err)
		}
		remoteFS = fileaccess.MakeS3Access(svc)
	}

	descriptor, err := cfg.ResolveDetector(localFS, remoteFS)
	if err != nil {
		return fmt.Errorf("failed to read detector config: %v", err)
	}
	det, err := detector.NewDetector(descriptor)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	settings := patterns.NewSettings(cfg.Processing, cfg.Dataset)
	badPixels := patterns.NewBadPixels(det, ilog)
	dataset := patterns.NewAssembledDataset(det, settings, badPixels, patterns.NewMetrics(reg), ilog)
	defer dataset.Close()

	api := diffraction.NewAPI(dataset, localFS, remoteFS, ilog)
	if err := api.SetDefaultFileTypes(cfg.PatternsFileType, cfg.BadPixelsFileType); err != nil {
		return err
	}

	// Bad pixel map named by the detector config
	if len(descriptor.BadPixelsFile) > 0 {
		if err := api.OpenBadPixels(descriptor.BadPixelsFile, descriptor.BadPixelsFileType); err != nil {
			return err
		}
	}

	var server *http.Server
	if len(cfg.MonitorAddress) > 0 {
		monitor := apiRouter.NewMonitor(api, reg, reg, ilog)
		defer monitor.Close()

		server = &http.Server{Addr: cfg.MonitorAddress, Handler: monitor.Handler(cfg.CORSAllowedOrigins)}
		go func() {
			ilog.Infof("Monitor listening on %v", cfg.MonitorAddress)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				ilog.Errorf("Monitor server failed: %v", err)
			}
		}()
	}

	r := &runner{api: api, log: ilog}
	for _, cmd := range cmds {
		ilog.Infof("Running %v %v", cmd.name, cmd.args)
		if err := r.run(ctx, cmd); err != nil {
			return fmt.Errorf("%v: %w", cmd.name, err)
		}
	}

	if r.serving && server != nil {
		ilog.Infof("Serving until interrupted")
		<-ctx.Done()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
	return nil
}
