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

package patterns

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultLoaded    = "loaded"
	resultFailed    = "failed"
	resultDiscarded = "discarded"
)

// Metrics - loader instrumentation
type Metrics struct {
	ArraysProcessed *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	LoadSeconds     prometheus.Histogram
}

// NewMetrics - registers the collectors on reg if it's not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ArraysProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_arrays_processed_total",
			Help: "Number of pattern arrays processed by the loader, by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pattern_load_queue_depth",
			Help: "Pattern arrays scheduled but not yet committed.",
		}),
		LoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pattern_array_load_seconds",
			Help:    "Time taken to load and process one pattern array.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ArraysProcessed, m.QueueDepth, m.LoadSeconds)
	}
	return m
}
