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

// HTTP monitor for a running dataset: JSON summaries of the dataset and its arrays, dataset events
// streamed over a websocket and prometheus metrics
package apiRouter

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xraylab/ptycho-patterns/api/diffraction"
	"github.com/xraylab/ptycho-patterns/core/logger"
)

const IndexParamName = "index"

type Monitor struct {
	API    *diffraction.API
	Log    logger.ILogger
	Router *mux.Router

	melody     *melody.Melody
	removeSink func()

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// NewMonitor - sets up routes and subscribes to dataset events. Metrics are served from gatherer and the
// monitor's own request metrics are registered on reg, either may be nil
func NewMonitor(api *diffraction.API, reg prometheus.Registerer, gatherer prometheus.Gatherer, log logger.ILogger) *Monitor {
	m := &Monitor{
		API:    api,
		Log:    log,
		Router: mux.NewRouter(),
		melody: melody.New(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "monitor_http_duration_seconds",
			Help: "Duration of monitor HTTP requests.",
		}, []string{"path"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_http_requests_total",
			Help: "Number of monitor HTTP requests.",
		}, []string{"path"}),
	}

	if reg != nil {
		reg.MustRegister(m.httpDuration, m.httpRequests)
	}

	m.AddJSONHandler("/dataset", getDatasetSummary)
	m.AddJSONHandler("/dataset/arrays", listArrays)
	m.AddJSONHandler("/dataset/arrays/{"+IndexParamName+"}", getArray)
	m.AddJSONHandler("/dataset/statistics", getStatistics)
	m.AddJSONHandler("/file-types", getFileTypes)

	m.Router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if err := m.melody.HandleRequest(w, r); err != nil {
			m.Log.Errorf("Event stream request failed: %v", err)
		}
	}).Methods(http.MethodGet)

	if gatherer != nil {
		m.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	m.Router.Use(m.prometheusMiddleware)

	m.removeSink = api.Dataset().AddEventSink(&eventBroadcaster{melody: m.melody, log: log})
	return m
}

func (m *Monitor) AddJSONHandler(path string, handleFunc JSONHandlerFunc) {
	m.Router.Handle(path, &jsonHandler{monitor: m, handler: handleFunc}).Methods(http.MethodGet)
}

// Handler - the router wrapped for CORS
func (m *Monitor) Handler(allowedOrigins []string) http.Handler {
	if len(allowedOrigins) <= 0 {
		allowedOrigins = []string{"*"}
	}

	return handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins(allowedOrigins))(m.Router)
}

// Close - stops sending events and disconnects websocket clients
func (m *Monitor) Close() {
	m.removeSink()
	if err := m.melody.Close(); err != nil {
		m.Log.Errorf("Failed to close event stream: %v", err)
	}
}

func (m *Monitor) prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		// Route template, so array indexes don't each get a label value
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.httpDuration.WithLabelValues(path).Observe(duration.Seconds())
		m.httpRequests.WithLabelValues(path).Inc()
	})
}
