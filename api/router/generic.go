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

package apiRouter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/xraylab/ptycho-patterns/core/errorwithstatus"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
	"github.com/xraylab/ptycho-patterns/core/utils"
)

type HandlerParams struct {
	Monitor    *Monitor
	PathParams map[string]string
	Request    *http.Request
}

// JSONHandlerFunc - returns something to be written out as JSON
type JSONHandlerFunc func(HandlerParams) (interface{}, error)

type jsonHandler struct {
	monitor *Monitor
	handler JSONHandlerFunc
}

func (h *jsonHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := h.handler(HandlerParams{Monitor: h.monitor, PathParams: makePathParams(r), Request: r})
	if err == nil {
		var body []byte
		body, err = json.MarshalIndent(result, "", utils.PrettyPrintIndentForJSON)
		if err == nil {
			w.Header().Set("Content-Type", "application/json")
			_, err = w.Write(body)
		}
	}

	if err != nil {
		logHandlerErrors(toStatusError(err), h.monitor.Log, w, r)
	}
}

func makePathParams(r *http.Request) map[string]string {
	pathParams := mux.Vars(r)
	if pathParams == nil {
		pathParams = map[string]string{}
	}
	for q, v := range r.URL.Query() {
		if len(v) > 0 {
			pathParams[q] = v[0] // we ignore subsequent ones
		}
	}
	return pathParams
}

// toStatusError - gives dataset errors an HTTP status by kind
func toStatusError(err error) error {
	if _, ok := err.(errorwithstatus.Error); ok {
		return err
	}

	switch patterns.KindOf(err) {
	case patterns.IndexOutOfRange, patterns.FileNotFound:
		return errorwithstatus.MakeStatusError(http.StatusNotFound, err)
	case patterns.UnknownFileType, patterns.ShapeMismatch, patterns.InvalidMetadata:
		return errorwithstatus.MakeBadRequestError(err)
	case patterns.IncompleteDataset, patterns.SessionClosed, patterns.SessionNotStarted:
		return errorwithstatus.MakeStatusError(http.StatusConflict, err)
	}
	return err
}

func logHandlerErrors(err error, log logger.ILogger, w http.ResponseWriter, r *http.Request) {
	status := errorwithstatus.StatusOf(err)
	log.Errorf("Request: %v (%v), Result: status=%v, error=%v", r.URL, r.Method, status, err)
	http.Error(w, fmt.Sprintf("%v", err), status)
}
