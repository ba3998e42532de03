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

	"github.com/olahol/melody"
	"github.com/xraylab/ptycho-patterns/core/logger"
	"github.com/xraylab/ptycho-patterns/core/patterns"
)

// EventMessage - what websocket clients receive for each dataset event
type EventMessage struct {
	Kind         string `json:"kind"`
	Index        int    `json:"index"`
	NumBadPixels int    `json:"numBadPixels"`
	Generation   uint64 `json:"generation"`
}

type eventBroadcaster struct {
	melody *melody.Melody
	log    logger.ILogger
}

func (b *eventBroadcaster) HandleEvent(e patterns.Event) {
	msg, err := json.Marshal(EventMessage{Kind: e.Kind.String(), Index: e.Index, NumBadPixels: e.NumBadPixels, Generation: e.Generation})
	if err != nil {
		b.log.Errorf("Failed to encode event %v: %v", e, err)
		return
	}

	// Fails once the monitor is closed, which is expected during shutdown
	if err := b.melody.Broadcast(msg); err != nil {
		b.log.Debugf("Failed to broadcast event %v: %v", e, err)
	}
}
