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

// Registry of file format strategies. Strategies are looked up by a stable key, the display
// name is only for showing to users
package plugins

import (
	"fmt"
)

type Plugin[T any] struct {
	Key         string
	DisplayName string
	Strategy    T
}

// Info - what a UI needs to list a plugin
type Info struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
}

type Chooser[T any] struct {
	plugins    []Plugin[T]
	defaultKey string
}

func NewChooser[T any]() *Chooser[T] {
	return &Chooser[T]{plugins: []Plugin[T]{}}
}

// Register - the first plugin registered becomes the default
func (c *Chooser[T]) Register(key string, displayName string, strategy T) error {
	if len(key) <= 0 {
		return fmt.Errorf("plugin key must not be empty")
	}
	for _, p := range c.plugins {
		if p.Key == key {
			return fmt.Errorf("plugin %v already registered", key)
		}
	}

	c.plugins = append(c.plugins, Plugin[T]{Key: key, DisplayName: displayName, Strategy: strategy})
	if len(c.defaultKey) <= 0 {
		c.defaultKey = key
	}
	return nil
}

func (c *Chooser[T]) SetDefault(key string) error {
	if _, ok := c.find(key); !ok {
		return fmt.Errorf("plugin %v not registered", key)
	}
	c.defaultKey = key
	return nil
}

func (c *Chooser[T]) DefaultKey() string {
	return c.defaultKey
}

func (c *Chooser[T]) find(key string) (Plugin[T], bool) {
	for _, p := range c.plugins {
		if p.Key == key {
			return p, true
		}
	}
	return Plugin[T]{}, false
}

// Lookup - empty key means the default
func (c *Chooser[T]) Lookup(key string) (Plugin[T], bool) {
	if len(key) <= 0 {
		key = c.defaultKey
	}
	return c.find(key)
}

// Infos - in registration order
func (c *Chooser[T]) Infos() []Info {
	result := make([]Info, 0, len(c.plugins))
	for _, p := range c.plugins {
		result = append(result, Info{Key: p.Key, DisplayName: p.DisplayName})
	}
	return result
}
