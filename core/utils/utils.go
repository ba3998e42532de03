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

// Exposes various small utility functions used across the module: generic
// slice/map helpers, clamping and generation of valid file names
package utils

import "strings"

// PrettyPrintIndentForJSON Pretty-print indenting of JSON
const PrettyPrintIndentForJSON = "    "

// MakeSaveableFileName - turns a free-form label into something we can use as a file name. Anything outside
// of a conservative character set becomes an underscore, leading/trailing separators are trimmed
func MakeSaveableFileName(name string) string {
	var sb strings.Builder
	for _, ch := range name {
		if ch >= 'a' && ch <= 'z' ||
			ch >= 'A' && ch <= 'Z' ||
			ch >= '0' && ch <= '9' ||
			ch == '-' ||
			ch == '.' {
			sb.WriteRune(ch)
		} else {
			sb.WriteRune('_')
		}
	}

	result := strings.Trim(sb.String(), "_.")
	if len(result) <= 0 {
		return "unnamed"
	}
	return result
}
