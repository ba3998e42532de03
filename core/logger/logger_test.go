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

package logger

import "fmt"

func Example_logLevelFromString() {
	fmt.Println(LogLevelFromString("debug"))
	fmt.Println(LogLevelFromString(" ERROR"))
	fmt.Println(LogLevelFromString("Info"))
	fmt.Println(LogLevelFromString("verbose"))

	// Output:
	// DEBUG <nil>
	// ERROR <nil>
	// INFO <nil>
	// INFO unknown log level: verbose
}

func Example_stdOutLoggerLevel() {
	l := &StdOutLogger{}
	l.SetLogLevel(LogError)
	fmt.Println(l.GetLogLevel())

	var iLog ILogger = l
	iLog.Infof("filtered out")

	// Output:
	// ERROR
}
