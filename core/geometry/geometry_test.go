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

package geometry

import "fmt"

func Example_intervalClamp() {
	i := MakeInterval(32, 992)
	fmt.Println(i, i.Clamp(0), i.Clamp(512), i.Clamp(2000), i.Contains(992), i.Contains(993))

	// Empty interval clamps to the lower bound
	e := MakeInterval(10, 5)
	fmt.Println(e.Clamp(7))

	f := MakeInterval(0.0, 1.5)
	fmt.Println(f.Clamp(2.25))

	// Output:
	// [32, 992] 32 512 992 true false
	// 10
	// 1.5
}

func Example_imageExtent() {
	e := ImageExtent{WidthPx: 64, HeightPx: 32}
	fmt.Println(e, e.NumPixels(), e.Transposed(), e.IsEmpty(), ImageExtent{}.IsEmpty())

	// Output:
	// 64W x 32H 2048 32W x 64H false true
}
