/*
 * Copyright 2025 Media eXchange Layer contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mxl

import "fmt"

// Rational is a non-negative rational frequency: grains per second for
// discrete flows, samples per second for continuous ones. A zero term
// makes the rate invalid; index math over an invalid rate yields
// UndefinedIndex and the zero Timepoint.
type Rational struct {
	Numerator   int64
	Denominator int64
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Numerator > 0 && r.Denominator > 0
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}
