//go:build !linux

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

import "time"

// utcToTAI is the UTC→TAI offset as of the 2017 leap second.
const utcToTAI = 37 * nsPerSecond

func taiNow() Timepoint {
	return Timepoint(time.Now().UnixNano() + utcToTAI)
}
