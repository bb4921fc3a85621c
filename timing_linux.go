//go:build linux

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

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// utcToTAI is the UTC→TAI offset as of the 2017 leap second, used when
// the kernel's TAI clock is not configured.
const utcToTAI = 37 * nsPerSecond

var taiConfigured = sync.OnceValue(func() bool {
	var tai, rt unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_TAI, &tai); err != nil {
		return false
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &rt); err != nil {
		return false
	}
	// An unconfigured kernel reports CLOCK_TAI == CLOCK_REALTIME.
	return tai.Sec-rt.Sec >= 1
})

func taiNow() Timepoint {
	if taiConfigured() {
		var ts unix.Timespec
		if err := unix.ClockGettime(unix.CLOCK_TAI, &ts); err == nil {
			return Timepoint(ts.Nano())
		}
	}
	return Timepoint(time.Now().UnixNano() + utcToTAI)
}
