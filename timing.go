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
	"math"
	"math/bits"
	"time"
)

// UndefinedIndex is the reserved grain index meaning "no valid index".
const UndefinedIndex = math.MaxUint64

// Timepoint is a signed nanosecond count since the TAI epoch.
type Timepoint int64

// Add offsets a timepoint by a duration.
func (t Timepoint) Add(d time.Duration) Timepoint {
	return t + Timepoint(d)
}

// Now returns the current TAI time.
func Now() Timepoint {
	return taiNow()
}

const nsPerSecond = 1_000_000_000

// TimestampToIndex converts a TAI timestamp to the grain index active at
// that time, rounding to the nearest index boundary at 1 ns precision.
// Returns UndefinedIndex if the edit rate has a zero term or the result
// does not fit in 64 bits. Timestamps before the epoch map to index 0.
//
// index = floor((t*num + 5e8*den) / (1e9*den)), computed in 128 bits.
func TimestampToIndex(rate Rational, t Timepoint) uint64 {
	if !rate.Valid() {
		return UndefinedIndex
	}
	if t < 0 {
		return 0
	}
	num := uint64(rate.Numerator)
	den := uint64(rate.Denominator)

	divHi, div := bits.Mul64(nsPerSecond, den)
	if divHi != 0 {
		// 1e9*den does not fit in 64 bits; no representable index.
		return UndefinedIndex
	}

	hi1, lo1 := bits.Mul64(uint64(t), num)
	hi2, lo2 := bits.Mul64(nsPerSecond/2, den)
	lo, carry := bits.Add64(lo1, lo2, 0)
	hi := hi1 + hi2 + carry

	if hi >= div {
		return UndefinedIndex
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}

// IndexToTimestamp converts a grain index to the TAI timestamp at which
// that index begins, rounding to the nearest nanosecond. Returns the
// zero Timepoint if the edit rate has a zero term or the index is
// UndefinedIndex; saturates at the 64-bit TAI range on overflow.
//
// t = floor((index*den*1e9 + num/2) / num), computed in 128 bits.
func IndexToTimestamp(rate Rational, index uint64) Timepoint {
	if !rate.Valid() || index == UndefinedIndex {
		return 0
	}
	num := uint64(rate.Numerator)
	den := uint64(rate.Denominator)

	// index*den, then *1e9, as a 128-bit product.
	mHi, mLo := bits.Mul64(index, den)
	hiA, lo := bits.Mul64(mLo, nsPerSecond)
	hiB, mid := bits.Mul64(mHi, nsPerSecond)
	if hiB != 0 {
		return math.MaxInt64
	}
	hi, carry := bits.Add64(hiA, mid, 0)
	if carry != 0 {
		return math.MaxInt64
	}

	lo, carry = bits.Add64(lo, num/2, 0)
	hi += carry

	if hi >= num {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, num)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return Timepoint(q)
}

// NsUntilIndex returns the number of nanoseconds from now until the
// given index is complete, i.e. until index+1 begins. Indices already in
// the past yield zero.
func NsUntilIndex(rate Rational, index uint64) int64 {
	if !rate.Valid() || index == UndefinedIndex {
		return 0
	}
	d := int64(IndexToTimestamp(rate, index+1)) - int64(taiNow())
	if d < 0 {
		return 0
	}
	return d
}

// SleepForNs suspends the caller for at least n nanoseconds against the
// monotonic clock. Non-positive values return immediately.
func SleepForNs(n int64) {
	if n <= 0 {
		return
	}
	time.Sleep(time.Duration(n))
}
