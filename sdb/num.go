// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdb

import (
	"math"
	"strconv"
)

// NExists reports whether the value stored at key starts with a decimal
// digit.
func NExists(s Store, key string) bool {
	v, ok := s.Get(key)
	return ok && len(v) > 0 && isDigit(v[0])
}

// GetN returns the counter stored at key, or 0 if key is absent.
//
// The value is parsed like C's strtoull in base 10: leading white space and
// one sign are skipped, the longest run of digits is read, a value that does
// not fit saturates at math.MaxUint64 and a minus sign negates modulo 2^64.
// Anything after the digits is ignored.
//
// NB: GetN writes the canonical decimal form of the parsed number back to
// key whenever key is present, so "007abc" is stored as "7" and "hello" as
// "0" once read.
func GetN(s Store, key string) uint64 {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	n := parseUint(v)
	SetN(s, key, n)
	return n
}

// SetN stores v at key in minimal base-10 form.
func SetN(s Store, key string, v uint64) {
	s.Set(key, strconv.FormatUint(v, 10))
}

// Inc adds delta to the counter at key and returns its previous value. If the
// sum overflows the counter is left unchanged and Inc returns 0, which is
// indistinguishable from a previous value of 0.
func Inc(s Store, key string, delta uint64) uint64 {
	n := GetN(s, key)
	if math.MaxUint64-delta < n {
		return 0
	}
	SetN(s, key, n+delta)
	return n
}

// Dec subtracts delta from the counter at key and returns its previous value.
// If delta exceeds the counter it is clamped to 0 and Dec returns 0.
func Dec(s Store, key string, delta uint64) uint64 {
	n := GetN(s, key)
	if delta > n {
		SetN(s, key, 0)
		return 0
	}
	SetN(s, key, n-delta)
	return n
}

// parseUint parses the leading number of s. It returns 0 if s has no digits
// after the optional white space and sign.
func parseUint(s string) (n uint64) {
	i := 0
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	overflow := false
	start := i
	for ; i < len(s) && isDigit(s[i]); i++ {
		d := uint64(s[i] - '0')
		if n > (math.MaxUint64-d)/10 {
			overflow = true
		}
		n = n*10 + d
	}
	switch {
	case i == start:
		return 0
	case overflow:
		return math.MaxUint64
	case neg:
		return -n
	}
	return n
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
