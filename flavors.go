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

package ht

import "github.com/cespare/xxhash/v2"

// UU is the table flavour mapping integer keys to integer values.
type UU = Table[uint64, uint64]

// NewPP constructs a table keyed by binary-safe strings. The key hash is
// HashString; options are applied after the defaults and may override them.
// Without a WithPolicy option values are Borrowed.
func NewPP[V any](options ...Option[string, V]) (*Table[string, V], error) {
	return New(append([]Option[string, V]{
		WithHash[string, V](HashString),
		WithEqual[string, V](equal[string]),
		WithKeySize[string, V](lenString),
	}, options...)...)
}

// NewUP constructs a table keyed by unsigned integers. The key hash is
// HashUint64; options are applied after the defaults and may override them.
// Without a WithPolicy option values are Borrowed.
func NewUP[V any](options ...Option[uint64, V]) (*Table[uint64, V], error) {
	return New(append([]Option[uint64, V]{
		WithHash[uint64, V](HashUint64),
		WithEqual[uint64, V](equal[uint64]),
		WithKeySize[uint64, V](sizeUint64),
	}, options...)...)
}

// NewUU constructs a table mapping unsigned integers to unsigned integers.
func NewUU(options ...Option[uint64, uint64]) (*UU, error) {
	return NewUP(append([]Option[uint64, uint64]{
		WithValueSize[uint64, uint64](sizeUint64),
	}, options...)...)
}

// HashString returns the xxhash of s folded to 32 bits.
func HashString(s string) uint32 {
	h := xxhash.Sum64String(s)
	return uint32(h) ^ uint32(h>>32)
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// HashStringFNV returns the 32-bit FNV-1a hash of s.
func HashStringFNV(s string) uint32 {
	h := uint32(fnvOffset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime32
	}
	return h
}

// HashUint64 folds k to 32 bits. Keys below 2^32 hash to themselves.
func HashUint64(k uint64) uint32 {
	return uint32(k) ^ uint32(k>>32)
}

func equal[K comparable](a, b K) bool {
	return a == b
}

func lenString(s string) int {
	return len(s)
}

func sizeUint64(uint64) int {
	return 8
}
