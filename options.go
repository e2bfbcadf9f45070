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

import "go.uber.org/zap"

// Option configures a Table while it is being created.
type Option[K, V any] interface {
	apply(t *Table[K, V])
}

type optionFunc[K, V any] func(t *Table[K, V])

func (f optionFunc[K, V]) apply(t *Table[K, V]) {
	f(t)
}

// WithHash specifies the hash function used to place keys into buckets. Keys
// that compare equal under the table's equality function must hash to the
// same value.
func WithHash[K, V any](hash func(key K) uint32) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.hash = hash
	})
}

// WithEqual specifies the key equality function.
func WithEqual[K, V any](equal func(a, b K) bool) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.equal = equal
	})
}

// WithPolicy specifies who owns the values stored in the table. The default
// is Borrowed.
func WithPolicy[K, V any](p Policy[K, V]) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.policy = p
	})
}

// WithKeySize specifies the function reporting the length of a key. It feeds
// Entry.KeyLen and the size accounting reported by Table.Size.
func WithKeySize[K, V any](size func(key K) int) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.keySize = size
	})
}

// WithValueSize specifies the function reporting the length of a value. It
// feeds Entry.ValueLen and the size accounting reported by Table.Size.
func WithValueSize[K, V any](size func(value V) int) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.valueSize = size
	})
}

// WithInitialCapacity specifies the number of buckets the table starts with.
// The value is rounded up to a power of two and is also the floor below which
// the table never shrinks.
// The bucket array is allocated by New, so a large value costs memory up
// front even if the table stays empty.
func WithInitialCapacity[K, V any](n int) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.initialCapacity = n
	})
}

// WithLoadFactor specifies the ratio of entries to buckets above which the
// table doubles its capacity. It must be finite and at least 1/64.
func WithLoadFactor[K, V any](f float64) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.maxLoad = f
	})
}

// WithShrinkFactor specifies the ratio of entries to buckets below which a
// Delete halves the capacity. Zero, the default, disables shrinking. The
// factor must be less than half the load factor.
func WithShrinkFactor[K, V any](f float64) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.minLoad = f
	})
}

// WithLogger specifies the logger used to report resizes.
func WithLogger[K, V any](logger *zap.Logger) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.logger = logger
	})
}

// WithAllocator specifies the Allocator used for bucket arrays.
func WithAllocator[K, V any](allocator Allocator[K, V]) Option[K, V] {
	return optionFunc[K, V](func(t *Table[K, V]) {
		t.allocator = allocator
	})
}

// Allocator specifies an interface for allocating and releasing the bucket
// arrays used by a Table. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Table.Close must be
// called in order to ensure FreeBuckets is called for the last array.
type Allocator[K, V any] interface {
	// AllocBuckets should return a slice equivalent to make([]Bucket[K,V], n).
	// Returning a shorter slice reports that the memory is not available.
	AllocBuckets(n int) []Bucket[K, V]

	// FreeBuckets can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(b []Bucket[K, V])
}

type defaultAllocator[K, V any] struct{}

func (defaultAllocator[K, V]) AllocBuckets(n int) []Bucket[K, V] {
	return make([]Bucket[K, V], n)
}

func (defaultAllocator[K, V]) FreeBuckets(b []Bucket[K, V]) {
}

type policyKind uint8

const (
	policyBorrowed policyKind = iota
	policyOwned
	policyCloned
)

func (k policyKind) String() string {
	switch k {
	case policyBorrowed:
		return "borrowed"
	case policyOwned:
		return "owned"
	case policyCloned:
		return "cloned"
	default:
		return "unknown"
	}
}

// Policy decides the lifetime of the values stored in a Table. A Policy is
// chosen once at construction; it pairs the duplicate and release callbacks
// so that a table can never copy a value it will not release, or release a
// value it never took.
type Policy[K, V any] struct {
	kind policyKind
	dup  func(value V) V
	free func(key K, value V)
}

// Borrowed returns the policy of a table that never copies and never releases
// its values. Their lifetime stays with the caller.
func Borrowed[K, V any]() Policy[K, V] {
	return Policy[K, V]{kind: policyBorrowed}
}

// Owned returns the policy of a table that takes the caller's value as is on
// a successful insert and calls free once the value is deleted, replaced or
// the table is closed. The caller must not release a value it handed over.
func Owned[K, V any](free func(key K, value V)) Policy[K, V] {
	return Policy[K, V]{kind: policyOwned, free: free}
}

// Cloned returns the policy of a table that stores dup(value) on a successful
// insert or update. The copy is handed to free, if not nil, once it is
// deleted, replaced or the table is closed. The caller keeps its original.
func Cloned[K, V any](dup func(value V) V, free func(key K, value V)) Policy[K, V] {
	return Policy[K, V]{kind: policyCloned, dup: dup, free: free}
}

func (p *Policy[K, V]) take(value V) V {
	if p.dup != nil {
		return p.dup(value)
	}
	return value
}

func (p *Policy[K, V]) release(key K, value V) {
	if p.free != nil {
		p.free(key, value)
	}
}
