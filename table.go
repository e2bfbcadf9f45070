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

// Package ht is the key/value hash table engine used by the sdb string
// database. A single generic Table[K,V] backs the three flavours the database
// needs: string keys with arbitrary values (NewPP), integer keys with
// arbitrary values (NewUP) and integer keys with integer values (NewUU).
//
// # Layout
//
// A Table is an array of 2^N buckets. Each bucket holds a chain of entries in
// insertion order and an entry lives in the bucket selected by the low N bits
// of hash(key). Collisions are resolved by walking the chain and comparing
// keys with the table's equality function, so a degenerate hash function
// (one that returns the same value for every key) degrades a Table into a
// list but never makes it incorrect.
//
// The hash of a key is computed once, when the entry is created, and cached
// in the entry. Growing the table relocates *Entry pointers into a bucket
// array twice the size using the cached hash: entry identity is preserved
// and no ownership callback runs during a resize.
//
// # Ownership
//
// The Policy a table is created with decides what happens to values. A
// Borrowed table never copies or releases values. An Owned table takes the
// value handed to a successful Insert or Update and releases it when the
// entry is deleted, replaced or the table is closed. A Cloned table stores a
// copy produced by the policy's dup function and releases the copy. A
// rejected Insert never invokes dup and never takes the caller's value.
//
// # Iteration
//
// Foreach and All visit every entry exactly once. The callback may delete
// entries, including the one it is visiting: while a traversal is active a
// delete replaces the chain slot with a tombstone instead of shifting the
// chain, and resizes are deferred. Tombstones are compacted, and deferred
// resizes performed, when the outermost traversal returns.
package ht

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	minCapacity          = 8
	maxCapacity          = 1 << 30
	defaultMaxLoadFactor = 1.0
	// minMaxLoadFactor bounds the load factor from below. Smaller factors let
	// a handful of entries demand a bucket array of maxCapacity.
	minMaxLoadFactor = 1.0 / 64
)

var (
	// ErrAllocation is returned when the allocator cannot supply a bucket
	// array.
	ErrAllocation = errors.New("ht: bucket allocation failed")
	// ErrInvalidOption is returned by New for an unusable option set.
	ErrInvalidOption = errors.New("ht: invalid option")
)

// Entry is a key/value pair stored in a Table. The key of an entry owned by
// a table must not be modified; use Table.UpdateKey to rename it.
type Entry[K, V any] struct {
	Key   K
	Value V

	hash     uint32
	keyLen   int
	valueLen int
}

// KeyLen returns the length of the key as reported by the table's key size
// function, or zero if the table has none.
func (e *Entry[K, V]) KeyLen() int {
	return e.keyLen
}

// ValueLen returns the length of the value as reported by the table's value
// size function, or zero if the table has none.
func (e *Entry[K, V]) ValueLen() int {
	return e.valueLen
}

// Bucket is the chain of entries mapped to one slot of a Table.
type Bucket[K, V any] struct {
	entries []*Entry[K, V]
	// holes is the number of nil entries left behind by deletions performed
	// during a traversal.
	holes int
}

// Stats describes the shape of a Table.
type Stats struct {
	Len          int
	Capacity     int
	Bytes        int
	Resizes      int
	GrowFailures int
	LongestChain int
}

// Table is a chained hash table from keys to values with Insert, Update,
// Find, Delete, UpdateKey and Foreach operations.
//
// A Table is NOT goroutine-safe.
type Table[K, V any] struct {
	hash      func(key K) uint32
	equal     func(a, b K) bool
	policy    Policy[K, V]
	keySize   func(key K) int
	valueSize func(value V) int
	allocator Allocator[K, V]
	logger    *zap.Logger

	buckets []Bucket[K, V]
	// mask is len(buckets)-1 and is used to compute hash%len(buckets).
	mask uint32
	// used is the number of live entries.
	used int
	// bytes is the sum of the key and value lengths of the live entries.
	bytes int

	initialCapacity int
	maxLoad         float64
	minLoad         float64
	// growAt and shrinkAt are the entry counts at which the current bucket
	// array is grown or shrunk. shrinkAt is 0 when shrinking is disabled or
	// the table is at its initial capacity.
	growAt   int
	shrinkAt int

	// iterating is the number of active traversals. While it is non-zero
	// deletes leave tombstones and resizes are deferred.
	iterating     int
	holes         bool
	pendingResize bool

	resizes      int
	growFailures int
	closed       bool
}

// New constructs a new Table. A hash and an equality function are required;
// the flavour constructors NewPP, NewUP and NewUU supply them. New fails with
// ErrInvalidOption for an unusable option set and with ErrAllocation if the
// initial bucket array cannot be allocated.
func New[K, V any](options ...Option[K, V]) (*Table[K, V], error) {
	t := &Table[K, V]{
		policy:          Borrowed[K, V](),
		allocator:       defaultAllocator[K, V]{},
		logger:          zap.NewNop(),
		initialCapacity: minCapacity,
		maxLoad:         defaultMaxLoadFactor,
	}
	for _, op := range options {
		op.apply(t)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	// The initial capacity is the smallest power of two >= the requested
	// capacity.
	capacity := max(t.initialCapacity, minCapacity)
	capacity = 1 << bits.Len(uint(capacity-1))
	t.initialCapacity = capacity

	buckets, err := t.allocBuckets(capacity)
	if err != nil {
		return nil, err
	}
	t.setBuckets(buckets)
	t.checkInvariants()
	return t, nil
}

func (t *Table[K, V]) validate() error {
	switch {
	case t.hash == nil:
		return errors.Wrap(ErrInvalidOption, "hash function is required")
	case t.equal == nil:
		return errors.Wrap(ErrInvalidOption, "equality function is required")
	case t.allocator == nil:
		return errors.Wrap(ErrInvalidOption, "allocator is required")
	case t.logger == nil:
		return errors.Wrap(ErrInvalidOption, "logger is required")
	case t.initialCapacity < 0 || t.initialCapacity > maxCapacity:
		return errors.Wrapf(ErrInvalidOption, "initial capacity %d out of range [0, %d]",
			t.initialCapacity, maxCapacity)
	case !(t.maxLoad >= minMaxLoadFactor) || math.IsInf(t.maxLoad, 0):
		return errors.Wrapf(ErrInvalidOption, "load factor %v must be finite and at least %v",
			t.maxLoad, minMaxLoadFactor)
	case t.minLoad < 0 || (t.minLoad > 0 && t.minLoad >= t.maxLoad/2):
		return errors.Wrapf(ErrInvalidOption, "shrink factor %v must be in [0, %v)",
			t.minLoad, t.maxLoad/2)
	}
	switch t.policy.kind {
	case policyOwned:
		if t.policy.free == nil {
			return errors.Wrapf(ErrInvalidOption, "%s policy requires a free function", t.policy.kind)
		}
	case policyCloned:
		if t.policy.dup == nil {
			return errors.Wrapf(ErrInvalidOption, "%s policy requires a dup function", t.policy.kind)
		}
	}
	return nil
}

// Close releases every remaining value through the table's policy and hands
// the bucket array back to the allocator. It is invalid to use a Table after
// it has been closed, though Close itself is idempotent.
func (t *Table[K, V]) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			if e != nil {
				t.policy.release(e.Key, e.Value)
			}
		}
	}
	t.allocator.FreeBuckets(t.buckets)
	t.buckets = nil
	t.mask = 0
	t.used = 0
	t.bytes = 0
}

// Insert adds key with value. If the key is already present Insert returns
// false and the table is left untouched: the existing value is kept and the
// policy is not applied to value.
func (t *Table[K, V]) Insert(key K, value V) bool {
	return t.InsertEntry(Entry[K, V]{Key: key, Value: value}, false)
}

// Update sets the value of key, replacing and releasing the existing value
// if the key is present or adding a new entry otherwise. Update always
// returns true.
func (t *Table[K, V]) Update(key K, value V) bool {
	return t.InsertEntry(Entry[K, V]{Key: key, Value: value}, true)
}

// InsertEntry adds the key and value of e. If the key is already present the
// existing value is replaced when overwrite is true; otherwise InsertEntry
// returns false without modifying the table. The table copies e and never
// retains the caller's struct.
func (t *Table[K, V]) InsertEntry(e Entry[K, V], overwrite bool) bool {
	h, b, i := t.lookup(e.Key)
	if i >= 0 {
		if !overwrite {
			return false
		}
		t.replace(b.entries[i], e.Value)
		t.checkInvariants()
		return true
	}

	n := &Entry[K, V]{
		Key:    e.Key,
		Value:  t.policy.take(e.Value),
		hash:   h,
		keyLen: t.keyLen(e.Key),
	}
	n.valueLen = t.valueLen(n.Value)
	b.entries = append(b.entries, n)
	t.used++
	t.bytes += n.keyLen + n.valueLen

	if t.used > t.growAt {
		t.grow()
	}
	t.checkInvariants()
	return true
}

// Find returns the value stored for key and whether it was present. The
// value is the stored one, not a copy.
func (t *Table[K, V]) Find(key K) (value V, ok bool) {
	if _, b, i := t.lookup(key); i >= 0 {
		return b.entries[i].Value, true
	}
	return value, false
}

// FindEntry returns the entry stored for key, or nil if the key is not
// present. The entry must not be retained across a call that modifies the
// table.
func (t *Table[K, V]) FindEntry(key K) *Entry[K, V] {
	if _, b, i := t.lookup(key); i >= 0 {
		return b.entries[i]
	}
	return nil
}

// Delete removes key, releasing its value through the table's policy. It
// returns false if the key is not present.
func (t *Table[K, V]) Delete(key K) bool {
	_, b, i := t.lookup(key)
	if i < 0 {
		return false
	}
	e := b.entries[i]
	t.unlink(b, i)
	t.used--
	t.bytes -= e.keyLen + e.valueLen
	t.policy.release(e.Key, e.Value)

	if t.used < t.shrinkAt {
		t.shrink()
	}
	t.checkInvariants()
	return true
}

// UpdateKey renames the entry stored under oldKey to newKey, keeping its
// value and leaving the value's ownership untouched. It returns false, and
// modifies nothing, if oldKey is not present or if newKey is held by another
// entry.
func (t *Table[K, V]) UpdateKey(oldKey, newKey K) bool {
	_, ob, oi := t.lookup(oldKey)
	if oi < 0 {
		return false
	}
	e := ob.entries[oi]
	nh, nb, ni := t.lookup(newKey)
	if ni >= 0 {
		// Renaming a key to itself is a no-op.
		return nb.entries[ni] == e
	}

	t.unlink(ob, oi)
	t.bytes -= e.keyLen
	e.Key = newKey
	e.hash = nh
	e.keyLen = t.keyLen(newKey)
	t.bytes += e.keyLen
	nb.entries = append(nb.entries, e)
	t.checkInvariants()
	return true
}

// Foreach calls fn sequentially for each entry present in the table. If fn
// returns false, Foreach stops the iteration. fn may delete any entry,
// including the one it was passed, without affecting the visit of the
// remaining entries. Entries inserted or renamed by fn may or may not be
// visited. If fn closes the table the iteration stops.
func (t *Table[K, V]) Foreach(fn func(e *Entry[K, V]) bool) {
	if t.closed {
		return
	}
	t.iterating++
	defer t.endTraversal()

	// NB: the bucket array is never replaced while iterating is non-zero,
	// but a chain may be appended to, so it is re-read on every step. Close
	// drops the array, which ends both loops.
	for i := 0; i < len(t.buckets); i++ {
		b := &t.buckets[i]
		for j := 0; j < len(b.entries); j++ {
			if e := b.entries[j]; e != nil && !fn(e) {
				return
			}
			if t.closed {
				return
			}
		}
	}
}

// All calls yield sequentially for each key and value present in the table.
// If yield returns false, All stops the iteration. The same mutation rules as
// Foreach apply.
func (t *Table[K, V]) All(yield func(key K, value V) bool) {
	t.Foreach(func(e *Entry[K, V]) bool {
		return yield(e.Key, e.Value)
	})
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.used
}

// Capacity returns the number of buckets.
func (t *Table[K, V]) Capacity() int {
	return len(t.buckets)
}

// Size returns the sum of the key and value lengths of every entry, as
// reported by the table's size functions.
func (t *Table[K, V]) Size() int {
	return t.bytes
}

// Resizes returns the number of completed grow and shrink operations.
func (t *Table[K, V]) Resizes() int {
	return t.resizes
}

// Stats returns the current shape of the table. It walks every bucket to
// find the longest chain.
func (t *Table[K, V]) Stats() Stats {
	s := Stats{
		Len:          t.used,
		Capacity:     len(t.buckets),
		Bytes:        t.bytes,
		Resizes:      t.resizes,
		GrowFailures: t.growFailures,
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		s.LongestChain = max(s.LongestChain, len(b.entries)-b.holes)
	}
	return s
}

// lookup returns the hash of key, its bucket and the index of the entry
// holding key in that bucket, or -1 if there is none.
func (t *Table[K, V]) lookup(key K) (uint32, *Bucket[K, V], int) {
	h := t.hash(key)
	b := &t.buckets[h&t.mask]
	for i, e := range b.entries {
		if e != nil && e.hash == h && t.equal(e.Key, key) {
			return h, b, i
		}
	}
	return h, b, -1
}

func (t *Table[K, V]) replace(e *Entry[K, V], value V) {
	// NB: the new value is taken before the old one is released so that an
	// update with the value already stored is safe under a Cloned policy.
	v := t.policy.take(value)
	t.bytes -= e.valueLen
	t.policy.release(e.Key, e.Value)
	e.Value = v
	e.valueLen = t.valueLen(v)
	t.bytes += e.valueLen
}

// unlink removes the entry at index i from bucket b. During a traversal the
// slot is turned into a tombstone so that the positions of the following
// entries do not change under the iterating loop.
func (t *Table[K, V]) unlink(b *Bucket[K, V], i int) {
	if t.iterating > 0 {
		b.entries[i] = nil
		b.holes++
		t.holes = true
		return
	}
	n := len(b.entries) - 1
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[n] = nil
	b.entries = b.entries[:n]
}

func (t *Table[K, V]) endTraversal() {
	t.iterating--
	if t.iterating > 0 || t.closed {
		return
	}
	if t.holes {
		t.holes = false
		for i := range t.buckets {
			if b := &t.buckets[i]; b.holes > 0 {
				b.compact()
			}
		}
	}
	if t.pendingResize {
		t.pendingResize = false
		switch {
		case t.used > t.growAt:
			t.grow()
		case t.used < t.shrinkAt:
			t.shrink()
		}
	}
	t.checkInvariants()
}

// compact drops the tombstones of b, preserving the order of the remaining
// entries.
func (b *Bucket[K, V]) compact() {
	n := 0
	for _, e := range b.entries {
		if e != nil {
			b.entries[n] = e
			n++
		}
	}
	clear(b.entries[n:])
	b.entries = b.entries[:n]
	b.holes = 0
}

// grow doubles the capacity until the load factor is respected again.
func (t *Table[K, V]) grow() {
	if t.iterating > 0 {
		t.pendingResize = true
		return
	}
	newCapacity := len(t.buckets)
	for newCapacity < maxCapacity && float64(t.used) > float64(newCapacity)*t.maxLoad {
		newCapacity *= 2
	}
	if newCapacity == len(t.buckets) {
		// At maxCapacity chains simply get longer.
		t.growAt = math.MaxInt
		return
	}
	if err := t.resize(newCapacity); err != nil {
		// The current array stays in use: chains are unbounded so the table
		// remains correct, only slower. Retry once another capacity worth of
		// entries has been added.
		t.growFailures++
		t.growAt = t.used + len(t.buckets)
		t.logger.Warn("ht: grow failed",
			zap.Int("capacity", len(t.buckets)),
			zap.Int("new_capacity", newCapacity),
			zap.Int("len", t.used),
			zap.Error(err))
	}
}

// shrink halves the capacity, never going below the initial capacity.
func (t *Table[K, V]) shrink() {
	if t.iterating > 0 {
		t.pendingResize = true
		return
	}
	newCapacity := len(t.buckets)
	for newCapacity > t.initialCapacity && float64(t.used) < float64(newCapacity)*t.minLoad {
		newCapacity /= 2
	}
	if newCapacity == len(t.buckets) {
		return
	}
	if err := t.resize(newCapacity); err != nil {
		t.shrinkAt = 0
		t.logger.Warn("ht: shrink failed",
			zap.Int("capacity", len(t.buckets)),
			zap.Int("new_capacity", newCapacity),
			zap.Int("len", t.used),
			zap.Error(err))
	}
}

// resize allocates a bucket array of newCapacity buckets, relocates every
// entry into it using the cached hashes and releases the old array. On
// allocation failure the table is left as it was.
func (t *Table[K, V]) resize(newCapacity int) error {
	buckets, err := t.allocBuckets(newCapacity)
	if err != nil {
		return err
	}
	mask := uint32(newCapacity - 1)
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			if e == nil {
				continue
			}
			nb := &buckets[e.hash&mask]
			nb.entries = append(nb.entries, e)
		}
	}

	if ce := t.logger.Check(zap.DebugLevel, "ht: resize"); ce != nil {
		ce.Write(
			zap.Int("capacity", len(t.buckets)),
			zap.Int("new_capacity", newCapacity),
			zap.Int("len", t.used))
	}

	old := t.buckets
	t.setBuckets(buckets)
	t.resizes++
	t.allocator.FreeBuckets(old)
	return nil
}

func (t *Table[K, V]) allocBuckets(n int) ([]Bucket[K, V], error) {
	buckets := t.allocator.AllocBuckets(n)
	if len(buckets) < n {
		if buckets != nil {
			t.allocator.FreeBuckets(buckets)
		}
		return nil, errors.Wrapf(ErrAllocation, "allocating %d buckets", n)
	}
	return buckets[:n], nil
}

// setBuckets installs buckets as the bucket array and recomputes the resize
// thresholds for its capacity.
func (t *Table[K, V]) setBuckets(buckets []Bucket[K, V]) {
	t.buckets = buckets
	t.mask = uint32(len(buckets) - 1)
	t.growAt = int(float64(len(buckets)) * t.maxLoad)
	t.shrinkAt = 0
	if len(buckets) > t.initialCapacity {
		t.shrinkAt = int(float64(len(buckets)) * t.minLoad)
	}
}

func (t *Table[K, V]) keyLen(key K) int {
	if t.keySize == nil {
		return 0
	}
	return t.keySize(key)
}

func (t *Table[K, V]) valueLen(value V) int {
	if t.valueSize == nil {
		return 0
	}
	return t.valueSize(value)
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if t.closed {
			return
		}
		if len(t.buckets) == 0 || len(t.buckets)&(len(t.buckets)-1) != 0 {
			panic(errors.AssertionFailedf("invariant failed: capacity %d is not a power of two", len(t.buckets)))
		}
		if int(t.mask) != len(t.buckets)-1 {
			panic(errors.AssertionFailedf("invariant failed: mask %d for capacity %d", t.mask, len(t.buckets)))
		}

		var used, bytes int
		for i := range t.buckets {
			b := &t.buckets[i]
			var holes int
			for j, e := range b.entries {
				if e == nil {
					holes++
					continue
				}
				if h := t.hash(e.Key); h != e.hash {
					panic(errors.AssertionFailedf("invariant failed: entry %v has cached hash %08x, expected %08x\n%s",
						e.Key, e.hash, h, t.debugString()))
				}
				if want := int(e.hash & t.mask); want != i {
					panic(errors.AssertionFailedf("invariant failed: entry %v in bucket %d, expected %d\n%s",
						e.Key, i, want, t.debugString()))
				}
				for _, o := range b.entries[j+1:] {
					if o != nil && t.equal(o.Key, e.Key) {
						panic(errors.AssertionFailedf("invariant failed: duplicate key %v in bucket %d\n%s",
							e.Key, i, t.debugString()))
					}
				}
				used++
				bytes += e.keyLen + e.valueLen
			}
			if holes != b.holes {
				panic(errors.AssertionFailedf("invariant failed: bucket %d has %d holes, recorded %d",
					i, holes, b.holes))
			}
			if holes > 0 && t.iterating == 0 {
				panic(errors.AssertionFailedf("invariant failed: bucket %d has holes outside a traversal", i))
			}
		}

		if used != t.used {
			panic(errors.AssertionFailedf("invariant failed: found %d entries, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if bytes != t.bytes {
			panic(errors.AssertionFailedf("invariant failed: found %d bytes, but byte count is %d",
				bytes, t.bytes))
		}
		if t.iterating == 0 && t.growFailures == 0 && t.used > t.growAt {
			panic(errors.AssertionFailedf("invariant failed: %d entries exceed the load factor of %d buckets",
				t.used, len(t.buckets)))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  bytes=%d  iterating=%d\n",
		len(t.buckets), t.used, t.bytes, t.iterating)
	for i := range t.buckets {
		b := &t.buckets[i]
		if len(b.entries) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", i)
		for _, e := range b.entries {
			if e == nil {
				buf.WriteString(" <deleted>")
				continue
			}
			fmt.Fprintf(&buf, " %v [h=%08x]", e.Key, e.hash)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
