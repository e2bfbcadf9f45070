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

// Package sdb is a small in-memory string database built on the ht engine.
// It provides the string store, numeric counters kept as decimal strings and
// a cheap JSON shape probe.
package sdb

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/sdbkv/ht"
	"go.uber.org/zap"
)

//go:generate mockgen -source=db.go -destination=mock_store_test.go -package=sdb Store

// Store is a string key/value store.
type Store interface {
	// Get returns the value stored at key.
	Get(key string) (string, bool)
	// Set stores value at key, replacing any previous value.
	Set(key, value string) bool
	// Delete removes key, reporting whether it was present.
	Delete(key string) bool
}

// DB is an in-memory Store. A DB is NOT goroutine-safe.
type DB struct {
	table   *ht.Table[string, string]
	logger  *zap.Logger
	metrics *dbMetrics
}

var _ Store = (*DB)(nil)

type dbMetrics struct {
	entries  *metrics.Counter
	capacity *metrics.Counter
	bytes    *metrics.Counter
	resizes  *metrics.Counter
}

// Open creates a DB configured by cfg, logging through a production logger
// at cfg.LogLevel.
func Open(cfg Config) (*DB, error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	return NewDB(cfg, logger)
}

// NewDB creates a DB configured by cfg that logs to logger.
func NewDB(cfg Config, logger *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := []ht.Option[string, string]{
		ht.WithValueSize[string, string](func(v string) int { return len(v) }),
		ht.WithInitialCapacity[string, string](cfg.InitialCapacity),
		ht.WithShrinkFactor[string, string](cfg.MinLoadFactor),
		ht.WithLogger[string, string](logger),
	}
	if cfg.MaxLoadFactor != 0 {
		options = append(options, ht.WithLoadFactor[string, string](cfg.MaxLoadFactor))
	}
	if cfg.Hash == HashFNV {
		options = append(options, ht.WithHash[string, string](ht.HashStringFNV))
	}

	table, err := ht.NewPP(options...)
	if err != nil {
		return nil, errors.Wrap(err, "sdb: creating table")
	}
	logger.Debug("sdb: open",
		zap.Int("capacity", table.Capacity()),
		zap.String("hash", cfg.hash()))
	return &DB{table: table, logger: logger}, nil
}

// Get implements Store.
func (db *DB) Get(key string) (string, bool) {
	return db.table.Find(key)
}

// Set implements Store. It always returns true.
func (db *DB) Set(key, value string) bool {
	db.table.Update(key, value)
	db.observe()
	return true
}

// Delete implements Store.
func (db *DB) Delete(key string) bool {
	if !db.table.Delete(key) {
		return false
	}
	db.observe()
	return true
}

// Exists reports whether key is present.
func (db *DB) Exists(key string) bool {
	return db.table.FindEntry(key) != nil
}

// Foreach calls fn for every key and value until fn returns false. fn may
// delete any key, including the one it was passed.
func (db *DB) Foreach(fn func(key, value string) bool) {
	db.table.All(fn)
	db.observe()
}

// Rename moves the value stored at oldKey to newKey. It fails if oldKey is
// absent or newKey is already in use.
func (db *DB) Rename(oldKey, newKey string) bool {
	return db.table.UpdateKey(oldKey, newKey)
}

// Len returns the number of keys.
func (db *DB) Len() int {
	return db.table.Len()
}

// Stats returns the shape of the underlying table.
func (db *DB) Stats() ht.Stats {
	return db.table.Stats()
}

// Close releases the DB. It is idempotent.
func (db *DB) Close() {
	db.table.Close()
	db.observe()
}

// RegisterMetrics registers the sdb_entries, sdb_capacity, sdb_bytes and
// sdb_resizes_total metrics of db in set. The values are refreshed by every
// mutation, so scraping set never touches the table. It panics if the
// metrics are already registered in set.
func (db *DB) RegisterMetrics(set *metrics.Set) {
	db.metrics = &dbMetrics{
		entries:  set.NewCounter("sdb_entries"),
		capacity: set.NewCounter("sdb_capacity"),
		bytes:    set.NewCounter("sdb_bytes"),
		resizes:  set.NewCounter("sdb_resizes_total"),
	}
	db.observe()
}

func (db *DB) observe() {
	m := db.metrics
	if m == nil {
		return
	}
	m.entries.Set(uint64(db.table.Len()))
	m.capacity.Set(uint64(db.table.Capacity()))
	m.bytes.Set(uint64(db.table.Size()))
	m.resizes.Set(uint64(db.table.Resizes()))
}
