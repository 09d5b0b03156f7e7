// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the on-disk side of §6's "three append-structured
// documents" (four, in this expansion — see SPEC_FULL.md): a generic
// identifier-keyed record store, debounced and written atomically via
// temp-file-then-rename, grounded on the teacher pack's checkpoint.Save
// idiom (withObsrvr ducklake-ingestion-obsrvr-v3/go/checkpoint/checkpoint.go).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CurrentSchemaVersion is stamped on every document written by this package.
const CurrentSchemaVersion = 1

// debounceInterval is how long Document waits after the last mutation before
// flushing to disk, per §6 ("writes are debounced at ~500ms").
const debounceInterval = 500 * time.Millisecond

// Document is a generic, identifier-keyed record store backed by a single
// JSON file. Mutations are applied in memory immediately and persisted to
// disk on a debounced timer; Close flushes synchronously.
type Document[T any] struct {
	path string

	mu      sync.RWMutex
	records map[string]T
	version int

	flushMu   sync.Mutex
	timer     *time.Timer
	closed    bool
	flushErrs chan error
}

// Open loads path if it exists (treating absence as a fresh start, mirroring
// checkpoint.Load's os.IsNotExist handling) and returns a ready Document.
func Open[T any](path string) (*Document[T], error) {
	d := &Document[T]{
		path:      path,
		records:   make(map[string]T),
		version:   CurrentSchemaVersion,
		flushErrs: make(chan error, 8),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	var onDisk onDiskDocument[T]
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if onDisk.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("store: %s has schema version %d, newer than supported %d", path, onDisk.SchemaVersion, CurrentSchemaVersion)
	}
	if onDisk.Records != nil {
		d.records = onDisk.Records
	}
	d.version = onDisk.SchemaVersion
	return d, nil
}

type onDiskDocument[T any] struct {
	SchemaVersion int             `json:"schema_version"`
	Records       map[string]T    `json:"records"`
	WrittenAt     time.Time       `json:"written_at"`
}

// Get returns a copy of the record for id.
func (d *Document[T]) Get(id string) (T, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.records[id]
	return v, ok
}

// Put inserts or replaces the record for id and schedules a debounced flush.
func (d *Document[T]) Put(id string, v T) {
	d.mu.Lock()
	d.records[id] = v
	d.mu.Unlock()
	d.scheduleFlush()
}

// Delete removes id, if present, and schedules a debounced flush.
func (d *Document[T]) Delete(id string) {
	d.mu.Lock()
	delete(d.records, id)
	d.mu.Unlock()
	d.scheduleFlush()
}

// Range calls fn for every record until fn returns false.
func (d *Document[T]) Range(fn func(id string, v T) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, v := range d.records {
		if !fn(id, v) {
			return
		}
	}
}

// Len reports the number of records currently held.
func (d *Document[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

func (d *Document[T]) scheduleFlush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	if d.closed {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(debounceInterval, func() {
		if err := d.Flush(); err != nil {
			select {
			case d.flushErrs <- err:
			default:
			}
		}
	})
}

// FlushErrors returns a channel carrying any error from a background
// debounced flush; callers that care about durability should drain it.
func (d *Document[T]) FlushErrors() <-chan error { return d.flushErrs }

// Flush writes the current in-memory state to disk synchronously via
// temp-file-then-rename, exactly the checkpoint.Save idiom this is grounded on.
func (d *Document[T]) Flush() error {
	d.mu.RLock()
	snapshot := onDiskDocument[T]{
		SchemaVersion: d.version,
		Records:       make(map[string]T, len(d.records)),
		WrittenAt:     time.Now().UTC(),
	}
	for id, v := range d.records {
		snapshot.Records[id] = v
	}
	d.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", d.path, err)
	}

	if dir := filepath.Dir(d.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}

	tmpPath := d.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s: %w", d.path, err)
	}
	return nil
}

// Close stops the debounce timer and performs one final synchronous flush.
func (d *Document[T]) Close() error {
	d.flushMu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.closed = true
	d.flushMu.Unlock()
	return d.Flush()
}
