// Package store holds captured packet records in arrival order together with
// the named marks that delimit verification windows.
package store

import (
	"slices"
	"sync"
	"time"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
)

// DefaultMark is queued at construction so that index 0 of any non-empty
// store is a valid window start.
const DefaultMark = "start"

// Store is an append-only, ordered sequence of records.
// All methods are safe for concurrent use. Marks and pushes share one lock,
// so a mark can never fall between the drain of the pending queue and the
// append of the record that received it.
type Store struct {
	mu      sync.RWMutex
	records []*core.Record
	pending []string
	now     func() time.Time
}

// New creates an empty store with DefaultMark pending.
func New() *Store {
	s := &Store{now: time.Now}
	s.SetMark(DefaultMark)
	return s
}

// SetMark attaches name to the most recently pushed record, or queues it for
// the next pushed record when the store is still empty.
func (s *Store) SetMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.records); n > 0 {
		s.records[n-1].AppendMark(name)
		log.GetLogger().WithField("mark", name).WithField("index", n-1).Debug("mark attached")
		return
	}
	s.pending = append(s.pending, name)
	log.GetLogger().WithField("mark", name).Debug("mark queued")
}

// Push appends a record stamped with the current time.
func (s *Store) Push(text string) *core.Record {
	return s.PushAt(text, time.Time{})
}

// PushAt appends a record with the given capture timestamp; a zero ts is
// replaced by the current time. Pending marks are drained into the record in
// the order they were set.
func (s *Store) PushAt(text string, ts time.Time) *core.Record {
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := core.NewRecord(text, ts, s.pending...)
	s.pending = nil
	s.records = append(s.records, r)

	if l := log.GetLogger(); l.IsTraceEnabled() {
		l.WithField("index", len(s.records)-1).WithField("marks", r.Marks()).Trace("record pushed")
	}
	return r
}

// FindIndexByMark returns the index of the first record carrying name.
func (s *Store) FindIndexByMark(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, r := range s.records {
		if r.HasMark(name) {
			return i, true
		}
	}
	return -1, false
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// HasRecords reports whether at least one record was pushed.
func (s *Store) HasRecords() bool {
	return s.Count() > 0
}

// LastIndex returns the index of the newest record, -1 when empty.
func (s *Store) LastIndex() int {
	return s.Count() - 1
}

// At returns the record at index i, or nil when out of range.
func (s *Store) At(i int) *core.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.records) {
		return nil
	}
	return s.records[i]
}

// Snapshot returns the records appended so far. The returned slice is never
// written again by the store and can be scanned without locking.
func (s *Store) Snapshot() []*core.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	return s.records[:n:n]
}

// Pending returns the marks waiting for the next record.
func (s *Store) Pending() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pending)
}
