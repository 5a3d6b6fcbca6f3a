// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Record is the immutable textual snapshot of one captured packet.
// Only the mark list grows after creation, and only through AppendMark.
type Record struct {
	Text      string    // multi-line "Layer X:" / "\tkey: value" representation
	Timestamp time.Time // capture or ingestion time

	mu    sync.RWMutex
	marks []string
}

// NewRecord creates a record carrying the given initial marks.
func NewRecord(text string, ts time.Time, marks ...string) *Record {
	r := &Record{Text: text, Timestamp: ts}
	for _, m := range marks {
		r.AppendMark(m)
	}
	return r
}

// AppendMark attaches a mark. Empty names are ignored.
func (r *Record) AppendMark(mark string) {
	if mark == "" {
		return
	}
	r.mu.Lock()
	r.marks = append(r.marks, mark)
	r.mu.Unlock()
}

// HasMark reports whether mark was attached to this record.
func (r *Record) HasMark(mark string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.marks, mark)
}

// Marks returns a copy of the attached marks in attach order.
func (r *Record) Marks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.marks)
}

func (r *Record) String() string {
	return r.Text
}

// Window is an inclusive range of record indices.
type Window struct {
	Start int
	End   int
}

// Contains reports whether index i lies within the window.
func (w Window) Contains(i int) bool {
	return i >= w.Start && i <= w.End
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.Start, w.End)
}
