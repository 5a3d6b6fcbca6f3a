// Package verify finds expected packets, in order, inside a window of the
// packet store.
package verify

import (
	"fmt"
	"io"
	"strings"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/match"
	"firestige.xyz/wirecheck/internal/store"
)

// Result describes a successful verification.
type Result struct {
	Window  core.Window
	Matched []int // record index matched by each expectation
	Cursor  int   // position after the last match
}

// Verifier runs ordered and counting searches over store snapshots.
type Verifier struct {
	matcher *match.Matcher
}

// New creates a Verifier with its own regular expression cache.
func New() *Verifier {
	return &Verifier{matcher: match.NewMatcher()}
}

// Resolve turns window marks into indices. An empty endMark means the last
// record; an empty startMark means store.DefaultMark.
func Resolve(s *store.Store, startMark, endMark string) (core.Window, error) {
	if !s.HasRecords() {
		return core.Window{}, core.ErrEmptyStore
	}
	if startMark == "" {
		startMark = store.DefaultMark
	}

	start, ok := s.FindIndexByMark(startMark)
	if !ok {
		return core.Window{}, fmt.Errorf("window start %q: %w", startMark, core.ErrMarkNotFound)
	}

	end := s.LastIndex()
	if endMark != "" {
		if end, ok = s.FindIndexByMark(endMark); !ok {
			return core.Window{}, fmt.Errorf("window end %q: %w", endMark, core.ErrMarkNotFound)
		}
	}
	return core.Window{Start: start, End: end}, nil
}

// Verify locates every expectation in order. Each search starts right after
// the record matched by the previous expectation, so a record is never used
// twice and matches never move backwards. The first expectation that cannot
// be found ends the search with a *core.MismatchError.
func (v *Verifier) Verify(records []*core.Record, expected []match.Expectation, w core.Window) (Result, error) {
	if len(records) == 0 {
		return Result{}, core.ErrEmptyStore
	}

	res := Result{Window: w, Cursor: w.Start, Matched: make([]int, 0, len(expected))}
	for i, exp := range expected {
		idx, ok := v.findNext(records, exp, res.Cursor, w.End)
		if !ok {
			v.explain(records, exp, res.Cursor, w.End)
			return res, &core.MismatchError{Position: i, Expected: exp.String(), Window: w}
		}
		res.Matched = append(res.Matched, idx)
		res.Cursor = idx + 1
	}

	log.GetLogger().WithField("window", w.String()).WithField("matched", res.Matched).Debug("verify packets success")
	return res, nil
}

// Count returns how many disjoint records inside the window satisfy exp.
func (v *Verifier) Count(records []*core.Record, exp match.Expectation, w core.Window) (int, error) {
	if len(records) == 0 {
		return 0, core.ErrEmptyStore
	}

	count := 0
	for cursor := w.Start; ; {
		idx, ok := v.findNext(records, exp, cursor, w.End)
		if !ok {
			return count, nil
		}
		count++
		cursor = idx + 1
	}
}

// findNext scans [from, to] and returns the first matching index.
func (v *Verifier) findNext(records []*core.Record, exp match.Expectation, from, to int) (int, bool) {
	if to >= len(records) {
		to = len(records) - 1
	}
	for i := from; i <= to; i++ {
		if v.matcher.Match(records[i].Text, exp) {
			return i, true
		}
	}
	return -1, false
}

// explain logs, at debug level, the candidate that missed the fewest requirements.
func (v *Verifier) explain(records []*core.Record, exp match.Expectation, from, to int) {
	l := log.GetLogger()
	if !l.IsDebugEnabled() {
		return
	}
	best, bestMisses := -1, []match.Miss(nil)
	for i := from; i <= to && i < len(records); i++ {
		misses := v.matcher.Explain(records[i].Text, exp)
		if best < 0 || len(misses) < len(bestMisses) {
			best, bestMisses = i, misses
		}
	}
	if best < 0 {
		l.WithField("expected", exp.String()).Debug("no candidate records left in window")
		return
	}
	l.WithField("expected", exp.String()).
		WithField("closest", best).
		WithField("missing", fmt.Sprint(bestMisses)).
		Debug("expected packet not found")
}

// Print writes the records of the window to out, each preceded by its
// index, timestamp and marks.
func Print(out io.Writer, records []*core.Record, w core.Window) error {
	if len(records) == 0 {
		return core.ErrEmptyStore
	}
	for i := w.Start; i <= w.End && i < len(records); i++ {
		r := records[i]
		header := fmt.Sprintf("#%d %s", i, r.Timestamp.Format("15:04:05.000000"))
		if marks := r.Marks(); len(marks) > 0 {
			header += " marks=" + strings.Join(marks, ",")
		}
		if _, err := fmt.Fprintf(out, "%s\n%s\n", header, strings.TrimRight(r.Text, "\n")); err != nil {
			return err
		}
	}
	return nil
}
