package match

import (
	"regexp"
	"strings"
	"sync"

	"firestige.xyz/wirecheck/internal/log"
)

const layerPrefix = "Layer "

// Miss describes one unsatisfied requirement. Field is empty when the whole
// layer was absent.
type Miss struct {
	Layer string
	Field string
}

// Matcher evaluates expectations against packet text. Compiled regular
// expressions are cached; a Matcher is safe for concurrent use.
type Matcher struct {
	cache sync.Map // string -> *regexp.Regexp, nil for patterns that do not compile
}

// NewMatcher returns an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

var defaultMatcher = NewMatcher()

// Match reports whether text satisfies exp using the shared Matcher.
func Match(text string, exp Expectation) bool {
	return defaultMatcher.Match(text, exp)
}

// Match reports whether every layer of exp is present in text and every
// requested field of those layers is satisfied.
func (m *Matcher) Match(text string, exp Expectation) bool {
	return len(m.evaluate(text, exp, true)) == 0
}

// Explain lists every requirement of exp that text does not satisfy.
func (m *Matcher) Explain(text string, exp Expectation) []Miss {
	return m.evaluate(text, exp, false)
}

func (m *Matcher) evaluate(text string, exp Expectation, stopEarly bool) []Miss {
	lines := splitLines(text)
	var misses []Miss

	for _, ls := range exp.normalize() {
		first, blocks := findLayer(lines, ls.Layer)
		if first < 0 {
			misses = append(misses, Miss{Layer: ls.Layer})
			if stopEarly {
				return misses
			}
			continue
		}

		for _, f := range ls.Fields {
			var ok bool
			if f.IsRow() {
				ok = m.matchRow(lines[first+1:], f.Pattern)
			} else {
				ok = m.matchField(blocks, f)
			}
			if !ok {
				misses = append(misses, Miss{Layer: ls.Layer, Field: f.Key})
				if stopEarly {
					return misses
				}
			}
		}
	}
	return misses
}

// matchField scans the field lines of every block of the layer. The first
// line whose value matches satisfies the field.
func (m *Matcher) matchField(blocks [][]string, f FieldSpec) bool {
	extract := m.compile(`(?:\t|, |= )` + regexp.QuoteMeta(f.Key) + `:\s*([^,]*),?`)
	want := m.compile(f.Pattern)
	if extract == nil || want == nil {
		return false
	}
	for _, block := range blocks {
		for _, line := range block {
			for _, sub := range extract.FindAllStringSubmatch(line, -1) {
				if want.MatchString(sub[1]) {
					return true
				}
			}
		}
	}
	return false
}

// matchRow requires a line containing a tab followed by pattern.
func (m *Matcher) matchRow(lines []string, pattern string) bool {
	re := m.compile(`\t(?:` + pattern + `)`)
	if re == nil {
		return false
	}
	for _, line := range lines {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	if v, ok := m.cache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.GetLogger().WithError(err).WithField("pattern", pattern).Debug("pattern does not compile, treated as no match")
	}
	v, _ := m.cache.LoadOrStore(pattern, re)
	return v.(*regexp.Regexp)
}

// findLayer returns the index of the first header of the named layer and the
// field lines of every block carrying that name. first is -1 when absent.
func findLayer(lines []string, name string) (first int, blocks [][]string) {
	first = -1
	for i := 0; i < len(lines); i++ {
		header, ok := layerName(lines[i])
		if !ok || header != name {
			continue
		}
		if first < 0 {
			first = i
		}
		end := i + 1
		for end < len(lines) {
			if _, next := layerName(lines[end]); next {
				break
			}
			end++
		}
		blocks = append(blocks, lines[i+1:end])
		i = end - 1
	}
	return first, blocks
}

// layerName parses a "Layer NAME:" header line.
func layerName(line string) (string, bool) {
	if !strings.HasPrefix(line, layerPrefix) {
		return "", false
	}
	rest := strings.TrimRight(line[len(layerPrefix):], " ")
	if !strings.HasSuffix(rest, ":") || len(rest) < 2 {
		return "", false
	}
	return rest[:len(rest)-1], true
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
