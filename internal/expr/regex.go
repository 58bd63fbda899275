// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single regex execution over one packet.
// Exceeding it surfaces as an evaluation error, never as a hang.
const DefaultRegexTimeout = 100 * time.Millisecond

// Regexp is a pattern compiled once at load time and owned by the node that
// declares it.
//
// Packet payloads are arbitrary bytes, so matching runs over a latin-1
// widening of the input: every byte becomes exactly one rune, which makes
// the engine's rune offsets equal to byte offsets.
type Regexp struct {
	Source        string
	CaseSensitive bool

	re *regexp2.Regexp
}

// Match is one pattern hit, in byte offsets relative to the searched slice.
type Match struct {
	Start, Length int
}

// End returns the offset one past the last matched byte.
func (m Match) End() int { return m.Start + m.Length }

// CompileRegex compiles a NetPDL pattern. A raw NUL cannot appear in the
// pattern text except through the \0 escape; the \x00 spelling is rejected
// so a pattern author cannot smuggle a terminator past the attribute layer.
func CompileRegex(pattern string, caseSensitive bool, timeout time.Duration) (*Regexp, error) {
	if strings.Contains(pattern, "\x00") {
		return nil, fmt.Errorf("%w: %q", ErrRegexNul, pattern)
	}
	if hasHexNul(pattern) {
		return nil, fmt.Errorf("%w: \\x00 is not allowed, use \\0: %q", ErrRegexNul, pattern)
	}
	// The only NetPDL-specific spelling: \0 for a NUL byte.
	pattern = strings.ReplaceAll(pattern, `\0`, `\x00`)

	opts := regexp2.None
	if !caseSensitive {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrRegexCompile, pattern, err)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout

	return &Regexp{Source: pattern, CaseSensitive: caseSensitive, re: re}, nil
}

func hasHexNul(pattern string) bool {
	for i := 0; i+3 < len(pattern); i++ {
		if pattern[i] == '\\' && (pattern[i+1] == 'x' || pattern[i+1] == 'X') &&
			pattern[i+2] == '0' && pattern[i+3] == '0' {
			// \\x00 is an escaped backslash followed by literal text.
			if i > 0 && pattern[i-1] == '\\' {
				continue
			}
			return true
		}
	}
	return false
}

// latin1 widens bytes to runes one-for-one so that rune offsets reported by
// the engine are byte offsets into b.
func latin1(b []byte) string {
	rs := make([]rune, len(b))
	for i, c := range b {
		rs[i] = rune(c)
	}
	return string(rs)
}

// Find locates the first match at or after offset from in data. A timeout or
// engine failure is reported as an error; no match is (Match{}, false, nil).
func (r *Regexp) Find(data []byte, from int) (Match, bool, error) {
	m, err := r.re.FindStringMatchStartingAt(latin1(data), from)
	if err != nil {
		return Match{}, false, fmt.Errorf("regex %q: %w", r.Source, err)
	}
	if m == nil {
		return Match{}, false, nil
	}
	return Match{Start: m.Index, Length: m.Length}, true, nil
}

// MatchAt reports whether the pattern matches exactly at offset from.
func (r *Regexp) MatchAt(data []byte, from int) (Match, bool, error) {
	m, ok, err := r.Find(data, from)
	if err != nil || !ok || m.Start != from {
		return Match{}, false, err
	}
	return m, true, nil
}

// Captures returns the first match along with every capture group, indexed
// the engine's way: group 0 is the whole match.
func (r *Regexp) Captures(data []byte, from int) ([]Match, bool, error) {
	m, err := r.re.FindStringMatchStartingAt(latin1(data), from)
	if err != nil {
		return nil, false, fmt.Errorf("regex %q: %w", r.Source, err)
	}
	if m == nil {
		return nil, false, nil
	}
	groups := m.Groups()
	out := make([]Match, 0, len(groups))
	for _, g := range groups {
		if len(g.Captures) == 0 {
			out = append(out, Match{Start: -1})
			continue
		}
		c := g.Captures[0]
		out = append(out, Match{Start: c.Index, Length: c.Length})
	}
	return out, true, nil
}

// NamedCaptures returns the named groups of the first match at or after
// from, keyed by group name. Groups that did not participate are absent.
func (r *Regexp) NamedCaptures(data []byte, from int) (map[string]Match, bool, error) {
	m, err := r.re.FindStringMatchStartingAt(latin1(data), from)
	if err != nil {
		return nil, false, fmt.Errorf("regex %q: %w", r.Source, err)
	}
	if m == nil {
		return nil, false, nil
	}
	out := make(map[string]Match)
	for _, g := range m.Groups() {
		if g.Name == "0" || len(g.Captures) == 0 {
			continue
		}
		c := g.Captures[0]
		out[g.Name] = Match{Start: c.Index, Length: c.Length}
	}
	return out, true, nil
}

// GroupNames exposes the pattern's named groups, for subfield binding.
func (r *Regexp) GroupNames() []string {
	names := r.re.GetGroupNames()
	out := names[:0]
	for _, n := range names {
		if n != "" && (n[0] < '0' || n[0] > '9') {
			out = append(out, n)
		}
	}
	return out
}
