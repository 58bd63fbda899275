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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRegexNul(t *testing.T) {
	t.Parallel()

	_, err := CompileRegex("a\x00b", true, 0)
	assert.ErrorIs(t, err, ErrRegexNul)

	_, err = CompileRegex(`a\x00b`, true, 0)
	assert.ErrorIs(t, err, ErrRegexNul)

	// \0 is the sanctioned NUL spelling.
	re, err := CompileRegex(`a\0b`, true, 0)
	require.NoError(t, err)
	m, ok, err := re.Find([]byte{'a', 0, 'b'}, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, m.Start)
	assert.Equal(t, 3, m.Length)

	_, err = CompileRegex("(unclosed", true, 0)
	assert.ErrorIs(t, err, ErrRegexCompile)
}

// Offsets reported by the engine must be byte offsets even when the input
// holds non-ASCII bytes, which is what the latin-1 widening guarantees.
func TestBinaryOffsets(t *testing.T) {
	t.Parallel()
	re, err := CompileRegex("GET", true, 0)
	require.NoError(t, err)

	data := append([]byte{0xff, 0xfe, 0xc3, 0x28}, []byte("GET /")...)
	m, ok, err := re.Find(data, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, m.Start)
	assert.Equal(t, "GET", string(data[m.Start:m.End()]))
}

func TestCaseSensitivity(t *testing.T) {
	t.Parallel()
	sensitive, err := CompileRegex("host", true, 0)
	require.NoError(t, err)
	_, ok, err := sensitive.Find([]byte("Host: x"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	insensitive, err := CompileRegex("host", false, 0)
	require.NoError(t, err)
	_, ok, err = insensitive.Find([]byte("Host: x"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNamedCaptures(t *testing.T) {
	t.Parallel()
	re, err := CompileRegex(`(?<method>[A-Z]+) (?<path>\S+)`, true, time.Second)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"method", "path"}, re.GroupNames())

	named, ok, err := re.NamedCaptures([]byte("GET /index HTTP/1.1"), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Match{Start: 0, Length: 3}, named["method"])
	assert.Equal(t, Match{Start: 4, Length: 6}, named["path"])
}

func TestMatchAt(t *testing.T) {
	t.Parallel()
	re, err := CompileRegex("[0-9]+", true, 0)
	require.NoError(t, err)

	_, ok, err := re.MatchAt([]byte("ab123"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "match is not anchored at 0")

	m, ok, err := re.MatchAt([]byte("ab123"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, m.Length)
}
