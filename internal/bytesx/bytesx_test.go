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

package bytesx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnescape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []byte
	}{
		{"plain", []byte("plain")},
		{`a\x00b`, []byte{'a', 0, 'b'}},
		{`\0`, []byte{0}},
		{`\r\n`, []byte("\r\n")},
		{`\x41\x42`, []byte("AB")},
		{`\\`, []byte(`\`)},
		{"", []byte{}},
	}
	for _, tt := range tests {
		got, err := Unescape(tt.in)
		require.NoError(t, err, "unescape %q", tt.in)
		assert.Equal(t, tt.want, got, "unescape %q", tt.in)
	}

	for _, bad := range []string{`\x4`, `\q`, `trailing\`} {
		_, err := Unescape(bad)
		assert.ErrorIs(t, err, ErrBadEscape, "unescape %q", bad)
	}
}

func TestBERoundTrip(t *testing.T) {
	t.Parallel()
	for _, w := range []int{1, 2, 4} {
		limit := uint64(1) << (8 * w)
		for _, n := range []uint64{0, 1, 0x7f, 0x80, 0xff, 0x1234, 0xffff, 0x12345678, limit - 1} {
			if n >= limit {
				continue
			}
			got := BE32(PutBE(uint32(n), w))
			assert.Equal(t, uint32(n), got, "width %d value %#x", w, n)
		}
	}
}

func TestReverseInvolution(t *testing.T) {
	t.Parallel()
	for _, b := range [][]byte{{1}, {1, 2}, {0xde, 0xad, 0xbe, 0xef}, []byte("odd-length!")} {
		assert.Equal(t, b, Reverse(Reverse(b)))
	}
	assert.Empty(t, Reverse(nil))
	assert.Equal(t, []byte{3, 2, 1}, Reverse([]byte{1, 2, 3}))
}

func TestHex(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "DEADBEEF", Hex([]byte{0xde, 0xad, 0xbe, 0xef}))
	assert.Equal(t, "", Hex(nil))
}

func TestAsciiToInt(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(1234), AsciiToInt([]byte("1234")))
	assert.Equal(t, uint32(42), AsciiToInt([]byte("  42xyz")))
	assert.Equal(t, uint32(0), AsciiToInt([]byte("abc")))
	assert.Equal(t, uint32(0), AsciiToInt(nil))
}

func TestAlign(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, Align(0, 4))
	assert.Equal(t, 4, Align(1, 4))
	assert.Equal(t, 4, Align(4, 4))
	assert.Equal(t, 8, Align(5, 4))
	assert.Equal(t, 7, Align(7, 1))
}
