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

package engine

import (
	"errors"
	"fmt"
)

// Runtime failure categories. Packet-level failures never abort the
// decoder; they mark the packet or the current protocol and decoding moves
// on.
var (
	// ErrTruncated means the cursor would run past the captured bytes with
	// no missing-packetdata handler in scope.
	ErrTruncated = errors.New("truncated packet")
	// ErrMalformed means a field-specific invariant does not hold on this
	// packet.
	ErrMalformed = errors.New("malformed field")
	// ErrEvaluation is an expression failure at decode time: division by
	// zero, an unresolved field reference, a regex engine fault.
	ErrEvaluation = errors.New("expression evaluation failed")
)

// decodeError carries the failure position for diagnostics.
type decodeError struct {
	cat    error
	packet uint64
	offset int
	detail string
}

// Error implements [error].
func (e *decodeError) Error() string {
	return fmt.Sprintf("%v: packet %d, offset %d: %s", e.cat, e.packet, e.offset, e.detail)
}

// Unwrap implements error unwrapping viz [errors.Unwrap].
func (e *decodeError) Unwrap() error { return e.cat }

func (st *decodeState) failf(cat error, format string, args ...any) error {
	return &decodeError{
		cat:    cat,
		packet: st.pkt.Number,
		offset: st.cursor,
		detail: fmt.Sprintf(format, args...),
	}
}
