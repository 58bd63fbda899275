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

package netpdl

import (
	"buf.build/go/netpdl/internal/engine"
	"buf.build/go/netpdl/internal/expr"
	"buf.build/go/netpdl/internal/pdb"
)

// Load-time failure categories, testable with [errors.Is] on the error
// [Initialize] returns.
var (
	// ErrXMLSyntax: the document is not well-formed XML.
	ErrXMLSyntax = pdb.ErrXMLSyntax
	// ErrSchemaViolation: the document does not follow the schema.
	ErrSchemaViolation = pdb.ErrSchemaViolation
	// ErrVersionMismatch: the document's version is not supported.
	ErrVersionMismatch = pdb.ErrVersionMismatch
	// ErrStructural: missing or invalid attributes, duplicate names,
	// unresolved references, excessive nesting, lookup-table shape
	// mismatches.
	ErrStructural = pdb.ErrStructural
	// ErrIO: the document could not be read.
	ErrIO = pdb.ErrIO

	// Expression sublanguage failures, wrapped inside ErrStructural load
	// errors.
	ErrExprSyntax       = expr.ErrSyntax
	ErrExprUnknownName  = expr.ErrUnknownName
	ErrExprTypeMismatch = expr.ErrTypeMismatch
	ErrRegexInvalidNul  = expr.ErrRegexNul
	ErrRegexCompile     = expr.ErrRegexCompile
)

// Runtime categories. These never surface as Decode errors; they mark the
// packet or appear in diagnostic fields.
var (
	ErrTruncatedPacket = engine.ErrTruncated
	ErrMalformedField  = engine.ErrMalformed
	ErrEvaluation      = engine.ErrEvaluation
)
