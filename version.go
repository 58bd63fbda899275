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

const (
	libMajor    = 0
	libMinor    = 9
	libRevision = 1
	libDate     = "2025-07-01"
)

// VersionInfo describes the library and, when an engine is loaded, its
// database.
type VersionInfo struct {
	LibMajor, LibMinor, LibRevision int
	LibDate                         string

	// The description-language version this build understands.
	SupportedMajor, SupportedMinor int

	// Loaded database metadata; zero values when no database is loaded.
	DBCreator, DBDate string
	DBMajor, DBMinor  int
}
