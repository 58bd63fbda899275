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
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"buf.build/go/netpdl/internal/pdb"
)

// LoadFlags selects what [Initialize] loads.
type LoadFlags uint32

const (
	// LoadFull loads the whole description, visualization primitives
	// included. Zero flags mean LoadFull.
	LoadFull LoadFlags = 1 << iota
	// LoadMinimal skips the visualization primitives; every other section,
// execute-code and global declarations included, is still loaded.
	LoadMinimal
	// LoadValidate enables the strict structural pass: unknown attributes
	// fail the load instead of being ignored.
	LoadValidate
)

// Engine is a loaded, organized, immutable protocol database. It is safe
// to share across goroutines; per-stream state lives in [Decoder].
type Engine struct {
	db  *pdb.Database
	log logrus.FieldLogger

	closeOnce sync.Once
}

// Initialize loads the description document at path from the host
// filesystem. See [InitializeFS].
func Initialize(path string, flags LoadFlags, opts ...LoadOption) (*Engine, error) {
	return InitializeFS(afero.NewOsFs(), path, flags, opts...)
}

// InitializeFS loads and organizes a description document. The load is
// all-or-nothing: any structural problem, unresolved reference, or
// malformed expression surfaces here and no Engine is returned.
func InitializeFS(fsys afero.Fs, path string, flags LoadFlags, opts ...LoadOption) (*Engine, error) {
	cfg := loadConfig{log: discardLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	db, err := pdb.Load(fsys, path, pdb.Config{
		Minimal:      flags&LoadMinimal != 0,
		Validate:     flags&LoadValidate != 0,
		Log:          cfg.log,
		RegexTimeout: cfg.regexTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{db: db, log: cfg.log}, nil
}

// Teardown releases the database. Idempotent; decoders created from this
// engine must not be used afterwards.
func (e *Engine) Teardown() {
	e.closeOnce.Do(func() {
		e.db = nil
	})
}

// SummarySections returns the summary column names declared by the
// database, in order. Empty under a minimal load or when the database
// declares no summary structure. Pass the result to [NewPSMLWriter].
func (e *Engine) SummarySections() []string {
	if e.db == nil || e.db.SumStructure == nil {
		return nil
	}
	return append([]string(nil), e.db.SumStructure.Sections...)
}

// Version reports the library and loaded-database versions.
func (e *Engine) Version() VersionInfo {
	info := VersionInfo{
		LibMajor:       libMajor,
		LibMinor:       libMinor,
		LibRevision:    libRevision,
		LibDate:        libDate,
		SupportedMajor: pdb.SupportedMajor,
		SupportedMinor: pdb.SupportedMinor,
	}
	if e.db != nil && e.db.Root != nil {
		info.DBCreator = e.db.Root.Creator
		info.DBDate = e.db.Root.Date
		info.DBMajor = e.db.Root.VersionMajor
		info.DBMinor = e.db.Root.VersionMinor
	}
	return info
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
