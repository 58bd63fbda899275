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
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"

	"buf.build/go/netpdl/internal/engine"
	"buf.build/go/netpdl/internal/run"
)

// LoadOption is a configuration setting for [Initialize].
type LoadOption func(*loadConfig)

type loadConfig struct {
	log          logrus.FieldLogger
	regexTimeout time.Duration
}

// WithLogger routes loader and organizer diagnostics to log.
func WithLogger(log logrus.FieldLogger) LoadOption {
	return func(c *loadConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRegexTimeout bounds the execution of every regular expression
// compiled from the description. The zero value keeps the built-in
// default.
func WithRegexTimeout(d time.Duration) LoadOption {
	return func(c *loadConfig) { c.regexTimeout = d }
}

// DecodeOption is a configuration setting for [Engine.NewDecoder].
type DecodeOption func(*engine.Options)

// WithMaxDepth bounds the decoder's interpreter stack.
func WithMaxDepth(n int) DecodeOption {
	return func(o *engine.Options) { o.MaxDepth = n }
}

// WithMaxLoopIters bounds any single description loop on one packet.
// Large values enable potential DoS vectors on crafted packets.
func WithMaxLoopIters(n int) DecodeOption {
	return func(o *engine.Options) { o.MaxLoopIters = n }
}

// WithStrictEncapsulation makes next-protocol resolution purely
// first-match: a later candidate with preferred="true" no longer overrides
// an earlier match.
func WithStrictEncapsulation(strict bool) DecodeOption {
	return func(o *engine.Options) { o.StrictEncapsulation = strict }
}

// WithClock injects the time source for lookup-table lifetimes. Tests use
// this to make eviction deterministic.
func WithClock(clock func() time.Time) DecodeOption {
	return func(o *engine.Options) { o.Clock = run.Clock(clock) }
}

// WithDecodeLogger routes runtime diagnostics to log.
func WithDecodeLogger(log logrus.FieldLogger) DecodeOption {
	return func(o *engine.Options) { o.Log = log }
}

// envOverrides are the environment knobs honored by every new decoder,
// applied before the DecodeOptions so explicit options win.
type envOverrides struct {
	MaxDepth     null.Int  `envconfig:"NETPDL_MAX_DEPTH"`
	MaxLoopIters null.Int  `envconfig:"NETPDL_MAX_LOOP_ITERS"`
	StrictEncap  null.Bool `envconfig:"NETPDL_STRICT_ENCAPSULATION"`
}

func applyEnv(o *engine.Options) {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return
	}
	if env.MaxDepth.Valid {
		o.MaxDepth = int(env.MaxDepth.Int64)
	}
	if env.MaxLoopIters.Valid {
		o.MaxLoopIters = int(env.MaxLoopIters.Int64)
	}
	if env.StrictEncap.Valid {
		o.StrictEncapsulation = env.StrictEncap.Bool
	}
}
