// Copyright 2026 The open-lmake Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Error taxonomy: every engine failure mode is a distinct type, never a
// bare string.

package lmake

import "fmt"

// ErrBadMakefile wraps any error from the rule loader, with the failing
// field path (e.g. "config.backends.slurm.environ").
type ErrBadMakefile struct {
	Field string
	Err   error
}

func (e *ErrBadMakefile) Error() string { return fmt.Sprintf("bad makefile at %s: %v", e.Field, e.Err) }
func (e *ErrBadMakefile) Unwrap() error { return e.Err }

// ErrBadTarget is raised when a job wrote a path not declared as a target
// and not matching any star pattern allowed by the rule.
type ErrBadTarget struct {
	Job    string
	Target string
}

func (e *ErrBadTarget) Error() string {
	return fmt.Sprintf("job %s wrote undeclared target %s", e.Job, e.Target)
}

// ErrDepErr wraps an error dep that the job consumed without IgnoreError.
type ErrDepErr struct {
	Dep string
}

func (e *ErrDepErr) Error() string { return fmt.Sprintf("dep %s is in error", e.Dep) }

// ErrInfinite reports a cyclic uphill chain detected during node analysis.
type ErrInfinite struct {
	Cycle []string
}

func (e *ErrInfinite) Error() string { return fmt.Sprintf("infinite recursion: %v", e.Cycle) }

// ErrMulti reports several rules matching a target at indistinguishable
// priority.
type ErrMulti struct {
	Target string
	Rules  []string
}

func (e *ErrMulti) Error() string {
	return fmt.Sprintf("multiple rules match %s: %v", e.Target, e.Rules)
}

// ErrCacheCoherence is fatal: a Check-mode cache write diverged byte-for-
// byte from an existing entry.
type ErrCacheCoherence struct {
	Key string
}

func (e *ErrCacheCoherence) Error() string { return fmt.Sprintf("cache coherence violation for %s", e.Key) }

// ErrBadServer reports the client cannot reach the server and cannot
// launch one.
type ErrBadServer struct {
	Err error
}

func (e *ErrBadServer) Error() string { return fmt.Sprintf("cannot reach or launch server: %v", e.Err) }
func (e *ErrBadServer) Unwrap() error { return e.Err }

// Rc is the process exit code taxonomy.
type Rc int

const (
	RcOk Rc = iota
	RcFail
	RcBadState
	RcFormat
	RcUsage
	RcSystem
	RcBadMakefile
	RcBadServer
)

// RcFor maps an error from the taxonomy above to an exit code.
func RcFor(err error) Rc {
	if err == nil {
		return RcOk
	}
	switch err.(type) {
	case *ErrBadMakefile:
		return RcBadMakefile
	case *ErrBadServer:
		return RcBadServer
	case *ErrCrcClash, *ErrCacheCoherence:
		return RcSystem
	default:
		return RcFail
	}
}
