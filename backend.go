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

// Backend interface: the engine sees backends only
// through a four-event stream (start / report-start / give-up / end) and
// never knows how jobs are actually dispatched.

package lmake

// SubmitAttrs is what the engine hands a backend to launch a job.
type SubmitAttrs struct {
	Rsrcs   map[string]string
	Stdin   string
	CmdLine string
	Env     map[string]string
	Timeout float64  // seconds, 0 = none (rule timeout)
	Nice    int      // niceness for the job process group, 0 = inherit
	Targets []string // stems-resolved static targets, for backends without interception reports

	AutodepEnv string // serialized LMAKE_AUTODEP_ENV
}

// DepReport is one dep as observed by autodep over the job's lifetime, in
// declaration order.
type DepReport struct {
	Path     string
	Accesses uint8 // Accesses bits
	Crc      Crc
	Parallel bool
}

// WriteReport is one target the job wrote, as reported in the final digest.
type WriteReport struct {
	Path       string
	Crc        Crc
	PreExisted bool
}

// JobRpcEnd is the digest a backend reports once a job's command has
// finished: ordered deps, targets with their crc, stdout/stderr, timings,
// wstatus.
type JobRpcEnd struct {
	Ok        bool
	Deps      []DepReport
	Writes    []WriteReport
	Stdout    string
	Stderr    string
	ExeTimeMs int64
	WStatus   int
	Killed    bool // distinguished from a crash
}

// Backend is a pluggable endpoint that accepts a SubmitAttrs and, some
// time later, yields the job's end digest. The engine is
// blind to dispatch mechanics: local process, SGE, Slurm are all the same
// interface; only the local one is implemented here.
type Backend interface {
	// Submit launches (or enqueues) a job and blocks the calling goroutine
	// (always a backend worker spawned by startJob, never the engine
	// goroutine) until the job ends, a give-up, or an error occurs.
	Submit(attrs SubmitAttrs) (JobRpcEnd, error)

	// Kill asks the backend to terminate all in-flight jobs, cascading
	// through kill_sigs.
	Kill(sigs []int) error
}

// CacheMethod selects cache directionality for a rule.
type CacheMethod uint8

const (
	CacheMethodNone CacheMethod = iota
	CacheMethodDownload
	CacheMethodCheck
	CacheMethodPlain
)

func (m CacheMethod) String() string {
	switch m {
	case CacheMethodNone:
		return "None"
	case CacheMethodDownload:
		return "Download"
	case CacheMethodCheck:
		return "Check"
	case CacheMethodPlain:
		return "Plain"
	default:
		return "CacheMethod(?)"
	}
}
