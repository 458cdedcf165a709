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

// Req: a user-visible build request.

package lmake

import (
	"io"
	"sync"
)

// ReqIdx identifies a Req among the ones currently live on a State.
type ReqIdx int32

// ReqInfo is a Req's private view over one Node or Job: progress state
// that must NOT be shared across Reqs even though the underlying Node/Job
// is.
type ReqInfo struct {
	Done    bool
	Waiting bool
}

// Req is one user build request (one `lmake` invocation): it
// owns its own progress state, job/node ReqInfo maps, audit channel and
// ETA estimator, while sharing the underlying Node/Job graph with every
// other live Req.
type Req struct {
	Idx ReqIdx

	mu       sync.Mutex
	jobInfo  map[JobIdx]*ReqInfo
	nodeInfo map[NodeIdx]*ReqInfo

	Zombie bool // set by Kill: stop enqueueing new jobs

	Audit    io.Writer // client socket + log file
	Eta      *ETAEstimator
	Progress *Progress // nil when the caller wants no status line

	targets []NodeIdx
}

func NewReq(idx ReqIdx, audit io.Writer) *Req {
	return &Req{
		Idx:      idx,
		jobInfo:  map[JobIdx]*ReqInfo{},
		nodeInfo: map[NodeIdx]*ReqInfo{},
		Audit:    audit,
		Eta:      NewETAEstimator(8),
	}
}

func (r *Req) JobInfo(j JobIdx) *ReqInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri, ok := r.jobInfo[j]
	if !ok {
		ri = &ReqInfo{}
		r.jobInfo[j] = ri
	}
	return ri
}

func (r *Req) NodeInfo(n NodeIdx) *ReqInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri, ok := r.nodeInfo[n]
	if !ok {
		ri = &ReqInfo{}
		r.nodeInfo[n] = ri
	}
	return ri
}

// AddReq registers a new Req on s, returning its index.
func (s *State) AddReq(audit io.Writer) *Req {
	r := NewReq(ReqIdx(len(s.reqs_)), audit)
	s.reqs_ = append(s.reqs_, r)
	return r
}

// Kill marks every live Req as zombie.
func (s *State) Kill() {
	for _, r := range s.reqs_ {
		r.Zombie = true
	}
	if s.Backend != nil {
		_ = s.Backend.Kill(nil)
	}
}

// JobStarted records that a job this Req asked for was handed to a
// backend, feeding the progress line and the Req's private job view.
func (r *Req) JobStarted(j JobIdx) {
	ri := r.JobInfo(j)
	ri.Waiting = true
	if r.Progress != nil {
		r.Progress.JobStarted()
	}
}

// JobFinished is JobStarted's counterpart at completion.
func (r *Req) JobFinished(j JobIdx, ok bool, output string) {
	ri := r.JobInfo(j)
	ri.Waiting = false
	ri.Done = true
	if r.Progress != nil {
		r.Progress.JobFinished(ok, output)
	}
}

// MakeTarget runs the make-loop for one of a Req's requested targets.
// Whenever the pass suspends (a backend worker is running somewhere below
// the target), it waits for the next completion, applies it, drains the
// watcher wake-ups it caused, and re-enters the make until the target
// settles. This wait is the engine's only blocking point: it is an idle
// engine waiting on its own work queue, with every submission running on a
// worker goroutine.
func (s *State) MakeTarget(r *Req, path string) NodeStatus {
	idx := s.GetNode(path)
	r.targets = append(r.targets, idx)
	prev := s.curReq
	s.curReq = r
	defer func() { s.curReq = prev }()
	for {
		s.drainCompletions()
		st := s.MakeNode(idx, MakeDsk, ReasonNone, NoJobIdx)
		s.DrainPending()
		if st != NodeStatusWaiting {
			r.NodeInfo(idx).Done = true
			return st
		}
		c, ok := <-s.completions
		if !ok {
			return NodeStatusErr
		}
		s.applyCompletion(c)
		s.DrainPending()
	}
}
