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

// Global graph state: the interned path table plus the Node/Job arenas,
// addressed by typed handles.

package lmake

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Buildable records whether any rule matches a Node's path.
type Buildable uint8

const (
	BuildableUnknown Buildable = iota
	BuildableMaybe
	BuildableNo
	BuildableYes
)

// MatchGen is bumped whenever the rule set changes, invalidating cached
// Buildable/rule_tgts results.
type MatchGen uint64

// State owns every Node and Job in the repo graph.
type State struct {
	mu sync.Mutex // protects paths_ for concurrent reader snapshots (e.g. lshow); engine thread is the only writer

	paths_     map[string]NodeIdx
	nodes_     Arena[Node]
	jobs_      Arena[Job]
	jobsByKey_ map[string]JobIdx
	rules_     []*Rule
	matchGen   MatchGen

	reqs_ []*Req

	// pending holds watcher wake-ups produced during the current make()
	// pass; DrainPending (called from MakeTarget in req.go) re-enters make() for each
	// before returning control to request handling.
	pending []pendingWake

	Backend Backend       // nil until a backend is registered
	Cache   *ContentCache // nil disables caching entirely
	Metrics *Metrics      // nil disables KPI reporting
	Store   GraphStore    // nil disables cross-run persistence
	Nfs     *NfsGuard     // guards engine-side filesystem mutations

	AutodepEnvStr string // serialized LMAKE_AUTODEP_ENV handed to backends

	// submitOnce deduplicates backend submissions keyed by (job, dep
	// fingerprint): a job is run at most once per fingerprint even when
	// several Reqs ask for it concurrently.
	submitOnce singleflight.Group

	// completions is the queue backend workers hand digests back on; the
	// engine goroutine drains it between make passes, never blocking while
	// a pass is in progress.
	completions chan jobCompletion
	inFlight    map[JobIdx]bool // jobs with a worker currently running
	jobsSem     chan struct{}   // global jobs gate, built lazily from MaxJobs

	curReq *Req // Req whose make pass is running, for progress reporting

	PathMax    int // configurable; paths longer than this are forced unbuildable
	MaxRetries int // resubmissions allowed after a lost job
	MaxJobs    int // global concurrent-jobs gate, 0 = number of CPUs
	MaxSubmits int // per-job submission budget, 0 = unlimited
	Nice       int // niceness applied to job processes
}

// pendingWake names a Node or Job (never both) to re-make once a watched
// dependency completes.
type pendingWake struct {
	node NodeIdx
	job  JobIdx
}

func NewState() *State {
	return &State{
		paths_:      map[string]NodeIdx{},
		PathMax:     4096,
		Nfs:         NewNfsGuard(FileSyncNone),
		completions: make(chan jobCompletion, 1024),
		inFlight:    map[JobIdx]bool{},
	}
}

// DrainPending re-enters make() for every watcher woken by the last make
// pass, until no more wake-ups are pending; a woken entity that completes
// wakes its own watchers in turn.
func (s *State) DrainPending() {
	for len(s.pending) > 0 {
		w := s.pending[0]
		s.pending = s.pending[1:]
		if w.job != NoJobIdx {
			if st := s.makeJobDepth(w.job, MakeDsk, ReasonNone, NoJobIdxAsNode, 0, map[NodeIdx]bool{}); st != JobStatusWaiting {
				s.wakeJobWatchers(w.job)
			}
		} else {
			if st := s.MakeNode(w.node, MakeDsk, ReasonNone, NoJobIdx); st != NodeStatusWaiting {
				s.wakeNodeWatchers(w.node)
			}
		}
	}
}

// drainCompletions applies every backend completion that has already
// arrived, without blocking.
func (s *State) drainCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.applyCompletion(c)
		default:
			return
		}
	}
}

// AddRule registers a rule and bumps MatchGen so affected Nodes recompute
// buildability on next make.
func (s *State) AddRule(r *Rule) error {
	if err := r.compile(); err != nil {
		return err
	}
	s.rules_ = append(s.rules_, r)
	s.matchGen++
	return nil
}

// GetNode interns path, creating a fresh Node if this is the first time it
// is seen.
func (s *State) GetNode(path string) NodeIdx {
	s.mu.Lock()
	if idx, ok := s.paths_[path]; ok {
		s.mu.Unlock()
		return idx
	}
	n := Node{path_: path, buildable_: BuildableUnknown, confirmIdx_: NoIdx, actualJobTgt_: NoJobIdx, dir_: NoJobIdxAsNode}
	i := s.nodes_.Add(n)
	idx := NodeIdx(i)
	s.paths_[path] = idx
	s.mu.Unlock()
	if dir := parentDir(path); dir != "" {
		dirIdx := s.GetNode(dir)
		s.Node(idx).dir_ = dirIdx
	}
	return idx
}

// NoJobIdxAsNode marks "no parent directory" (path is repo root).
const NoJobIdxAsNode = NodeIdx(-1)

// LookupNode returns the Node for path if it has already been interned.
func (s *State) LookupNode(path string) (NodeIdx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.paths_[path]
	return idx, ok
}

func (s *State) Node(i NodeIdx) *Node { return s.nodes_.Get(int(i)) }
func (s *State) Job(i JobIdx) *Job    { return s.jobs_.Get(int(i)) }

func (s *State) AddJob(j Job) JobIdx {
	return JobIdx(s.jobs_.Add(j))
}

func (s *State) NumNodes() int { return s.nodes_.Len() }
func (s *State) NumJobs() int  { return s.jobs_.Len() }

// Rules returns the registered rule set in the order the rules were added.
func (s *State) Rules() []*Rule { return s.rules_ }

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return ""
	}
	return path[:i]
}
