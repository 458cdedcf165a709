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

// Job engine: make-loop for jobs, dep gather, submission and End-RPC
// validation.

package lmake

import (
	"fmt"
	"os"
	"runtime"
)

// JobStatus is a Job's lifecycle state.
type JobStatus uint8

const (
	JobStatusNew JobStatus = iota
	JobStatusEarlyChkDeps
	JobStatusEarlyErr
	JobStatusEarlyLost
	JobStatusLateLost
	JobStatusLateLostErr
	JobStatusOk
	JobStatusKilled
	JobStatusErr
	JobStatusWaiting
	JobStatusDepErr
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusNew:
		return "New"
	case JobStatusEarlyChkDeps:
		return "EarlyChkDeps"
	case JobStatusEarlyErr:
		return "EarlyErr"
	case JobStatusEarlyLost:
		return "EarlyLost"
	case JobStatusLateLost:
		return "LateLost"
	case JobStatusLateLostErr:
		return "LateLostErr"
	case JobStatusOk:
		return "Ok"
	case JobStatusKilled:
		return "Killed"
	case JobStatusErr:
		return "Err"
	case JobStatusWaiting:
		return "Waiting"
	case JobStatusDepErr:
		return "DepErr"
	default:
		return "JobStatus(?)"
	}
}

// Dep is one entry of Job.deps: a Node plus the accesses/flags/digest
// observed on it and whether it belongs to a parallel group.
type Dep struct {
	node     NodeIdx
	accesses Accesses
	digest   AccessDigest
	flags    MatchFlags
	parallel bool

	recordedCrc Crc // crc as of the last successful run, for diff_accesses
}

// Target is one output the job produced, with its crc as recorded at job
// end.
type Target struct {
	node NodeIdx
	crc  Crc
}

// Job is one rule instance bound to a concrete stem tuple.
type Job struct {
	rule_   *Rule
	stems_  map[string]string
	deps_   []Dep
	targets_ []Target

	status_      JobStatus
	incremental_ bool
	frozen_      bool // lmark -f: treated as a source, never rerun
	infinite_    bool // dep recursion exceeded maxDepDepth (Special::Infinite)
	retriesLeft_ int
	submitCount_ int

	stdout_, stderr_ string
	exeTimeMs_       int64

	watchers_ []watcher
}

func (j *Job) Rule() *Rule       { return j.rule_ }
func (j *Job) Status() JobStatus { return j.status_ }
func (j *Job) Deps() []Dep       { return j.deps_ }

// depMakeAction is Status for a dep only sensed, Dsk for a dep whose
// content the rule's command is expected to read.
func depMakeAction(d Dep) MakeAction {
	if d.accesses.Has(AccessReg) || d.accesses.Has(AccessLnk) {
		return MakeDsk
	}
	return MakeStatus
}

// makeJobDepth is the job engine's make() entry point,
// threaded through the same depth/onPath cycle guard as the node engine
// since uphill-Node recursion and dep-Job recursion share the same arena.
func (s *State) makeJobDepth(idx JobIdx, action MakeAction, reason Reason, asking NodeIdx, depth int, onPath map[NodeIdx]bool) JobStatus {
	if s.Job(idx).frozen_ {
		return JobStatusOk // a frozen job is a source: its outputs are taken as-is
	}

	// 1. Gather deps, sequentially. Parallel-flagged groups are only
	// logically concurrent: the engine still iterates them in order.
	// Job/node pointers are re-fetched after each recursion: the arenas
	// may have grown.
	depOutOfDate := false
	depErr := false
	for i := 0; i < len(s.Job(idx).deps_); i++ {
		d := s.Job(idx).deps_[i]
		st := s.makeNodeDepth(d.node, depMakeAction(d), ReasonNone, idx, depth+1, onPath)
		j := s.Job(idx)
		switch st {
		case NodeStatusWaiting:
			// Suspend: re-made once the dep node completes.
			s.watchNode(d.node, watcher{job: idx})
			j.status_ = JobStatusWaiting
			return JobStatusWaiting
		case NodeStatusInfinite:
			j.infinite_ = true
			j.status_ = JobStatusErr
			s.wakeJobWatchers(idx)
			return JobStatusErr
		case NodeStatusErr, NodeStatusMulti:
			if !d.flags.IgnoreError {
				depErr = true
			}
			continue
		}
		n := s.Node(d.node)
		if n.noTrigger_ {
			continue // lmark -t: changes here never cause a rerun
		}
		if j.status_ != JobStatusNew {
			diff, err := d.recordedCrc.DiffAccesses(n.crc_)
			if err != nil {
				// CrcClash: fatal, but surfaced as a job status rather than
				// panicking the engine.
				j.status_ = JobStatusErr
				return JobStatusErr
			}
			if diff&d.accesses != 0 {
				depOutOfDate = true
				EXPLAIN("job %s: dep %s changed", jobDisplayName(j), n.path_)
			}
		}
	}

	j := s.Job(idx)
	if depErr {
		j.status_ = JobStatusDepErr
		s.wakeJobWatchers(idx)
		return JobStatusDepErr
	}
	if depOutOfDate {
		reason = ReasonDepOutOfDate
	}

	// 2. Decide to submit. A completed outcome, good or bad, is settled
	// until some reason (dep change, forget, unlinked target) forces a
	// fresh run; without this, a failed job would resubmit on every wake.
	if reason == ReasonNone {
		switch j.status_ {
		case JobStatusOk:
			s.wakeJobWatchers(idx)
			return JobStatusOk // steady
		case JobStatusErr, JobStatusDepErr, JobStatusEarlyLost:
			s.wakeJobWatchers(idx)
			return j.status_
		}
	}
	if action != MakeDsk {
		// Only Dsk ensures actual (re)execution; Status-only callers just
		// need to know producibility, which node.go already established via
		// a successful dep walk.
		return JobStatusOk
	}

	return s.runOrFetch(idx, reason)
}

// runOrFetch checks the content cache before falling back to a backend
// submission. A submission never runs on the engine goroutine: startJob
// spawns a backend worker and the caller suspends until the completion
// comes back through the engine's completion queue.
func (s *State) runOrFetch(idx JobIdx, reason Reason) JobStatus {
	j := s.Job(idx)

	if s.inFlight[idx] {
		return JobStatusWaiting // already submitted; wait for its completion
	}

	fp := s.depFingerprint(idx)
	if s.Cache != nil && j.rule_.Cache {
		method := s.Cache.MethodFor(j.rule_)
		if method == CacheMethodDownload || method == CacheMethodPlain {
			if entry, ok := s.Cache.Lookup(j.rule_.Name, fp); ok {
				if err := s.Cache.Materialize(entry, s, idx); err == nil {
					j.status_ = JobStatusOk
					j.exeTimeMs_ = 0
					if s.Metrics != nil {
						s.Metrics.CacheHits.Inc()
					}
					s.wakeJobWatchers(idx)
					return JobStatusOk
				}
			}
			if s.Metrics != nil {
				s.Metrics.CacheMisses.Inc()
			}
		}
	}

	if s.Backend == nil {
		j.status_ = JobStatusErr
		return JobStatusErr
	}
	if s.MaxSubmits > 0 && j.submitCount_ >= s.MaxSubmits {
		EXPLAIN("job %s: submit budget exhausted", jobDisplayName(j))
		j.status_ = JobStatusErr
		return JobStatusErr
	}
	s.startJob(idx, fp)
	return JobStatusWaiting
}

// jobCompletion is what a backend worker hands back to the engine once its
// job's command has finished.
type jobCompletion struct {
	job JobIdx
	fp  Crc
	end JobRpcEnd
	err error
}

// startJob spawns a backend worker goroutine for idx. The worker acquires
// the global jobs semaphore (the per-backend gate lives in the backend
// itself), runs the submission, and ships the digest back through the
// completion queue; the engine goroutine never blocks on it.
func (s *State) startJob(idx JobIdx, fp Crc) {
	s.washTargets(idx)
	j := s.Job(idx)
	j.submitCount_++
	j.status_ = JobStatusWaiting
	if s.inFlight == nil {
		s.inFlight = map[JobIdx]bool{}
	}
	s.inFlight[idx] = true
	if s.jobsSem == nil {
		n := s.MaxJobs
		if n <= 0 {
			n = runtime.NumCPU()
		}
		s.jobsSem = make(chan struct{}, n)
	}
	if s.Metrics != nil {
		s.Metrics.JobsSubmitted.Inc()
		s.Metrics.JobsRunning.Inc()
	}
	if s.curReq != nil {
		s.curReq.JobStarted(idx)
	}

	attrs := SubmitAttrs{
		CmdLine:    substStems(j.rule_.Command, j.stems_),
		Env:        j.rule_.Env,
		Timeout:    j.rule_.Timeout,
		Nice:       s.Nice,
		AutodepEnv: s.AutodepEnvStr,
	}
	for _, tp := range j.rule_.Targets {
		if tp.Static {
			attrs.Targets = append(attrs.Targets, substStems(tp.Name, j.stems_))
		}
	}
	// At most one execution per (rule version, dep fingerprint), even when
	// several Reqs race to the same job.
	key := jobKey(j.rule_, j.stems_) + "\x00" + fp.String()
	go func() {
		s.jobsSem <- struct{}{}
		v, err, _ := s.submitOnce.Do(key, func() (any, error) {
			return s.Backend.Submit(attrs)
		})
		<-s.jobsSem
		c := jobCompletion{job: idx, fp: fp, err: err}
		if err == nil {
			c.end = v.(JobRpcEnd)
		}
		s.completions <- c
	}()
}

// applyCompletion runs on the engine goroutine: validate the digest, wake
// watchers, or retry a lost submission against the retry budget.
func (s *State) applyCompletion(c jobCompletion) {
	if s.Metrics != nil {
		s.Metrics.JobsRunning.Dec()
	}
	delete(s.inFlight, c.job)
	j := s.Job(c.job)
	if c.err != nil {
		if j.retriesLeft_ > 0 {
			j.retriesLeft_--
			s.startJob(c.job, c.fp)
			return
		}
		j.status_ = JobStatusEarlyLost
		if s.curReq != nil {
			s.curReq.JobFinished(c.job, false, "")
		}
		s.wakeJobWatchers(c.job)
		return
	}
	st := s.applyEnd(c.job, c.end, c.fp)
	if s.curReq != nil {
		j = s.Job(c.job)
		s.curReq.JobFinished(c.job, st == JobStatusOk, j.stdout_)
	}
}

// washTargets removes the job's non-incremental targets before a (re)run,
// so they are absent at job start; incremental targets survive the wash.
func (s *State) washTargets(idx JobIdx) {
	washed := map[NodeIdx]bool{}
	for _, t := range s.Job(idx).targets_ {
		s.washOne(idx, t.node)
		washed[t.node] = true
	}
	for _, tp := range s.Job(idx).rule_.Targets {
		if !tp.Static {
			continue
		}
		nIdx := s.GetNode(substStems(tp.Name, s.Job(idx).stems_))
		if !washed[nIdx] {
			s.washOne(idx, nIdx)
		}
	}
}

func (s *State) washOne(jIdx JobIdx, nIdx NodeIdx) {
	s.setBuildable(nIdx)
	n := s.Node(nIdx)
	if n.src_ {
		return // sources are never washed; overwrites are caught at job end
	}
	if tp, ok := findTargetPattern(s.Job(jIdx).rule_, n.path_); ok && tp.Flags.Incremental {
		return
	}
	if fi, err := StatFileInfo(n.path_); err == nil && fi.Tag != TagNone {
		os.Remove(n.path_)
		s.Nfs.Change(n.path_)
		n.crc_ = CrcNone
	}
}

// applyEnd validates a job's reported digest, persists the outcome, wakes
// watchers and enqueues the cache upload on success.
func (s *State) applyEnd(idx JobIdx, end JobRpcEnd, fp Crc) JobStatus {
	j := s.Job(idx)
	j.stdout_, j.stderr_ = end.Stdout, end.Stderr
	j.exeTimeMs_ = end.ExeTimeMs

	if !end.Ok {
		j.status_ = JobStatusErr
		if s.Metrics != nil {
			s.Metrics.JobsErr.Inc()
		}
		s.wakeJobWatchers(idx)
		return JobStatusErr
	}

	for _, w := range end.Writes {
		tp, ok := findTargetPattern(j.rule_, w.Path)
		if !ok {
			if j.rule_.hasNoStar() {
				continue // silently ignored
			}
			j.status_ = JobStatusErr
			EXPLAIN("job %s: %v", jobDisplayName(j), &ErrBadTarget{Job: jobDisplayName(j), Target: w.Path})
			s.wakeJobWatchers(idx)
			return JobStatusErr
		}
		// A target may not climb out of the repo unless the rule allows it.
		if !tp.Flags.Allow && escapesRepo(w.Path) {
			j.status_ = JobStatusErr
			EXPLAIN("job %s: target %s climbs out of the repo", jobDisplayName(j), w.Path)
			s.wakeJobWatchers(idx)
			return JobStatusErr
		}
		nIdx := s.GetNode(w.Path)
		s.setBuildable(nIdx)
		n := s.Node(nIdx)
		if n.src_ && !tp.Flags.SourceOk {
			j.status_ = JobStatusErr
			s.wakeJobWatchers(idx)
			return JobStatusErr
		}
		if !tp.Flags.Incremental && w.PreExisted {
			j.status_ = JobStatusErr
			s.wakeJobWatchers(idx)
			return JobStatusErr
		}
		j.targets_ = append(j.targets_, Target{node: nIdx, crc: w.Crc})
		n.crc_ = w.Crc
		n.unlinked_ = false
	}
	for _, st := range j.rule_.Targets {
		if st.Static && !st.Flags.Optional {
			if !hasTarget(j.targets_, st.Name, j.stems_, s) {
				j.status_ = JobStatusErr
				s.wakeJobWatchers(idx)
				return JobStatusErr
			}
		}
	}

	j.status_ = JobStatusOk
	if s.Metrics != nil {
		s.Metrics.JobsOk.Inc()
	}
	if len(end.Deps) > 0 {
		// The digest's dep list supersedes the static declaration: it is the
		// ordered sequence autodep actually observed, possibly extended with
		// dynamically-discovered deps.
		j.deps_ = j.deps_[:0]
		for _, dr := range end.Deps {
			nIdx := s.GetNode(dr.Path)
			j.deps_ = append(j.deps_, Dep{
				node:     nIdx,
				accesses: Accesses(dr.Accesses),
				parallel: dr.Parallel,
			})
		}
	}
	for i := range j.deps_ {
		n := s.Node(j.deps_[i].node)
		if !n.crc_.valid() && n.crc_ != CrcNone {
			if crc, fi, err := HashFile(n.path_); err == nil && fi.Tag != TagDir {
				n.crc_ = crc
			}
		}
		j.deps_[i].recordedCrc = n.crc_
	}
	s.wakeJobWatchers(idx)
	if s.Cache != nil && j.rule_.Cache {
		method := s.Cache.MethodFor(j.rule_)
		if method == CacheMethodPlain || method == CacheMethodCheck {
			if err := s.Cache.Upload(j.rule_.Name, fp, s, idx); err != nil {
				if _, ok := err.(*ErrCacheCoherence); ok {
					Fatal("%v", err)
				}
				Warning("cache upload failed: %v", err)
			}
		}
	}
	return JobStatusOk
}

func hasTarget(targets []Target, name string, stems map[string]string, s *State) bool {
	want := substStems(name, stems)
	for _, t := range targets {
		if s.Node(t.node).path_ == want {
			return true
		}
	}
	return false
}

func findTargetPattern(r *Rule, path string) (TargetPattern, bool) {
	for _, t := range r.Targets {
		if _, ok := t.Match(path); ok {
			return t, true
		}
	}
	return TargetPattern{}, false
}

func (r *Rule) hasNoStar() bool {
	for _, t := range r.Targets {
		if t.Flags.NoStar {
			return true
		}
	}
	return false
}

// depFingerprint is the cache key's dep-crc component: a crc over the
// ordered sequence of (path, recorded-crc) pairs.
func (s *State) depFingerprint(idx JobIdx) Crc {
	j := s.Job(idx)
	h := newSeededHasher(TagReg)
	for _, d := range j.deps_ {
		n := s.Node(d.node)
		h.Write([]byte(n.path_))
		h.Write([]byte(n.crc_.String()))
	}
	return NewPlainCrc(h.Sum64(), false)
}

// wakeWatchers re-enqueues each watcher for a fresh make pass, in exact
// reverse order of blocking.
func (s *State) wakeWatchers(ws []watcher) {
	for i := len(ws) - 1; i >= 0; i-- {
		w := ws[i]
		if w.job != NoJobIdx {
			s.pending = append(s.pending, pendingWake{job: w.job, node: NoJobIdxAsNode})
		} else {
			s.pending = append(s.pending, pendingWake{node: w.node, job: NoJobIdx})
		}
	}
}

// wakeJobWatchers wakes and clears idx's watcher list; clearing keeps a
// watcher from being re-woken by a later steady pass it never suspended on.
func (s *State) wakeJobWatchers(idx JobIdx) {
	j := s.Job(idx)
	ws := j.watchers_
	j.watchers_ = nil
	s.wakeWatchers(ws)
}

func (s *State) wakeNodeWatchers(idx NodeIdx) {
	n := s.Node(idx)
	ws := n.watchers_
	n.watchers_ = nil
	s.wakeWatchers(ws)
}

// watchJob registers w to be woken when idx completes (suspension point:
// the caller returns Waiting after this).
func (s *State) watchJob(idx JobIdx, w watcher) {
	j := s.Job(idx)
	for _, x := range j.watchers_ {
		if x == w {
			return
		}
	}
	j.watchers_ = append(j.watchers_, w)
}

func (s *State) watchNode(idx NodeIdx, w watcher) {
	n := s.Node(idx)
	for _, x := range n.watchers_ {
		if x == w {
			return
		}
	}
	n.watchers_ = append(n.watchers_, w)
}

func jobDisplayName(j *Job) string {
	return fmt.Sprintf("%s<%v>", j.rule_.Name, j.stems_)
}

// Forget invalidates a job so its next make() will re-run.
func (s *State) Forget(idx JobIdx) {
	j := s.Job(idx)
	j.status_ = JobStatusNew
	j.targets_ = nil
}

// MarkFreeze / MarkNoTrigger set persistent Job attributes:
// a frozen job is treated as a source, a no-trigger target does not cause
// dependents to rerun when it changes.
func (s *State) MarkFreeze(idx JobIdx, frozen bool) {
	j := s.Job(idx)
	j.frozen_ = frozen
	if frozen {
		j.status_ = JobStatusOk
	}
}

// MarkNoTrigger flags the node at path so its changes never cause
// dependents to rerun.
func (s *State) MarkNoTrigger(path string, v bool) {
	s.Node(s.GetNode(path)).noTrigger_ = v
}
