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

// Node engine: the make-loop for file-nodes, from buildability discovery
// through producer selection.

package lmake

// Node is the identity of one file path in the repo, interned by name.
type Node struct {
	path_ string

	buildable_ Buildable
	buildGen_  MatchGen // MatchGen this Buildable was computed under

	ruleTgts_ []RuleTgt // candidates not yet examined, in priority order
	jobTgts_  []JobIdx  // candidates already expanded, same priority band grouped
	bandEnd_  int       // jobTgts_[:bandEnd_] is the currently-examined band

	confirmIdx_   NodeIdx // chosen producer's index into jobTgts_, NoIdx or MultiIdx
	actualJobTgt_ JobIdx

	crc_       Crc
	date_      int64
	unlinked_  bool // target was unlinked after being produced
	noTrigger_ bool // changes do not cause dependents to rerun (lmark)

	dir_ NodeIdx // parent directory Node, NoJobIdxAsNode if repo root

	src_ bool // a Source rule produces it

	watchers_ []watcher
}

func (n *Node) Path() string  { return n.path_ }
func (n *Node) Crc() Crc      { return n.crc_ }
func (n *Node) IsSrc() bool   { return n.src_ }
func (n *Node) Unlinked() bool { return n.unlinked_ }

// watcher is a (Node or Job) blocked on some other Node/Job finishing,
// woken in exact reverse order of blocking.
type watcher struct {
	node NodeIdx
	job  JobIdx // NoJobIdx if this watcher is a node
}

// MakeAction selects what a make() call is trying to achieve.
type MakeAction uint8

const (
	MakeStatus MakeAction = iota // is this buildable, and by whom
	MakeMakable                  // like Status, for a star candidate being probed
	MakeDsk                      // actually ensure the file is present on disk
)

// Reason is why a job/node needs to (re)run, threaded through make().
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonNoTarget
	ReasonPolutedTarget
	ReasonDepOutOfDate
	ReasonForgotten
)

// NodeStatus is the outcome make() reports for a Node.
type NodeStatus uint8

const (
	NodeStatusOk NodeStatus = iota
	NodeStatusErr
	NodeStatusMulti
	NodeStatusInfinite
	NodeStatusWaiting
)

// maxDepDepth caps uphill recursion before declaring Infinite.
const maxDepDepth = 200

// MakeNode is the node engine's single entry point: given a
// request action and the asking job (NoJobIdx if asked by a Req directly),
// it drives buildability discovery, uphill resolution, band iteration and
// conform-idx selection.
func (s *State) MakeNode(idx NodeIdx, action MakeAction, reason Reason, asking JobIdx) NodeStatus {
	return s.makeNodeDepth(idx, action, reason, asking, 0, map[NodeIdx]bool{})
}

func (s *State) makeNodeDepth(idx NodeIdx, action MakeAction, reason Reason, asking JobIdx, depth int, onPath map[NodeIdx]bool) NodeStatus {
	if depth > maxDepDepth || onPath[idx] {
		return NodeStatusInfinite
	}
	onPath[idx] = true
	defer delete(onPath, idx)

	// Note on pointers: the node/job arenas grow during recursion (band
	// expansion interns deps, applyEnd interns targets), so *Node/*Job
	// pointers are re-fetched after every call that can recurse.
	dir := s.Node(idx).dir_

	// Uphill: if our parent directory is itself buildable, resolve it first;
	// a Link or missing directory short-circuits our own rule lookup.
	if dir != NoJobIdxAsNode {
		dirStatus := s.makeNodeDepth(dir, MakeStatus, ReasonNone, asking, depth+1, onPath)
		if dirStatus == NodeStatusInfinite {
			return NodeStatusInfinite
		}
		if s.Node(dir).buildable_ == BuildableYes {
			// Parent dir is produced by a job: this node cannot have its own
			// rule (it lives under a generated directory tree).
			n := s.Node(idx)
			n.buildable_ = BuildableNo
			n.buildGen_ = s.matchGen
		}
	}

	s.setBuildable(idx)
	n := s.Node(idx)

	// Declared sources and plain files never run a job: on Dsk just refresh
	// the crc from disk so dependents can compare against what a job reads.
	if n.src_ || n.buildable_ != BuildableYes {
		if action == MakeDsk {
			s.refreshFromDisk(idx)
		}
		return NodeStatusOk
	}

	// Already conformed on a previous pass: go straight to the chosen
	// producer instead of re-running band selection.
	if n.confirmIdx_ == MultiIdx {
		return NodeStatusMulti
	}
	if n.actualJobTgt_ != NoJobIdx {
		return s.conformNode(idx, action, reason, asking, depth, onPath)
	}

	// Iterate bands (groups of same-priority rule_tgts) until one produces.
	for len(s.Node(idx).ruleTgts_) > 0 || s.Node(idx).bandEnd_ < len(s.Node(idx).jobTgts_) {
		if s.Node(idx).bandEnd_ >= len(s.Node(idx).jobTgts_) {
			s.expandNextBand(idx)
			if n := s.Node(idx); len(n.jobTgts_) == n.bandEnd_ && len(n.ruleTgts_) == 0 {
				break
			}
		}
		n = s.Node(idx)
		bandStart := n.bandEnd_
		bandJobs := append([]JobIdx{}, n.jobTgts_[bandStart:]...)
		n.bandEnd_ = len(n.jobTgts_)

		var producers []JobIdx
		for _, jIdx := range bandJobs {
			st := s.makeJobDepth(jIdx, MakeStatus, ReasonNone, idx, depth+1, onPath)
			if s.Job(jIdx).infinite_ {
				return NodeStatusInfinite
			}
			if st == JobStatusWaiting {
				// A probed candidate suspended on one of its deps: rewind the
				// band so it is probed afresh once the candidate wakes us.
				s.Node(idx).bandEnd_ = bandStart
				s.watchJob(jIdx, watcher{node: idx, job: NoJobIdx})
				return NodeStatusWaiting
			}
			if st == JobStatusOk && s.Job(jIdx).producesThisNode(s, idx) {
				producers = append(producers, jIdx)
			}
		}
		n = s.Node(idx)
		switch len(producers) {
		case 0:
			continue // try next band
		case 1:
			for i, jt := range n.jobTgts_ {
				if jt == producers[0] {
					n.confirmIdx_ = NodeIdx(i)
				}
			}
			n.actualJobTgt_ = producers[0]
			return s.conformNode(idx, action, reason, asking, depth, onPath)
		default:
			n.confirmIdx_ = MultiIdx
			EXPLAIN("node %s: multiple rules match", n.path_)
			return NodeStatusMulti
		}
	}

	// No rule produced it: it's either a declared Source or simply absent.
	if action == MakeDsk {
		s.refreshFromDisk(idx)
	}
	return NodeStatusOk
}

func (s *State) refreshFromDisk(idx NodeIdx) {
	n := s.Node(idx)
	s.Nfs.Access(n.path_)
	crc, fi, err := HashFile(n.path_)
	if err != nil || fi.Tag == TagNone {
		n.crc_ = CrcNone
		return
	}
	if fi.Tag == TagDir {
		return // directories are not content-comparable
	}
	n.crc_ = crc
	n.date_ = fi.Date.UnixNano()
}

// producesThisNode reports whether j's recorded targets (from its last
// run) include idx; a job with no recorded targets yet counts as a
// candidate.
func (j *Job) producesThisNode(s *State, idx NodeIdx) bool {
	path := s.Node(idx).path_
	for _, t := range j.targets_ {
		if t.node == idx || s.Node(t.node).path_ == path {
			return true
		}
	}
	return len(j.targets_) == 0 // not yet run: assume candidacy until proven otherwise
}

// conformNode finalizes the chosen producer: on MakeDsk it ensures the
// target is actually present (regenerating on unlink/pollution) and refreshes
// crc/date from the Job's last recorded digest.
func (s *State) conformNode(idx NodeIdx, action MakeAction, reason Reason, asking JobIdx, depth int, onPath map[NodeIdx]bool) NodeStatus {
	n := s.Node(idx)
	jIdx := n.actualJobTgt_
	if action != MakeDsk {
		return NodeStatusOk
	}
	// Detect out-of-band unlinks: the producer thinks it succeeded but the
	// file is gone from disk, so it must be regenerated.
	if !n.unlinked_ && s.Job(jIdx).status_ == JobStatusOk {
		if fi, err := StatFileInfo(n.path_); err == nil && fi.Tag == TagNone {
			n.unlinked_ = true
		}
	}
	r := reason
	if n.unlinked_ {
		r = ReasonNoTarget
		EXPLAIN("node %s: regenerate, reason=%s", n.path_, "NoTarget")
	}
	st := s.makeJobDepth(jIdx, MakeDsk, r, idx, depth+1, onPath)
	if s.Job(jIdx).infinite_ {
		return NodeStatusInfinite
	}
	switch st {
	case JobStatusOk:
		n = s.Node(idx) // arenas may have grown during the job's make
		for _, t := range s.Job(jIdx).targets_ {
			if t.node == idx {
				n.crc_ = t.crc
			}
		}
		n.unlinked_ = false
		return NodeStatusOk
	case JobStatusWaiting:
		// Suspend: once the producer completes, its wake re-enters this
		// node's make and the conform pass runs again.
		s.watchJob(jIdx, watcher{node: idx, job: NoJobIdx})
		return NodeStatusWaiting
	default:
		return NodeStatusErr
	}
}

// setBuildable computes Node.buildable: cached behind
// MatchGen, walking rule_tgts in priority-band order; an Anti rule at a
// band makes the node unbuildable at that band, and a "sure" (regex-
// unambiguous) single match at a band discards all lower-priority bands.
func (s *State) setBuildable(idx NodeIdx) {
	n := s.Node(idx)
	if n.buildable_ != BuildableUnknown && n.buildGen_ == s.matchGen {
		return
	}
	if len(n.path_) > s.PathMax {
		n.buildable_ = BuildableNo
		n.buildGen_ = s.matchGen
		return
	}
	n.ruleTgts_ = nil
	n.jobTgts_ = nil
	n.bandEnd_ = 0
	n.confirmIdx_ = NoIdx
	n.src_ = false

	type band struct {
		prio int
		tgts []RuleTgt
	}
	var bands []band
	for _, r := range s.rules_ {
		for ti, t := range r.Targets {
			if _, ok := t.Match(n.path_); ok {
				rt := RuleTgt{Rule: r, Index: ti}
				placed := false
				for bi := range bands {
					if bands[bi].prio == r.Priority {
						bands[bi].tgts = append(bands[bi].tgts, rt)
						placed = true
						break
					}
				}
				if !placed {
					bands = append(bands, band{prio: r.Priority, tgts: []RuleTgt{rt}})
				}
			}
		}
	}
	// Sort bands by descending priority, highest first.
	for i := 1; i < len(bands); i++ {
		for j := i; j > 0 && bands[j].prio > bands[j-1].prio; j-- {
			bands[j], bands[j-1] = bands[j-1], bands[j]
		}
	}

	for _, b := range bands {
		anti, nonAnti := splitAntis(b.tgts)
		if len(anti) > 0 {
			n.buildable_ = BuildableNo
			n.buildGen_ = s.matchGen
			return
		}
		for _, rt := range nonAnti {
			if rt.Rule.Source {
				n.src_ = true
			}
			n.ruleTgts_ = append(n.ruleTgts_, rt)
		}
		if len(nonAnti) == 1 && !nonAnti[0].Pattern().Star {
			break // sure job: prune remaining bands
		}
	}

	if len(n.ruleTgts_) == 0 {
		n.buildable_ = BuildableNo
	} else {
		n.buildable_ = BuildableYes
	}
	n.buildGen_ = s.matchGen
}

func splitAntis(tgts []RuleTgt) (anti, nonAnti []RuleTgt) {
	for _, t := range tgts {
		if t.Rule.Anti {
			anti = append(anti, t)
		} else {
			nonAnti = append(nonAnti, t)
		}
	}
	return
}

// expandNextBand instantiates Jobs for the next not-yet-examined band of
// rule_tgts, grouping same-priority candidates.
func (s *State) expandNextBand(idx NodeIdx) {
	n := s.Node(idx)
	if len(n.ruleTgts_) == 0 {
		return
	}
	prio := n.ruleTgts_[0].Rule.Priority
	i := 0
	for i < len(n.ruleTgts_) && n.ruleTgts_[i].Rule.Priority == prio {
		i++
	}
	band := n.ruleTgts_[:i]
	n.ruleTgts_ = n.ruleTgts_[i:]
	for _, rt := range band {
		jIdx := s.instantiateJob(rt, idx)
		if jIdx != NoJobIdx {
			n.jobTgts_ = append(n.jobTgts_, jIdx)
		}
	}
}

// instantiateJob binds rt's stems against idx's path and creates (or
// reuses) the resulting Job.
func (s *State) instantiateJob(rt RuleTgt, idx NodeIdx) JobIdx {
	path := s.Node(idx).path_
	stems, ok := rt.Pattern().Match(path)
	if !ok {
		return NoJobIdx
	}
	key := jobKey(rt.Rule, stems)
	if jIdx, ok := s.jobsByKey_[key]; ok {
		return jIdx
	}
	j := Job{
		rule_:        rt.Rule,
		stems_:       stems,
		status_:      JobStatusNew,
		retriesLeft_: s.MaxRetries,
	}
	for _, depName := range rt.Rule.DepNames {
		depPath := substStems(depName, stems)
		depIdx := s.GetNode(depPath)
		// Static deps are read by the command, so they start life with a Reg
		// access; autodep refines this once the job has actually run.
		j.deps_ = append(j.deps_, Dep{node: depIdx, accesses: Accesses(AccessReg)})
	}
	jIdx := s.AddJob(j)
	if s.jobsByKey_ == nil {
		s.jobsByKey_ = map[string]JobIdx{}
	}
	s.jobsByKey_[key] = jIdx
	s.RestoreJob(jIdx)
	return jIdx
}

func jobKey(r *Rule, stems map[string]string) string {
	key := r.Name
	// deterministic order: stems map keys are small, sort by a stable scan
	for _, k := range sortedKeys(stems) {
		key += "\x00" + k + "=" + stems[k]
	}
	return key
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func substStems(name string, stems map[string]string) string {
	var out []byte
	i := 0
	for i < len(name) {
		if name[i] == '{' {
			j := indexOfByte(name[i:], '}')
			if j < 0 {
				out = append(out, name[i:]...)
				break
			}
			stem := name[i+1 : i+j]
			if v, ok := stems[stem]; ok {
				out = append(out, v...)
			}
			i += j + 1
			continue
		}
		out = append(out, name[i])
		i++
	}
	return string(out)
}
