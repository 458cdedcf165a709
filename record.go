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

// Autodep record: per-syscall event -> AccessDigest, two-phase writes,
// access-cache subsumption and the backdoor dispatch table.

package lmake

import (
	"fmt"
	"strings"
	"sync"
)

// SyscallKind enumerates the intercepted syscall families an autodep
// flavor (ptrace / LD_PRELOAD / LD_AUDIT) can report.
type SyscallKind uint8

const (
	SyscallOpenRead SyscallKind = iota
	SyscallOpenWriteTrunc
	SyscallOpenCreateExcl
	SyscallReadlink
	SyscallStat
	SyscallUnlink
	SyscallChmodExeFlip
	SyscallRename
	SyscallExec
	SyscallMkdir
	SyscallSymlink
	SyscallChdir
)

// RenameFlags mirrors the renameat2(2) flag bits relevant to dep
// modeling.
type RenameFlags struct {
	NoReplace bool
	Exchange  bool
}

// classifyDigest builds the AccessDigest a single syscall event produces,
// before path resolution is folded in. ignoreStat mirrors the 'i'
// autodep-env flag.
func classifyDigest(kind SyscallKind, ignoreStat bool) AccessDigest {
	d := NewAccessDigest()
	switch kind {
	case SyscallOpenRead:
		d = d.WithAccesses(Accesses(AccessReg))
	case SyscallOpenWriteTrunc:
		d = d.WithWrite(WriteYes)
	case SyscallOpenCreateExcl:
		d = d.WithWrite(WriteYes).WithAccesses(Accesses(AccessStat))
	case SyscallReadlink:
		d = d.WithAccesses(Accesses(AccessLnk))
	case SyscallStat:
		if !ignoreStat {
			d = d.WithAccesses(Accesses(AccessStat))
		}
	case SyscallUnlink:
		d = d.WithWrite(WriteYes)
	case SyscallChmodExeFlip:
		d = d.WithAccesses(Accesses(AccessReg)).WithWrite(WriteYes)
	case SyscallExec:
		d = d.WithAccesses(Accesses(AccessReg))
	case SyscallMkdir, SyscallSymlink:
		d = d.WithWrite(WriteYes)
	case SyscallChdir:
		// no access: resolver just refreshes cached cwd
	}
	return d
}

// RenamePlan is the set of reads/writes modeling a renameat2 call: every
// file under src becomes a read, every file under dst (both src-as-dst
// under Exchange) becomes a write, NoReplace adds a destination stat
// probe, and a path that is simultaneously "read then unlinked then
// written" collapses to plain read+write.
type RenamePlan struct {
	Reads  []string
	Writes []string
	Stats  []string // destination existence probes (NoReplace)
}

// PlanRename expands a renameat2(src, dst, flags) into the dep-model
// operations described above. srcFiles/dstFiles are the full recursive
// listing of each subtree (the caller walks the filesystem; record.go only
// encodes the algebra).
func PlanRename(srcFiles, dstFiles []string, flags RenameFlags) RenamePlan {
	var plan RenamePlan
	if flags.Exchange {
		plan.Reads = append(append([]string{}, srcFiles...), dstFiles...)
		plan.Writes = append(append([]string{}, dstFiles...), srcFiles...)
		return plan
	}
	plan.Reads = append(plan.Reads, srcFiles...)
	plan.Writes = append(plan.Writes, dstFiles...)
	if flags.NoReplace {
		plan.Stats = append(plan.Stats, dstFiles...)
	}
	return plan
}

// AccessCache is the per-job-process, unsynchronized read-side cache that
// suppresses an identical subsequent report unless file existence
// changed in between.
type AccessCache struct {
	seen map[string]cachedAccess
}

type cachedAccess struct {
	accesses Accesses
	existed  bool
}

func NewAccessCache() *AccessCache { return &AccessCache{seen: map[string]cachedAccess{}} }

// Merge folds a new AccessDigest's read side into the cache for path,
// returning the digest that should actually be shipped on the wire: empty
// (accesses-wise) if fully subsumed by a prior report on an unchanged
// file, otherwise the union.
func (c *AccessCache) Merge(path string, d AccessDigest, existed bool) AccessDigest {
	prev, ok := c.seen[path]
	if !ok || prev.existed != existed {
		c.seen[path] = cachedAccess{accesses: d.Accesses(), existed: existed}
		return d
	}
	novel := d.Accesses() &^ prev.accesses
	c.seen[path] = cachedAccess{accesses: prev.accesses | d.Accesses(), existed: existed}
	if novel == 0 && d.Write() == WriteNo && !d.ReadDir() {
		return NewAccessDigest() // fully subsumed: nothing new to report
	}
	return d.WithAccesses(prev.accesses)
}

// PendingWrite tracks a two-phase write between its pre-syscall report
// (write=Maybe) and its post-syscall Confirm.
type PendingWrite struct {
	Path       string
	PreCrc     Crc // content crc sampled before the syscall, for the death re-stat
}

// JobRecord accumulates one job's AccessDigests and two-phase writes over
// its lifetime, server-side.
type JobRecord struct {
	mu      sync.Mutex
	Job     JobIdx
	digests map[string]AccessDigest
	order   []string                // first-seen order, preserved exactly
	pending map[uint64]PendingWrite // confirm id -> pending write
	preCrcs map[string]Crc          // content as sampled before the first write
	nextID  uint64
}

func NewJobRecord(j JobIdx) *JobRecord {
	return &JobRecord{
		Job:     j,
		digests: map[string]AccessDigest{},
		pending: map[uint64]PendingWrite{},
		preCrcs: map[string]Crc{},
	}
}

// Access folds a new per-path digest into the record.
func (r *JobRecord) Access(path string, d AccessDigest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.digests[path]; ok {
		r.digests[path] = cur.Union(d)
	} else {
		r.digests[path] = d
		r.order = append(r.order, path)
	}
}

// BeginWrite registers a pre-syscall write=Maybe report and returns its
// confirm id.
func (r *JobRecord) BeginWrite(path string, preCrc Crc) uint64 {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.pending[id] = PendingWrite{Path: path, PreCrc: preCrc}
	if _, seen := r.preCrcs[path]; !seen {
		r.preCrcs[path] = preCrc
	}
	r.mu.Unlock()
	r.Access(path, NewAccessDigest().WithWrite(WriteMaybe))
	return id
}

// Confirm resolves a pending write.
func (r *JobRecord) Confirm(id uint64, ok bool) {
	r.mu.Lock()
	pw, found := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !found {
		return
	}
	if ok {
		r.Access(pw.Path, NewAccessDigest().WithWrite(WriteYes))
		return
	}
	// The syscall did not mutate after all: resolve the Maybe back down to
	// No (union alone can only raise the write level).
	r.mu.Lock()
	if d, have := r.digests[pw.Path]; have && d.write_ == WriteMaybe {
		d.write_ = WriteNo
		r.digests[pw.Path] = d
	}
	r.mu.Unlock()
}

// ResolveDeaths re-stats every write still Maybe when the job process
// died, deciding Yes iff the on-disk content differs from the pre-call
// crc.
func (r *JobRecord) ResolveDeaths() {
	r.mu.Lock()
	pending := make(map[uint64]PendingWrite, len(r.pending))
	for k, v := range r.pending {
		pending[k] = v
	}
	r.mu.Unlock()
	for id, pw := range pending {
		crc, _, err := HashFile(pw.Path)
		ok := err == nil && !crc.Equal(pw.PreCrc)
		r.Confirm(id, ok)
	}
}

// Writes returns the set of paths this job wrote, in first-seen order
// (CollectWrites uses this).
func (r *JobRecord) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.order {
		if r.digests[p].Write() != WriteNo {
			out = append(out, p)
		}
	}
	return out
}

// Deps returns the recorded deps in declaration order, each paired with
// its final accesses set.
func (r *JobRecord) Deps() []struct {
	Path     string
	Accesses Accesses
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []struct {
		Path     string
		Accesses Accesses
	}
	for _, p := range r.order {
		d := r.digests[p]
		if d.HasRead() {
			out = append(out, struct {
				Path     string
				Accesses Accesses
			}{p, d.Accesses()})
		}
	}
	return out
}

// BackdoorCmd enumerates the pseudo-operations exposed to jobs through the
// MagicFd readlinkat channel.
type BackdoorCmd string

const (
	BackdoorDepend        BackdoorCmd = "depend"
	BackdoorDependVerbose BackdoorCmd = "depend_verbose"
	BackdoorDependDirect  BackdoorCmd = "depend_direct"
	BackdoorTarget        BackdoorCmd = "target"
	BackdoorChkDeps       BackdoorCmd = "check_deps"
	BackdoorList          BackdoorCmd = "list"
	BackdoorEncode        BackdoorCmd = "encode"
	BackdoorDecode        BackdoorCmd = "decode"
	BackdoorEnable        BackdoorCmd = "enable"
)

// MagicFd is the sentinel fd a job's readlinkat calls against to reach the
// backdoor; a real fd can never equal it.
const MagicFd = -100

// MagicPfx is the path prefix the record intercepts before the real
// readlinkat ever sees it.
const MagicPfx = "LMAKE/lmake/backdoor/"

// ReliableMaxReplySz is false for backdoor commands whose reply size is
// unbounded: the client must be ready to retry with a bigger buffer.
var reliableMaxReplySz = map[BackdoorCmd]bool{
	BackdoorDepend:        true,
	BackdoorDependVerbose: false,
	BackdoorDependDirect:  false,
	BackdoorTarget:        true,
	BackdoorChkDeps:       true,
	BackdoorList:          false,
	BackdoorEncode:        true,
	BackdoorDecode:        false,
	BackdoorEnable:        true,
}

func ReliableMaxReplySz(cmd BackdoorCmd) bool { return reliableMaxReplySz[cmd] }

// AutodepServer is the server-side endpoint that receives Access/Confirm
// reports and backdoor calls from running jobs, demultiplexed per job id.
// It sits between the transport layer (transport.go) and the engine's
// JobRecord bookkeeping.
type AutodepServer struct {
	State *State
	Codec *CodecRegistry // nil disables the Encode/Decode backdoor commands

	mu      sync.Mutex
	records map[JobIdx]*JobRecord
	byPid   map[int]JobIdx // pid-keyed for the ptrace flavor
}

func NewAutodepServer(s *State) *AutodepServer {
	return &AutodepServer{State: s, records: map[JobIdx]*JobRecord{}, byPid: map[int]JobIdx{}}
}

// BindPid associates an OS pid (the job's direct child process) with its
// JobIdx, so LocalBackend can look up the record at process end.
func (a *AutodepServer) BindPid(pid int, j JobIdx) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byPid[pid] = j
	if _, ok := a.records[j]; !ok {
		a.records[j] = NewJobRecord(j)
	}
}

func (a *AutodepServer) recordFor(j JobIdx) *JobRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[j]
	if !ok {
		r = NewJobRecord(j)
		a.records[j] = r
	}
	return r
}

// Report is called by the transport layer for every fast-pipe Access
// message.
func (a *AutodepServer) Report(j JobIdx, path string, d AccessDigest) {
	a.recordFor(j).Access(path, d)
}

// Dispatch handles one backdoor call, returning the serialized reply the
// caller writes back into the job's readlinkat buffer.
func (a *AutodepServer) Dispatch(j JobIdx, cmd BackdoorCmd, args string) (string, error) {
	switch cmd {
	case BackdoorChkDeps:
		return a.chkDeps(j), nil
	case BackdoorDepend, BackdoorDependVerbose, BackdoorDependDirect:
		a.recordFor(j).Access(args, NewAccessDigest().WithAccesses(Accesses(AccessReg)))
		return "Yes", nil
	case BackdoorTarget:
		a.recordFor(j).Access(args, NewAccessDigest().WithWrite(WriteYes))
		return "Yes", nil
	case BackdoorEncode:
		table, ctx, payload, err := splitBackdoorArgs(args)
		if err != nil {
			return "", err
		}
		if a.Codec == nil {
			return "", fmt.Errorf("record: no codec registry configured")
		}
		t, err := a.Codec.Table(table)
		if err != nil {
			return "", err
		}
		return t.Encode(ctx, []byte(payload), 1)
	case BackdoorDecode:
		table, ctx, code, err := splitBackdoorArgs(args)
		if err != nil {
			return "", err
		}
		if a.Codec == nil {
			return "", fmt.Errorf("record: no codec registry configured")
		}
		t, err := a.Codec.Table(table)
		if err != nil {
			return "", err
		}
		val, err := t.Decode(ctx, code)
		if err != nil {
			return "", err
		}
		return string(val), nil
	case BackdoorList, BackdoorEnable:
		return "", nil
	default:
		return "", fmt.Errorf("record: unknown backdoor command %q", cmd)
	}
}

// splitBackdoorArgs unpacks the printable-serialized backdoor argument
// string "table\x1fctx\x1fpayload".
func splitBackdoorArgs(args string) (table, ctx, payload string, err error) {
	parts := strings.SplitN(args, "\x1f", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("record: malformed backdoor args %q", args)
	}
	return parts[0], parts[1], parts[2], nil
}

// chkDeps answers Yes if every recorded dep is up-to-date, No if any is
// in error, Maybe if any is merely out-of-date.
func (a *AutodepServer) chkDeps(j JobIdx) string {
	rec := a.recordFor(j)
	for _, d := range rec.Deps() {
		idx, ok := a.State.LookupNode(d.Path)
		if !ok {
			continue
		}
		n := a.State.Node(idx)
		if n.actualJobTgt_ != NoJobIdx {
			switch a.State.Job(n.actualJobTgt_).status_ {
			case JobStatusErr, JobStatusDepErr:
				return "No" // dep in error: the calling job should abort
			}
		}
		if n.crc_ == CrcUnknown {
			return "Maybe" // out of date: kill and retry once deps settle
		}
	}
	return "Yes"
}

// CollectDeps returns the deps recorded for pid's job in observation
// order, each with its current on-disk crc (the recorded side of the next
// run's diff_accesses comparison). Call before CollectWrites, which
// releases the pid binding.
func (a *AutodepServer) CollectDeps(pid int) []DepReport {
	a.mu.Lock()
	j, ok := a.byPid[pid]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	rec := a.recordFor(j)
	var out []DepReport
	for _, d := range rec.Deps() {
		crc, _, _ := HashFile(d.Path)
		out = append(out, DepReport{Path: d.Path, Accesses: uint8(d.Accesses), Crc: crc})
	}
	return out
}

// CollectWrites finalizes a pid's record (resolving any still-Maybe
// writes against disk) and returns the WriteReports the job engine needs
// for End-RPC validation.
func (a *AutodepServer) CollectWrites(pid int) []WriteReport {
	a.mu.Lock()
	j, ok := a.byPid[pid]
	if ok {
		delete(a.byPid, pid)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	rec := a.recordFor(j)
	rec.ResolveDeaths()
	var out []WriteReport
	for _, p := range rec.Writes() {
		crc, _, err := HashFile(p)
		if err != nil {
			continue
		}
		// PreExisted reflects job start, from the pre-write sample; a write
		// with no sample was against a washed (absent) target.
		rec.mu.Lock()
		pre, sampled := rec.preCrcs[p]
		rec.mu.Unlock()
		out = append(out, WriteReport{Path: p, Crc: crc, PreExisted: sampled && pre != CrcNone})
	}
	return out
}
