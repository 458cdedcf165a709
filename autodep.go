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

// Job-side autodep record: the common core every interception flavor
// (ptrace / LD_PRELOAD / LD_AUDIT) calls into once it has decoded a
// syscall. It resolves the path, classifies the access, suppresses
// duplicates and ships the report to the server.

package lmake

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// AutodepMethod selects the interception flavor at job launch. The FUSE
// variant is experimental and deliberately not selectable here.
type AutodepMethod uint8

const (
	AutodepNone AutodepMethod = iota
	AutodepPtrace
	AutodepLdPreload
	AutodepLdAudit
)

func (m AutodepMethod) String() string {
	switch m {
	case AutodepNone:
		return "none"
	case AutodepPtrace:
		return "ptrace"
	case AutodepLdPreload:
		return "ld_preload"
	case AutodepLdAudit:
		return "ld_audit"
	default:
		return "AutodepMethod(?)"
	}
}

// FdPath resolves a dirfd to its target path by reading the procfs fd
// symlink, the only portable way to learn what an arbitrary fd points at
// from outside the kernel.
func FdPath(pid, fd int) (string, error) {
	link := fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(link, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Reporter ships a job's reports: fire-and-forget frames go through the
// fast pipe when they fit, everything else (and every reply-needing call)
// over the management socket.
type Reporter struct {
	Job  JobIdx
	Pipe *FastReportPipe
	Dial func() (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
	out  *OMsgBuf
	in   *IMsgBuf
}

func (r *Reporter) socket() (*OMsgBuf, *IMsgBuf, error) {
	if r.conn == nil {
		conn, err := r.Dial()
		if err != nil {
			return nil, nil, err
		}
		r.conn = conn
		r.out = NewOMsgBuf(conn)
		r.in = NewIMsgBuf(conn)
	}
	return r.out, r.in, nil
}

// Send ships a fire-and-forget frame: pipe first, socket fallback when it
// does not fit PIPE_BUF.
func (r *Reporter) Send(req JobExecRpcReq) error {
	req.Job = int32(r.Job)
	if r.Pipe != nil {
		fit, err := r.Pipe.Write(req)
		if fit {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out, _, err := r.socket()
	if err != nil {
		return err
	}
	return out.Send(req)
}

// Call ships a reply-needing frame and waits for its reply.
func (r *Reporter) Call(req JobExecRpcReq) (JobExecRpcReply, error) {
	req.Job = int32(r.Job)
	r.mu.Lock()
	defer r.mu.Unlock()
	out, in, err := r.socket()
	if err != nil {
		return JobExecRpcReply{}, err
	}
	if err := out.Send(req); err != nil {
		return JobExecRpcReply{}, err
	}
	var rep JobExecRpcReply
	if err := in.Receive(&rep); err != nil {
		return JobExecRpcReply{}, err
	}
	return rep, nil
}

func (r *Reporter) Close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	if r.Pipe != nil {
		r.Pipe.Close()
	}
}

// Record is the per-job-process autodep state: resolver, read-side cache
// and reporter. One per job (or per thread under ptrace); methods are
// called from the interception layer, never concurrently within one job
// process.
type Record struct {
	Method AutodepMethod
	Env    AutodepEnv

	resolver *PathResolver
	cache    *AccessCache
	rep      *Reporter

	nextConfirm uint64
}

// NewRecord builds the job-side record from the parsed LMAKE_AUTODEP_ENV.
func NewRecord(method AutodepMethod, env AutodepEnv, rep *Reporter) (*Record, error) {
	resolver, err := NewPathResolver(env.RealPathEnv())
	if err != nil {
		return nil, err
	}
	return &Record{
		Method:   method,
		Env:      env,
		resolver: resolver,
		cache:    NewAccessCache(),
		rep:      rep,
	}, nil
}

// report resolves one syscall event and ships the resulting digests: each
// intermediate symlink as a Lnk dep, the primary path with its own digest.
func (r *Record) report(path string, noFollow bool, d AccessDigest) error {
	sr, err := r.resolver.Solve(path, noFollow)
	if err != nil {
		return err
	}
	for _, l := range sr.Lnks {
		r.ship(l, NewAccessDigest().WithAccesses(Accesses(AccessLnk)))
	}
	if !sr.FileLoc.Dep() && d.Write() == WriteNo {
		return nil // only file_loc <= Dep paths produce deps
	}
	r.ship(sr.Real, d)
	return nil
}

func (r *Record) ship(path string, d AccessDigest) {
	fi, _ := StatFileInfo(path)
	d = r.cache.Merge(path, d, fi.Tag != TagNone)
	if !d.Any() {
		return // fully subsumed by a prior report
	}
	r.rep.Send(JobExecRpcReq{
		Proc:     ProcAccess,
		Path:     path,
		Accesses: uint8(d.Accesses()),
		Write:    uint8(d.Write()),
		ReadDir:  d.ReadDir(),
	})
}

// OnSyscall is the generic entry point: classify kind, resolve, report.
func (r *Record) OnSyscall(kind SyscallKind, path string, noFollow bool) error {
	if kind == SyscallChdir {
		return r.resolver.Chdir()
	}
	d := classifyDigest(kind, r.Env.IgnoreStat)
	if !d.Any() {
		return nil
	}
	return r.report(path, noFollow, d)
}

// OnExec reports the resolved executable plus its #! interpreter chain.
func (r *Record) OnExec(path string) error {
	sr, err := r.resolver.Solve(path, false)
	if err != nil {
		return err
	}
	for _, dep := range r.resolver.Exec(sr) {
		r.ship(dep.Path, NewAccessDigest().WithAccesses(dep.Accesses))
	}
	return nil
}

// OnReadDir reports a directory listing.
func (r *Record) OnReadDir(path string) error {
	return r.report(path, true, NewAccessDigest().WithReadDir())
}

// BeginWrite is phase one of a two-phase write: report write=Maybe with a
// fresh confirm id before the syscall runs, so a SIGKILL between the two
// leaves the server enough to re-stat.
func (r *Record) BeginWrite(path string) (uint64, error) {
	sr, err := r.resolver.Solve(path, true)
	if err != nil {
		return 0, err
	}
	r.nextConfirm++
	id := r.nextConfirm
	err = r.rep.Send(JobExecRpcReq{
		Proc:  ProcAccess,
		Id:    id,
		Path:  sr.Real,
		Write: uint8(WriteMaybe),
	})
	return id, err
}

// ConfirmWrite is phase two: the syscall has returned, ok says whether it
// actually mutated the file.
func (r *Record) ConfirmWrite(id uint64, ok bool) error {
	return r.rep.Send(JobExecRpcReq{Proc: ProcConfirm, Id: id, Ok: ok})
}

// OnRename ships a whole rename plan: parallel reads
// of the source subtree, writes of the destination subtree, plus guard
// stats under NoReplace.
func (r *Record) OnRename(plan RenamePlan) {
	for _, p := range plan.Reads {
		r.report(p, true, NewAccessDigest().WithAccesses(Accesses(AccessReg)))
	}
	for _, p := range plan.Stats {
		r.report(p, true, NewAccessDigest().WithAccesses(Accesses(AccessStat)))
	}
	for _, p := range plan.Writes {
		r.report(p, true, NewAccessDigest().WithWrite(WriteYes))
	}
}

// Readlinkat intercepts the backdoor channel: a readlinkat(MagicFd,
// "MagicPfx/<cmd>/<args>") never reaches the kernel; it is dispatched to
// the server and the reply serialized into buf. Returns (n, true) when the
// call was a backdoor call; (0, false) means the caller should forward to
// the real syscall.
func (r *Record) Readlinkat(fd int, path string, buf []byte) (int, bool, error) {
	if fd != MagicFd || !strings.HasPrefix(path, MagicPfx) {
		return 0, false, nil
	}
	rest := path[len(MagicPfx):]
	cmd, args := rest, ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		cmd, args = rest[:i], rest[i+1:]
	}
	rep, err := r.rep.Call(JobExecRpcReq{Proc: ProcChkDeps, Cmd: cmd, Args: args})
	if err != nil {
		return 0, true, err
	}
	if len(rep.Reply) > len(buf) {
		// Too small: report the required size so the client can retry with
		// a bigger buffer (bounded doubling).
		return len(rep.Reply), true, unix.ERANGE
	}
	copy(buf, rep.Reply)
	return len(rep.Reply), true, nil
}

// CallBackdoor is the convenience used by job helper tools: it retries a
// backdoor readlinkat until the reply fits, resizing the buffer to the
// reported reply size for commands with a reliable max reply size and
// doubling it for the others; either way the buffer is capped at
// maxBackdoorReplySz.
const maxBackdoorReplySz = 1 << 20

func (r *Record) CallBackdoor(cmd BackdoorCmd, args string) (string, error) {
	path := MagicPfx + string(cmd) + "/" + args
	sz := 256
	for {
		buf := make([]byte, sz)
		n, _, err := r.Readlinkat(MagicFd, path, buf)
		if err == unix.ERANGE {
			if ReliableMaxReplySz(cmd) {
				sz = n
			} else {
				sz *= 2
			}
			if sz > maxBackdoorReplySz {
				return "", fmt.Errorf("autodep: backdoor reply exceeds %d bytes", maxBackdoorReplySz)
			}
			continue
		}
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	}
}

// Close tears down the process-scoped record at autodep detach.
func (r *Record) Close() { r.rep.Close() }
