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

// Request server: one long-lived process per repo. A receive loop accepts
// client connections and pushes EngineClosures onto a central deque; a
// single engine goroutine drains it in FIFO order (urgent items push
// front) and is the only mutator of the job/node graph.

package lmake

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// EngineClosure is one unit of engine-thread work.
type EngineClosure struct {
	urgent bool
	fn     func()
}

// closureQueue is the central unbounded deque: FIFO, with urgent items
// (interrupts, client disconnects) pushed front.
type closureQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []EngineClosure
	closed bool
}

func newClosureQueue() *closureQueue {
	q := &closureQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues c; it reports false once the queue is closed (the closure
// will never run, so callers waiting on it must bail).
func (q *closureQueue) Push(c EngineClosure) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if c.urgent {
		q.items = append([]EngineClosure{c}, q.items...)
	} else {
		q.items = append(q.items, c)
	}
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

func (q *closureQueue) Pop() (EngineClosure, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return EngineClosure{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *closureQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Server drives one repo: graph state, autodep endpoint, codec registry
// and the client-facing socket.
type Server struct {
	State    *State
	Autodep  *AutodepServer
	RepoRoot string
	AdminDir string

	queue    *closureQueue
	listener net.Listener
	done     chan struct{}
	promReg  *prometheus.Registry

	mu           sync.Mutex
	sigints      int
	shutdownOnce sync.Once
}

// NewServer wires a State for repoRoot: rules from LMAKE/rules.yaml,
// content cache, badger store, codec registry, local backend.
func NewServer(repoRoot string) (*Server, error) {
	adminDir := filepath.Join(repoRoot, AdminDirName)
	s := NewState()
	rf, err := LoadRuleFile(filepath.Join(adminDir, "rules.yaml"))
	if err != nil {
		return nil, err
	}
	if err := rf.Apply(s); err != nil {
		return nil, err
	}
	if m := rf.Config.CacheMethodOf(); m != CacheMethodNone {
		dir := rf.Config.CacheDir
		if dir == "" {
			dir = filepath.Join(adminDir, "lmake", "cache")
		}
		s.Cache = NewContentCache(dir, m)
	}
	store, err := OpenBadgerStore(filepath.Join(adminDir, "lmake", "store"))
	if err != nil {
		return nil, err
	}
	s.Store = store

	srv := &Server{
		State:    s,
		RepoRoot: repoRoot,
		AdminDir: adminDir,
		queue:    newClosureQueue(),
		promReg:  prometheus.NewRegistry(),
	}
	s.Metrics = NewMetrics(srv.promReg)
	srv.Autodep = NewAutodepServer(s)
	srv.Autodep.Codec = NewCodecRegistry(filepath.Join(adminDir, "lmake", "codec"))
	s.Backend = NewLocalBackend(s, srv.Autodep)
	s.AutodepEnvStr = AutodepEnv{
		LnkSupport: rf.Config.LnkSupportOf(),
		RepoRootS:  strings.TrimSuffix(repoRoot, "/") + "/",
		SrcDirsS:   rf.Config.SrcDirs,
	}.String()
	return srv, nil
}

// Serve listens, publishes the repo marker and runs until the listener is
// closed or the marker is deleted out from under us (synthetic SIGINT).
// announce receives the "host:port" line the auto-launch handshake reads
// from the child's stdout.
func (srv *Server) Serve(announce io.Writer) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv.listener = ln
	addr := ln.Addr().(*net.TCPAddr)
	svc := Service{Addr: "127.0.0.1", Port: addr.Port}
	if announce != nil {
		fmt.Fprintf(announce, "%s\n", svc)
	}
	if err := PublishMarker(srv.AdminDir, ServerMarker{Service: svc, Pid: os.Getpid()}); err != nil {
		return err
	}
	defer RemoveMarker(srv.AdminDir)

	markerGone, stopWatch, err := WatchMarker(srv.AdminDir)
	if err != nil {
		return err
	}
	defer stopWatch()

	srv.done = make(chan struct{})
	var g errgroup.Group
	g.Go(func() error { srv.engineLoop(); return nil })
	g.Go(func() error {
		select {
		case <-markerGone:
			srv.Interrupt()
		case <-srv.done:
		}
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				srv.queue.Close()
				return nil
			}
			go srv.handleConn(conn)
		}
	})
	return g.Wait()
}

// Interrupt is the synthetic SIGINT: first one zombies every Req and kills
// in-flight jobs, the second drops the server.
func (srv *Server) Interrupt() {
	srv.mu.Lock()
	srv.sigints++
	n := srv.sigints
	srv.mu.Unlock()
	if n >= 2 {
		srv.Shutdown()
		return
	}
	srv.queue.Push(EngineClosure{urgent: true, fn: func() { srv.State.Kill() }})
}

// Shutdown stops accepting and persists the graph. Idempotent.
func (srv *Server) Shutdown() {
	srv.shutdownOnce.Do(func() {
		if srv.done != nil {
			close(srv.done)
		}
		if srv.listener != nil {
			srv.listener.Close()
		}
		srv.queue.Close()
		srv.writeKpi()
		srv.State.SaveGraph()
		if srv.State.Store != nil {
			srv.State.Store.Close()
		}
	})
}

// writeKpi dumps the metric registry into the LMAKE/lmake/kpi admin file.
func (srv *Server) writeKpi() {
	if srv.promReg == nil {
		return
	}
	mfs, err := srv.promReg.Gather()
	if err != nil {
		return
	}
	dir := filepath.Join(srv.AdminDir, "lmake")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	f, err := os.Create(filepath.Join(dir, "kpi"))
	if err != nil {
		return
	}
	defer f.Close()
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.Counter != nil:
				v = m.Counter.GetValue()
			case m.Gauge != nil:
				v = m.Gauge.GetValue()
			}
			fmt.Fprintf(f, "%s %g\n", mf.GetName(), v)
		}
	}
}

func (srv *Server) engineLoop() {
	for {
		c, ok := srv.queue.Pop()
		if !ok {
			return
		}
		c.fn()
	}
}

// handleConn runs on a receive goroutine: magic handshake, one ReqRpcReq,
// then an engine closure does the actual work and streams frames back.
func (srv *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	in := NewIMsgBuf(conn)
	out := NewOMsgBuf(conn)

	var magic uint64
	if err := in.Receive(&magic); err != nil || magic != ServerMagic {
		return
	}
	var req ReqRpcReq
	if err := in.Receive(&req); err != nil {
		return
	}

	done := make(chan struct{})
	ok := srv.queue.Push(EngineClosure{
		urgent: req.Proc == "Kill",
		fn: func() {
			defer close(done)
			srv.dispatch(req, out)
		},
	})
	if !ok {
		return // server is shutting down
	}
	<-done
}

// auditWriter frames engine output as ReplyStdout lines on the client
// socket (the Req's audit channel).
type auditWriter struct {
	out  *OMsgBuf
	kind ReqRpcReplyKind
}

func (w *auditWriter) Write(p []byte) (int, error) {
	if err := w.out.Send(ReqRpcReply{Kind: w.kind, Text: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (srv *Server) dispatch(req ReqRpcReq, out *OMsgBuf) {
	switch req.Proc {
	case "Make":
		srv.doMake(req, out)
	case "Show":
		srv.doShow(req, out)
	case "Forget":
		srv.doForget(req, out)
	case "Mark":
		srv.doMark(req, out)
	case "Collect":
		srv.doCollect(req, out)
	case "Debug":
		srv.doDebug(req, out)
	case "Kill":
		srv.State.Kill()
		out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
	default:
		out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("unknown request %q\n", req.Proc)})
		out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcUsage})
	}
}

func (srv *Server) doMake(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State
	r := s.AddReq(&auditWriter{out: out, kind: ReplyStdout})
	r.Progress = NewProgress(r, s.MaxJobs, r.Audit)

	// Per-request auto tmp dir, wiped on success.
	tmpDir := filepath.Join(srv.AdminDir, "auto_tmp", uuid.NewString())
	os.MkdirAll(tmpDir, 0755)

	rc := RcOk
	for _, tgt := range req.Targets {
		if r.Zombie {
			rc = RcFail
			break
		}
		st := s.MakeTarget(r, tgt)
		switch st {
		case NodeStatusOk:
			n := s.Node(s.GetNode(tgt))
			if n.crc_ == CrcNone && n.buildable_ != BuildableYes {
				out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("don't know how to make %s\n", tgt)})
				rc = RcFail
			}
		case NodeStatusMulti:
			out.Send(ReqRpcReply{Kind: ReplyStderr, Text: srv.multiDiag(tgt)})
			rc = RcFail
		case NodeStatusInfinite:
			out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("infinite recursion while making %s\n", tgt)})
			rc = RcFail
		default:
			out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("failed to make %s\n", tgt)})
			rc = RcFail
		}
	}
	if r.Progress.Started() > 0 {
		r.Progress.BuildFinished()
	}
	if rc == RcOk {
		os.RemoveAll(tmpDir)
		s.SaveGraph()
	}
	if s.Metrics != nil {
		s.Metrics.Sample(s)
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: rc})
}

// multiDiag lists every rule name that matched.
func (srv *Server) multiDiag(tgt string) string {
	idx, ok := srv.State.LookupNode(tgt)
	if !ok {
		return fmt.Sprintf("multiple rules match %s\n", tgt)
	}
	n := srv.State.Node(idx)
	var names []string
	for _, jIdx := range n.jobTgts_ {
		names = append(names, srv.State.Job(jIdx).rule_.Name)
	}
	return (&ErrMulti{Target: tgt, Rules: names}).Error() + "\n"
}

func (srv *Server) doShow(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State
	for _, tgt := range req.Targets {
		idx, ok := s.LookupNode(tgt)
		if !ok {
			out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("%s: not in graph\n", tgt)})
			continue
		}
		// Readers only take snapshots; graph mutation stays on the engine
		// thread.
		n := s.Node(idx)
		out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("%s: crc=%s buildable=%d\n", tgt, n.crc_, n.buildable_)})
		if n.actualJobTgt_ != NoJobIdx {
			j := s.Job(n.actualJobTgt_)
			if _, show := req.Flags["deps"]; show {
				for _, d := range j.deps_ {
					out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("  dep %s %s\n", s.Node(d.node).path_, d.accesses)})
				}
			}
			if _, show := req.Flags["cmd"]; show {
				out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("  cmd %s\n", substStems(j.rule_.Command, j.stems_))})
			}
			if _, show := req.Flags["stderr"]; show && j.stderr_ != "" {
				out.Send(ReqRpcReply{Kind: ReplyStderr, Text: j.stderr_})
			}
			if _, show := req.Flags["stdout"]; show && j.stdout_ != "" {
				out.Send(ReqRpcReply{Kind: ReplyStdout, Text: j.stdout_})
			}
		}
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
}

func (srv *Server) doForget(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State
	for _, tgt := range req.Targets {
		idx, ok := s.LookupNode(tgt)
		if !ok {
			continue
		}
		n := s.Node(idx)
		if n.actualJobTgt_ != NoJobIdx {
			s.Forget(n.actualJobTgt_)
		}
		n.crc_ = CrcUnknown
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
}

func (srv *Server) doMark(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State

	if _, list := req.Flags["list"]; list {
		for i := 0; i < s.NumNodes(); i++ {
			n := s.Node(NodeIdx(i))
			if n.noTrigger_ {
				out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("no_trigger %s\n", n.path_)})
			}
		}
		for i := 0; i < s.NumJobs(); i++ {
			j := s.Job(JobIdx(i))
			if j.frozen_ {
				out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("freeze %s\n", jobDisplayName(j))})
			}
		}
		out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
		return
	}

	if _, clear := req.Flags["clear"]; clear {
		// Clear wipes every mark, scoped to the given files when any.
		srv.clearMarks(req.Targets)
		out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
		return
	}

	_, freeze := req.Flags["freeze"]
	_, noTrigger := req.Flags["no_trigger"]
	_, del := req.Flags["delete"]
	for _, tgt := range req.Targets {
		if noTrigger {
			s.MarkNoTrigger(tgt, !del)
		}
		if freeze {
			idx, ok := s.LookupNode(tgt)
			if !ok {
				continue
			}
			n := s.Node(idx)
			if n.actualJobTgt_ != NoJobIdx {
				s.MarkFreeze(n.actualJobTgt_, !del)
			}
		}
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
}

func (srv *Server) clearMarks(targets []string) {
	s := srv.State
	if len(targets) == 0 {
		for i := 0; i < s.NumNodes(); i++ {
			s.Node(NodeIdx(i)).noTrigger_ = false
		}
		for i := 0; i < s.NumJobs(); i++ {
			s.MarkFreeze(JobIdx(i), false)
		}
		return
	}
	for _, tgt := range targets {
		idx, ok := s.LookupNode(tgt)
		if !ok {
			continue
		}
		n := s.Node(idx)
		n.noTrigger_ = false
		if n.actualJobTgt_ != NoJobIdx {
			s.MarkFreeze(n.actualJobTgt_, false)
		}
	}
}

func (srv *Server) doCollect(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State
	_, dryRun := req.Flags["dry_run"]
	for i := 0; i < s.NumNodes(); i++ {
		n := s.Node(NodeIdx(i))
		if n.src_ || n.actualJobTgt_ == NoJobIdx {
			continue
		}
		inScope := len(req.Targets) == 0
		for _, dir := range req.Targets {
			if liesWithin(n.path_, dir+"/") {
				inScope = true
			}
		}
		if !inScope {
			continue
		}
		out.Send(ReqRpcReply{Kind: ReplyFile, File: n.path_})
		if !dryRun {
			os.Remove(filepath.Join(srv.RepoRoot, n.path_))
			n.unlinked_ = true
		}
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
}

func (srv *Server) doDebug(req ReqRpcReq, out *OMsgBuf) {
	s := srv.State
	for _, tgt := range req.Targets {
		idx, ok := s.LookupNode(tgt)
		if !ok || s.Node(idx).actualJobTgt_ == NoJobIdx {
			out.Send(ReqRpcReply{Kind: ReplyStderr, Text: fmt.Sprintf("%s: no producing job\n", tgt)})
			continue
		}
		j := s.Job(s.Node(idx).actualJobTgt_)
		out.Send(ReqRpcReply{Kind: ReplyStdout, Text: fmt.Sprintf("#!/bin/sh\n# rule %s\n%s\n", j.rule_.Name, substStems(j.rule_.Command, j.stems_))})
	}
	out.Send(ReqRpcReply{Kind: ReplyStatus, Rc: RcOk})
}

// ServeJobConn handles one reply-needing autodep connection (per-job Unix
// socket): JobExecRpcReq frames in, JobExecRpcReply frames out.
func (srv *Server) ServeJobConn(conn net.Conn) {
	defer conn.Close()
	in := NewIMsgBuf(conn)
	out := NewOMsgBuf(conn)
	for {
		var req JobExecRpcReq
		if err := in.Receive(&req); err != nil {
			return
		}
		if req.Cmd == "" {
			srv.applyReport(req)
			continue
		}
		reply, err := srv.Autodep.Dispatch(JobIdx(req.Job), BackdoorCmd(req.Cmd), req.Args)
		rep := JobExecRpcReply{Proc: req.Proc, Reply: reply, Ok: Yes}
		if err != nil {
			rep.Ok = No
			rep.Reply = err.Error()
		}
		if err := out.Send(rep); err != nil {
			return
		}
	}
}

// DrainFastPipe consumes fire-and-forget frames from a fast-report pipe
// reader until EOF.
func (srv *Server) DrainFastPipe(r io.Reader) {
	in := NewIMsgBuf(r)
	for {
		var req JobExecRpcReq
		if err := in.Receive(&req); err != nil {
			return
		}
		srv.applyReport(req)
	}
}

func (srv *Server) applyReport(req JobExecRpcReq) {
	j := JobIdx(req.Job)
	switch req.Proc {
	case ProcAccess:
		d := NewAccessDigest().WithAccesses(Accesses(req.Accesses)).WithWrite(Write(req.Write))
		if req.ReadDir {
			d = d.WithReadDir()
		}
		if req.Id != 0 && Write(req.Write) == WriteMaybe {
			rec := srv.Autodep.recordFor(j)
			crc, _, _ := HashFile(req.Path)
			rec.mu.Lock()
			rec.pending[req.Id] = PendingWrite{Path: req.Path, PreCrc: crc}
			if _, seen := rec.preCrcs[req.Path]; !seen {
				rec.preCrcs[req.Path] = crc
			}
			rec.mu.Unlock()
		}
		srv.Autodep.Report(j, req.Path, d)
	case ProcConfirm:
		srv.Autodep.recordFor(j).Confirm(req.Id, req.Ok)
	case ProcGuard, ProcTmp, ProcTrace, ProcAccessPattern:
		// bookkeeping-only reports, no graph effect
	case ProcPanic:
		Error("job %d panic: %s", req.Job, req.Args)
	}
}
