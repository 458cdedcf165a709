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

// Local backend: runs jobs as OS processes in their own process group.
// SGE/Slurm would implement the same Backend interface; they are not
// provided here.

package lmake

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// LocalBackend launches one job per Submit call as a child process in its
// own process group (so Kill can SIGKILL the whole group), reporting
// deps via the autodep record attached through
// LMAKE_AUTODEP_ENV.
type LocalBackend struct {
	State    *State
	Record   *AutodepServer // receives Access/Confirm reports while jobs run
	KillSigs []syscall.Signal

	sem      chan struct{} // per-backend slot gate, on top of the engine's global one
	mu       sync.Mutex
	running_ map[int]*exec.Cmd // pid -> cmd, for Kill
}

func NewLocalBackend(s *State, rec *AutodepServer) *LocalBackend {
	return &LocalBackend{
		State:    s,
		Record:   rec,
		KillSigs: []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
		sem:      make(chan struct{}, runtime.NumCPU()),
		running_: map[int]*exec.Cmd{},
	}
}

// Submit runs attrs.CmdLine under /bin/sh -c, in its own process group,
// and blocks until it exits. Env carries
// LMAKE_AUTODEP_ENV so the job's own autodep runtime (ptrace/LD_PRELOAD
// shim, started out-of-process) can reach the per-job socket
// that Record exposes.
func (b *LocalBackend) Submit(attrs SubmitAttrs) (JobRpcEnd, error) {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	ctx, cancel := context.WithCancel(context.Background())
	if attrs.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(attrs.Timeout*float64(time.Second)))
	}
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", attrs.CmdLine)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = envSlice(attrs.Env, attrs.AutodepEnv)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return JobRpcEnd{}, fmt.Errorf("localbackend: start: %w", err)
	}

	if attrs.Nice != 0 {
		// Whole process group: children inherit the group, so one call
		// covers everything the job spawns.
		syscall.Setpriority(syscall.PRIO_PGRP, cmd.Process.Pid, attrs.Nice)
	}

	b.mu.Lock()
	b.running_[cmd.Process.Pid] = cmd
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.running_, cmd.Process.Pid)
		b.mu.Unlock()
	}()

	err := cmd.Wait()
	elapsed := time.Since(start)

	end := JobRpcEnd{
		Stdout:    buf.String(),
		ExeTimeMs: elapsed.Milliseconds(),
	}
	if err == nil {
		end.Ok = true
		end.WStatus = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		end.WStatus = exitErr.ExitCode()
		end.Ok = false
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			end.Killed = true
		}
	} else {
		return JobRpcEnd{}, fmt.Errorf("localbackend: wait: %w", err)
	}

	if b.Record != nil {
		end.Deps = b.Record.CollectDeps(cmd.Process.Pid)
		end.Writes = b.Record.CollectWrites(cmd.Process.Pid)
	}
	if len(end.Writes) == 0 {
		// No interception reports (the job ran without an autodep shim):
		// fall back to statting the declared static targets.
		for _, tgt := range attrs.Targets {
			crc, fi, err := HashFile(tgt)
			if err != nil || fi.Tag == TagNone {
				continue
			}
			end.Writes = append(end.Writes, WriteReport{Path: tgt, Crc: crc})
		}
	}
	return end, nil
}

// Kill SIGTERMs then SIGKILLs (per sigs, or b.KillSigs if empty) every
// running job's whole process group.
func (b *LocalBackend) Kill(sigs []int) error {
	if len(sigs) == 0 {
		for _, s := range b.KillSigs {
			sigs = append(sigs, int(s))
		}
	}
	b.mu.Lock()
	pids := make([]int, 0, len(b.running_))
	for pid := range b.running_ {
		pids = append(pids, pid)
	}
	b.mu.Unlock()
	for _, pid := range pids {
		for _, sig := range sigs {
			_ = syscall.Kill(-pid, syscall.Signal(sig)) // negative pid: whole group
		}
	}
	return nil
}

func envSlice(env map[string]string, autodepEnv string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if autodepEnv != "" {
		out = append(out, "LMAKE_AUTODEP_ENV="+autodepEnv)
	}
	return out
}
