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

package lmake

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMsgBufRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	out := NewOMsgBuf(&buf)

	reqs := []JobExecRpcReq{
		{Proc: ProcAccess, Job: 3, Path: "a.c", Accesses: uint8(AccessReg)},
		{Proc: ProcConfirm, Job: 3, Id: 7, Ok: true},
		{Proc: ProcChkDeps, Job: 3, Cmd: "check_deps"},
	}
	for _, r := range reqs {
		if err := out.Send(r); err != nil {
			t.Fatal(err)
		}
	}

	in := NewIMsgBuf(&buf)
	for i := range reqs {
		var got JobExecRpcReq
		if err := in.Receive(&got); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got != reqs[i] {
			t.Fatalf("frame %d: got %+v, want %+v", i, got, reqs[i])
		}
	}
}

func TestMsgBufReplyWithCrc(t *testing.T) {
	var buf bytes.Buffer
	out := NewOMsgBuf(&buf)
	rep := JobExecRpcReply{
		Proc: ProcDepVerbose,
		Ok:   Yes,
		VerboseInfos: []VerboseInfo{
			{Ok: Yes, Crc: NewPlainCrc(0x1234, false)},
			{Ok: Maybe, Crc: CrcNone},
		},
	}
	if err := out.Send(rep); err != nil {
		t.Fatal(err)
	}
	var got JobExecRpcReply
	if err := NewIMsgBuf(&buf).Receive(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.VerboseInfos) != 2 || got.VerboseInfos[0].Crc != rep.VerboseInfos[0].Crc {
		t.Fatalf("got %+v", got)
	}
	if got.VerboseInfos[1].Crc != CrcNone {
		t.Fatalf("distinguished crc lost: %s", got.VerboseInfos[1].Crc)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := ServerMarker{Service: Service{Addr: "localhost", Port: 4242}, Pid: 123}
	if err := PublishMarker(dir, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMarker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
	if err := RemoveMarker(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMarker(dir); err == nil {
		t.Fatal("marker survived removal")
	}
}

// The link(2) publication is atomic: a concurrent second publish loses
// cleanly and the winner's content survives.
func TestMarkerPublishRace(t *testing.T) {
	dir := t.TempDir()
	first := ServerMarker{Service: Service{Addr: "h1", Port: 1}, Pid: 1}
	second := ServerMarker{Service: Service{Addr: "h2", Port: 2}, Pid: 2}
	if err := PublishMarker(dir, first); err != nil {
		t.Fatal(err)
	}
	if err := PublishMarker(dir, second); err != nil {
		t.Fatalf("loser must fail cleanly: %v", err)
	}
	got, err := ReadMarker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Fatalf("winner's marker clobbered: %+v", got)
	}
	// No stray tmp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover files: %v", entries)
	}
}

func TestFastReportPipeSizeGate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe")
	// A regular file stands in for the fifo: Write only cares about the
	// PIPE_BUF size gate and framing.
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	p := &FastReportPipe{path: path, f: f}
	defer p.Close()

	fit, err := p.Write(JobExecRpcReq{Proc: ProcAccess, Path: "small"})
	if err != nil || !fit {
		t.Fatalf("small report: fit=%v err=%v", fit, err)
	}

	big := make([]byte, PipeBuf)
	for i := range big {
		big[i] = 'x'
	}
	fit, err = p.Write(JobExecRpcReq{Proc: ProcAccess, Path: string(big)})
	if err != nil {
		t.Fatal(err)
	}
	if fit {
		t.Fatal("oversized report must be redirected to the socket")
	}
}

func TestJobSocketPath(t *testing.T) {
	p := JobSocketPath("/repo/LMAKE", 7)
	if filepath.Base(p) != "job-7.sock" {
		t.Fatalf("got %q", p)
	}
}
