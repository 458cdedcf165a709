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
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const serverRules = `
sources:
  - hello.in
rules:
  - name: copy
    targets:
      - name: hello.out
    deps:
      - hello.in
    cmd: "cp hello.in hello.out"
`

// startServer builds a repo with a rules file, runs a Server on it and
// returns once the marker is published.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	repo, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	chdir(t, repo)
	adminDir := filepath.Join(repo, AdminDirName)
	if err := os.MkdirAll(adminDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(adminDir, "rules.yaml"), []byte(serverRules), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "hello.in"), []byte("greetings\n"), 0644); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(repo)
	if err != nil {
		t.Fatal(err)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(io.Discard) }()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := ReadMarker(adminDir); err == nil {
			return srv, repo
		}
		if time.Now().After(deadline) {
			t.Fatal("server never published its marker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func clientRun(t *testing.T, repo string, req ReqRpcReq) (Rc, string, string) {
	t.Helper()
	conn, err := ConnectOrLaunch(repo, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	var stdout, stderr bytes.Buffer
	rc, err := conn.Run(req, &stdout, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	return rc, stdout.String(), stderr.String()
}

func TestServerMakeEndToEnd(t *testing.T) {
	_, repo := startServer(t)

	rc, _, errOut := clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})
	if rc != RcOk {
		t.Fatalf("make rc=%d stderr=%q", rc, errOut)
	}
	data, err := os.ReadFile(filepath.Join(repo, "hello.out"))
	if err != nil || string(data) != "greetings\n" {
		t.Fatalf("target: %q %v", data, err)
	}

	// Second make over a fresh connection: steady, same rc.
	rc, _, _ = clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})
	if rc != RcOk {
		t.Fatalf("steady make rc=%d", rc)
	}
}

func TestServerShowAndDebug(t *testing.T) {
	_, repo := startServer(t)
	clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})

	rc, out, _ := clientRun(t, repo, ReqRpcReq{
		Proc:    "Show",
		Targets: []string{"hello.out"},
		Flags:   map[string]string{"deps": "", "cmd": ""},
	})
	if rc != RcOk {
		t.Fatalf("show rc=%d", rc)
	}
	if !strings.Contains(out, "hello.in") || !strings.Contains(out, "cp hello.in hello.out") {
		t.Fatalf("show output: %q", out)
	}

	rc, out, _ = clientRun(t, repo, ReqRpcReq{Proc: "Debug", Targets: []string{"hello.out"}})
	if rc != RcOk || !strings.Contains(out, "cp hello.in hello.out") {
		t.Fatalf("debug rc=%d out=%q", rc, out)
	}
}

func TestServerForget(t *testing.T) {
	srv, repo := startServer(t)
	clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})

	idx, ok := srv.State.LookupNode("hello.out")
	if !ok {
		t.Fatal("hello.out not in graph")
	}
	jIdx := srv.State.Node(idx).actualJobTgt_
	before := srv.State.Job(jIdx).submitCount_

	rc, _, _ := clientRun(t, repo, ReqRpcReq{Proc: "Forget", Targets: []string{"hello.out"}})
	if rc != RcOk {
		t.Fatalf("forget rc=%d", rc)
	}
	clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})
	if got := srv.State.Job(jIdx).submitCount_; got != before+1 {
		t.Fatalf("forget did not rebuild: submits %d -> %d", before, got)
	}
}

func TestServerUnknownRequest(t *testing.T) {
	_, repo := startServer(t)
	rc, _, _ := clientRun(t, repo, ReqRpcReq{Proc: "Bogus"})
	if rc != RcUsage {
		t.Fatalf("rc=%d, want Usage", rc)
	}
}

func TestServerStaleMagicRejected(t *testing.T) {
	_, repo := startServer(t)
	m, err := ReadMarker(filepath.Join(repo, AdminDirName))
	if err != nil {
		t.Fatal(err)
	}
	// A connection with the wrong magic is dropped without a reply.
	conn, err := net.Dial("tcp", m.Service.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	out := NewOMsgBuf(conn)
	if err := out.Send(uint64(0xbad)); err != nil {
		t.Fatal(err)
	}
	if err := out.Send(ReqRpcReq{Proc: "Make"}); err != nil {
		t.Fatal(err)
	}
	var rep ReqRpcReply
	if err := NewIMsgBuf(conn).Receive(&rep); err == nil {
		t.Fatalf("server replied to a bad-magic client: %+v", rep)
	}
}

func TestServerMarkListAndClear(t *testing.T) {
	_, repo := startServer(t)
	clientRun(t, repo, ReqRpcReq{Proc: "Make", Targets: []string{"hello.out"}})

	rc, _, _ := clientRun(t, repo, ReqRpcReq{
		Proc:    "Mark",
		Targets: []string{"hello.in"},
		Flags:   map[string]string{"no_trigger": ""},
	})
	if rc != RcOk {
		t.Fatalf("mark rc=%d", rc)
	}

	rc, out, _ := clientRun(t, repo, ReqRpcReq{Proc: "Mark", Flags: map[string]string{"list": ""}})
	if rc != RcOk {
		t.Fatalf("mark -l rc=%d", rc)
	}
	if !strings.Contains(out, "no_trigger hello.in") {
		t.Fatalf("mark -l output: %q", out)
	}

	rc, _, _ = clientRun(t, repo, ReqRpcReq{Proc: "Mark", Flags: map[string]string{"clear": ""}})
	if rc != RcOk {
		t.Fatalf("mark -c rc=%d", rc)
	}
	_, out, _ = clientRun(t, repo, ReqRpcReq{Proc: "Mark", Flags: map[string]string{"list": ""}})
	if strings.Contains(out, "no_trigger") {
		t.Fatalf("marks survived clear: %q", out)
	}
}
