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
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// wireRecord builds a job-side Record talking to a real server-side
// endpoint over an in-memory pipe, rooted in a fresh repo dir that is also
// the test's cwd.
func wireRecord(t *testing.T) (*Record, *AutodepServer) {
	t.Helper()
	repo, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	chdir(t, repo)
	s := NewState()
	srv := &Server{State: s, Autodep: NewAutodepServer(s)}
	srv.Autodep.Codec = NewCodecRegistry(t.TempDir())

	rep := &Reporter{
		Job: 0,
		Dial: func() (net.Conn, error) {
			client, server := net.Pipe()
			go srv.ServeJobConn(server)
			return client, nil
		},
	}
	env := AutodepEnv{
		LnkSupport: LnkSupportFull,
		RepoRootS:  repo + "/",
		TmpDirS:    "/nonexistent-tmp/",
	}
	rec, err := NewRecord(AutodepLdPreload, env, rep)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rec.Close)
	return rec, srv.Autodep
}

func TestRecordShipsAccess(t *testing.T) {
	rec, srv := wireRecord(t)
	if err := os.WriteFile("a.c", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := rec.OnSyscall(SyscallOpenRead, "a.c", false); err != nil {
		t.Fatal(err)
	}
	// A round-trip call fences all prior fire-and-forget frames: the
	// server's per-connection loop processes them in order.
	if _, err := rec.CallBackdoor(BackdoorChkDeps, ""); err != nil {
		t.Fatal(err)
	}

	deps := srv.recordFor(0).Deps()
	if len(deps) != 1 || deps[0].Path != "a.c" || !deps[0].Accesses.Has(AccessReg) {
		t.Fatalf("deps: %+v", deps)
	}
}

// The resolver folds intermediate symlinks into extra Lnk deps on the wire.
func TestRecordSymlinkDeps(t *testing.T) {
	rec, srv := wireRecord(t)
	if err := os.WriteFile("tgt", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("tgt", "dep"); err != nil {
		t.Fatal(err)
	}

	if err := rec.OnSyscall(SyscallOpenRead, "dep", false); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.CallBackdoor(BackdoorChkDeps, ""); err != nil {
		t.Fatal(err)
	}

	got := map[string]Accesses{}
	for _, d := range srv.recordFor(0).Deps() {
		got[d.Path] = d.Accesses
	}
	// Both the symlink (Lnk) and its target (Reg) are deps.
	if !got["dep"].Has(AccessLnk) {
		t.Fatalf("symlink itself not a dep: %v", got)
	}
	if !got["tgt"].Has(AccessReg) {
		t.Fatalf("target not a dep: %v", got)
	}
}

func TestRecordDuplicateSuppression(t *testing.T) {
	rec, srv := wireRecord(t)
	if err := os.WriteFile("f", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := rec.OnSyscall(SyscallOpenRead, "f", false); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := rec.CallBackdoor(BackdoorChkDeps, ""); err != nil {
		t.Fatal(err)
	}
	deps := srv.recordFor(0).Deps()
	if len(deps) != 1 {
		t.Fatalf("deps: %+v", deps)
	}
}

func TestBackdoorBufferDoubling(t *testing.T) {
	rec, _ := wireRecord(t)

	// Encode a value whose decode reply exceeds the initial 256-byte
	// backdoor buffer; the client retries with a doubled buffer.
	long := strings.Repeat("v", 1000)
	code, err := rec.CallBackdoor(BackdoorEncode, "tab\x1fctx\x1f"+long)
	if err != nil {
		t.Fatal(err)
	}
	val, err := rec.CallBackdoor(BackdoorDecode, "tab\x1fctx\x1f"+code)
	if err != nil {
		t.Fatal(err)
	}
	if val != long {
		t.Fatalf("decode: %d bytes", len(val))
	}
}

func TestReadlinkatPassThrough(t *testing.T) {
	rec, _ := wireRecord(t)

	// A real fd or a non-magic path is not intercepted.
	if _, hit, _ := rec.Readlinkat(3, MagicPfx+"check_deps/", nil); hit {
		t.Fatal("real fd intercepted")
	}
	if _, hit, _ := rec.Readlinkat(MagicFd, "some/ordinary/path", nil); hit {
		t.Fatal("non-magic path intercepted")
	}
}

func TestRecordRenamePlanShipping(t *testing.T) {
	rec, srv := wireRecord(t)
	if err := os.WriteFile("src.f", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	rec.OnRename(PlanRename([]string{"src.f"}, []string{"dst.f"}, RenameFlags{}))
	if _, err := rec.CallBackdoor(BackdoorChkDeps, ""); err != nil {
		t.Fatal(err)
	}

	r := srv.recordFor(0)
	deps := map[string]bool{}
	for _, d := range r.Deps() {
		deps[d.Path] = true
	}
	if !deps["src.f"] {
		t.Fatal("rename source not read")
	}
	writes := map[string]bool{}
	for _, w := range r.Writes() {
		writes[w] = true
	}
	if !writes["dst.f"] {
		t.Fatal("rename destination not written")
	}
}
