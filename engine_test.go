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
	"os"
	"testing"
)

// fakeBackend runs jobs as an in-process function, counting submissions.
type fakeBackend struct {
	submits int
	run     func(attrs SubmitAttrs) JobRpcEnd
}

func (b *fakeBackend) Submit(attrs SubmitAttrs) (JobRpcEnd, error) {
	b.submits++
	return b.run(attrs), nil
}

func (b *fakeBackend) Kill(sigs []int) error { return nil }

// writeTarget is the body of a typical test job: write path, report it.
func writeTarget(t *testing.T, path, content string) JobRpcEnd {
	t.Helper()
	pre, _, _ := HashFile(path)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	crc, _, _ := HashFile(path)
	return JobRpcEnd{
		Ok:     true,
		Writes: []WriteReport{{Path: path, Crc: crc, PreExisted: pre != CrcNone}},
	}
}

func newTestState(t *testing.T) *State {
	t.Helper()
	chdir(t, t.TempDir())
	return NewState()
}

func ccRule() *Rule {
	return &Rule{
		Name:     "cc",
		Targets:  []TargetPattern{{Name: "a.out"}},
		DepNames: []string{"a.c"},
		Command:  "cc a.c -o a.out",
	}
}

// First make runs the job, second is steady, a content change (not
// just mtime) reruns it.
func TestMakeSteadyAndRebuild(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("int main(){}"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		data, _ := os.ReadFile("a.c")
		return writeTarget(t, "a.out", "obj:"+string(data))
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusOk {
		t.Fatalf("first make: %d", st)
	}
	if fb.submits != 1 {
		t.Fatalf("first make: %d submits", fb.submits)
	}

	// No change at all: steady, zero submissions.
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusOk {
		t.Fatalf("second make: %d", st)
	}
	if fb.submits != 1 {
		t.Fatalf("steady make submitted: %d", fb.submits)
	}

	// Content change reruns.
	if err := os.WriteFile("a.c", []byte("int main(){return 1;}"), 0644); err != nil {
		t.Fatal(err)
	}
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusOk {
		t.Fatalf("third make: %d", st)
	}
	if fb.submits != 2 {
		t.Fatalf("changed dep did not rerun: %d submits", fb.submits)
	}
}

// forget(T) makes the next make submit exactly once.
func TestForgetRebuilds(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "a.out", "obj") }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	s.MakeTarget(r, "a.out")
	if fb.submits != 1 {
		t.Fatalf("submits=%d", fb.submits)
	}

	idx, _ := s.LookupNode("a.out")
	s.Forget(s.Node(idx).actualJobTgt_)
	s.MakeTarget(r, "a.out")
	if fb.submits != 2 {
		t.Fatalf("forget did not rebuild: submits=%d", fb.submits)
	}
	s.MakeTarget(r, "a.out")
	if fb.submits != 2 {
		t.Fatalf("forget rebuilt more than once: submits=%d", fb.submits)
	}
}

// Two rules matching at the same priority is a diagnosed
// conflict; no job runs.
func TestMultiMatch(t *testing.T) {
	s := newTestState(t)
	for _, name := range []string{"r1", "r2"} {
		if err := s.AddRule(&Rule{
			Name:    name,
			Targets: []TargetPattern{{Name: "x.out"}},
			Command: "touch x.out",
		}); err != nil {
			t.Fatal(err)
		}
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "x.out", "x") }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "x.out"); st != NodeStatusMulti {
		t.Fatalf("got %d, want Multi", st)
	}
	if fb.submits != 0 {
		t.Fatalf("multi-match submitted a job: %d", fb.submits)
	}
}

// Distinct priorities are not a conflict: the higher band wins.
func TestPriorityBands(t *testing.T) {
	s := newTestState(t)
	ran := ""
	if err := s.AddRule(&Rule{
		Name: "lo", Priority: 0,
		Targets: []TargetPattern{{Name: "x.out"}},
		Command: "lo",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRule(&Rule{
		Name: "hi", Priority: 10,
		Targets: []TargetPattern{{Name: "x.out"}},
		Command: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		ran = attrs.CmdLine
		return writeTarget(t, "x.out", "x")
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "x.out"); st != NodeStatusOk {
		t.Fatalf("got %d", st)
	}
	if ran != "hi" {
		t.Fatalf("wrong band won: %q", ran)
	}
}

// An anti rule at a band forces the node unbuildable.
func TestAntiRule(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(&Rule{
		Name:    "anti",
		Anti:    true,
		Targets: []TargetPattern{{Name: "forbidden.out"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRule(&Rule{
		Name:     "gen",
		Priority: -1,
		Targets:  []TargetPattern{{Name: "forbidden.out"}},
		Command:  "gen",
	}); err != nil {
		t.Fatal(err)
	}
	idx := s.GetNode("forbidden.out")
	s.setBuildable(idx)
	if s.Node(idx).buildable_ != BuildableNo {
		t.Fatalf("anti rule ignored: buildable=%d", s.Node(idx).buildable_)
	}
}

// A dep chain that grows forever is caught at max_dep_depth and
// surfaces as Infinite.
func TestInfiniteRecursion(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(&Rule{
		Name:     "loop",
		Stems:    map[string]string{"F": `[a-z.]+`},
		Targets:  []TargetPattern{{Name: "{F}"}},
		DepNames: []string{"{F}.x"},
		Command:  "loop",
	}); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return JobRpcEnd{Ok: true} }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "a"); st != NodeStatusInfinite {
		t.Fatalf("got %d, want Infinite", st)
	}
}

// A job writing an undeclared path is a BadTarget error.
func TestUndeclaredTarget(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		end := writeTarget(t, "a.out", "obj")
		rogue := writeTarget(t, "rogue.txt", "oops")
		end.Writes = append(end.Writes, rogue.Writes...)
		return end
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusErr {
		t.Fatalf("got %d, want Err", st)
	}
}

// Overwriting a source is rejected unless the target carries SourceOk.
func TestSourceOverwrite(t *testing.T) {
	s := newTestState(t)
	src := &Rule{Name: "source", Priority: 100, Source: true, Targets: []TargetPattern{{Name: "a.c"}}}
	if err := s.AddRule(src); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRule(&Rule{
		Name:     "bad",
		Targets:  []TargetPattern{{Name: "a.out"}, {Name: "a.c"}},
		DepNames: nil,
		Command:  "bad",
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		end := writeTarget(t, "a.out", "obj")
		over := writeTarget(t, "a.c", "clobbered")
		end.Writes = append(end.Writes, over.Writes...)
		return end
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusErr {
		t.Fatalf("got %d, want Err", st)
	}
}

// lmark -t: a no-trigger dep change does not rerun the dependent.
func TestNoTrigger(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "a.out", "obj") }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	s.MakeTarget(r, "a.out")
	s.MarkNoTrigger("a.c", true)

	if err := os.WriteFile("a.c", []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	s.MakeTarget(r, "a.out")
	if fb.submits != 1 {
		t.Fatalf("no-trigger dep reran the job: submits=%d", fb.submits)
	}
}

// A dynamically reported dep (not statically declared) must trigger
// rebuilds just like a declared one.
func TestDynamicDeps(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(&Rule{
		Name:    "gen",
		Targets: []TargetPattern{{Name: "out"}},
		Command: "gen",
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("discovered.h", []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		end := writeTarget(t, "out", "content")
		crc, _, _ := HashFile("discovered.h")
		end.Deps = []DepReport{{Path: "discovered.h", Accesses: uint8(AccessReg), Crc: crc}}
		return end
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	s.MakeTarget(r, "out")
	if fb.submits != 1 {
		t.Fatalf("submits=%d", fb.submits)
	}
	s.MakeTarget(r, "out")
	if fb.submits != 1 {
		t.Fatalf("steady with dynamic dep: submits=%d", fb.submits)
	}
	if err := os.WriteFile("discovered.h", []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	s.MakeTarget(r, "out")
	if fb.submits != 2 {
		t.Fatalf("dynamic dep change ignored: submits=%d", fb.submits)
	}
}

// A deleted target is regenerated on the next Dsk make.
func TestUnlinkedTargetRegenerates(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "a.out", "obj") }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	s.MakeTarget(r, "a.out")
	if err := os.Remove("a.out"); err != nil {
		t.Fatal(err)
	}
	s.MakeTarget(r, "a.out")
	if fb.submits != 2 {
		t.Fatalf("unlinked target not regenerated: submits=%d", fb.submits)
	}
	if _, err := os.Stat("a.out"); err != nil {
		t.Fatalf("target not rematerialized: %v", err)
	}
}

// A target that climbs out of the repo is rejected unless the pattern
// carries the allow flag.
func TestTargetClimbOut(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(&Rule{
		Name:    "escape",
		Stems:   map[string]string{"F": `[a-z.]+`},
		Targets: []TargetPattern{{Name: "ok.out"}, {Name: "../{F}"}},
		Command: "escape",
	}); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		end := writeTarget(t, "ok.out", "obj")
		out := writeTarget(t, "../escape.txt", "outside")
		end.Writes = append(end.Writes, out.Writes...)
		return end
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "ok.out"); st != NodeStatusErr {
		t.Fatalf("got %d, want Err", st)
	}

	// The same write is accepted when the pattern allows leaving the repo.
	s2 := newTestState(t)
	if err := s2.AddRule(&Rule{
		Name:    "escape",
		Stems:   map[string]string{"F": `[a-z.]+`},
		Targets: []TargetPattern{{Name: "ok.out"}, {Name: "../{F}", Flags: MatchFlags{Allow: true}}},
		Command: "escape",
	}); err != nil {
		t.Fatal(err)
	}
	s2.Backend = fb
	os.Remove("../escape.txt") // left behind by the rejected first run
	r2 := s2.AddReq(os.Stderr)
	if st := s2.MakeTarget(r2, "ok.out"); st != NodeStatusOk {
		t.Fatalf("allowed climb rejected: %d", st)
	}
}

// A two-stage dep chain suspends on the inner job and resumes through the
// watcher wake-ups: both jobs run, in dependency order.
func TestDepChainSuspendsAndResumes(t *testing.T) {
	s := newTestState(t)
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := s.AddRule(&Rule{
		Name:     "link",
		Targets:  []TargetPattern{{Name: "bin"}},
		DepNames: []string{"a.out"},
		Command:  "link",
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("src"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	var order []string
	fb.run = func(attrs SubmitAttrs) JobRpcEnd {
		order = append(order, attrs.CmdLine)
		if attrs.CmdLine == "link" {
			return writeTarget(t, "bin", "linked")
		}
		return writeTarget(t, "a.out", "obj")
	}
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "bin"); st != NodeStatusOk {
		t.Fatalf("make bin: %d", st)
	}
	if fb.submits != 2 {
		t.Fatalf("submits=%d, want 2", fb.submits)
	}
	if len(order) != 2 || order[1] != "link" {
		t.Fatalf("jobs ran out of dependency order: %v", order)
	}
	// The Req saw both jobs start and finish.
	done := 0
	for i := 0; i < s.NumJobs(); i++ {
		if ri := r.JobInfo(JobIdx(i)); ri.Done && !ri.Waiting {
			done++
		}
	}
	if done != 2 {
		t.Fatalf("req job views done=%d, want 2", done)
	}

	// Steady afterwards: nothing resubmits.
	if st := s.MakeTarget(r, "bin"); st != NodeStatusOk {
		t.Fatalf("steady make: %d", st)
	}
	if fb.submits != 2 {
		t.Fatalf("steady chain resubmitted: %d", fb.submits)
	}
}

// The per-job submission budget caps how often a job can be resubmitted.
func TestMaxSubmitsBudget(t *testing.T) {
	s := newTestState(t)
	s.MaxSubmits = 1
	if err := s.AddRule(ccRule()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "a.out", "obj") }
	s.Backend = fb

	r := s.AddReq(os.Stderr)
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusOk {
		t.Fatalf("first make: %d", st)
	}
	if err := os.WriteFile("a.c", []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	if st := s.MakeTarget(r, "a.out"); st != NodeStatusErr {
		t.Fatalf("budget-exhausted rerun: got %d, want Err", st)
	}
	if fb.submits != 1 {
		t.Fatalf("submits=%d, want 1", fb.submits)
	}
}
