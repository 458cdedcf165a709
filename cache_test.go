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
	"testing"
)

func cachedState(t *testing.T, method CacheMethod) (*State, *fakeBackend) {
	t.Helper()
	cacheDir := t.TempDir()
	s := newTestState(t)
	s.Cache = NewContentCache(cacheDir, method)
	r := ccRule()
	r.Cache = true
	if err := s.AddRule(r); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.c", []byte("src"), 0644); err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{}
	fb.run = func(attrs SubmitAttrs) JobRpcEnd { return writeTarget(t, "a.out", "obj") }
	s.Backend = fb
	return s, fb
}

// After deleting the targets of a cached job, the next make downloads
// from the cache instead of resubmitting.
func TestCacheHitAfterUnlink(t *testing.T) {
	s, fb := cachedState(t, CacheMethodPlain)
	r := s.AddReq(os.Stderr)

	s.MakeTarget(r, "a.out")
	if fb.submits != 1 {
		t.Fatalf("submits=%d", fb.submits)
	}
	if err := os.Remove("a.out"); err != nil {
		t.Fatal(err)
	}
	s.MakeTarget(r, "a.out")
	if fb.submits != 1 {
		t.Fatalf("cache hit still submitted: submits=%d", fb.submits)
	}
	data, err := os.ReadFile("a.out")
	if err != nil || string(data) != "obj" {
		t.Fatalf("materialized content %q err %v", data, err)
	}
	idx, _ := s.LookupNode("a.out")
	j := s.Job(s.Node(idx).actualJobTgt_)
	if j.exeTimeMs_ != 0 {
		t.Fatalf("cache hit exe_time=%d, want 0", j.exeTimeMs_)
	}
}

// Download policy never writes: a job run under it stores no entry.
func TestCacheDownloadIsReadOnly(t *testing.T) {
	s, fb := cachedState(t, CacheMethodDownload)
	r := s.AddReq(os.Stderr)
	s.MakeTarget(r, "a.out")
	if fb.submits != 1 {
		t.Fatalf("submits=%d", fb.submits)
	}
	if s.Cache.TotalZSz() != 0 {
		t.Fatal("download-only cache stored an entry")
	}
}

// Identical (rule, ordered dep crcs) produce identical entries;
// Check mode detects byte-level divergence.
func TestCacheCheckCoherence(t *testing.T) {
	chdir(t, t.TempDir())
	s := NewState()
	r := ccRule()
	r.Cache = true
	if err := s.AddRule(r); err != nil {
		t.Fatal(err)
	}
	c := NewContentCache(t.TempDir(), CacheMethodCheck)
	s.Cache = c

	if err := os.WriteFile("a.out", []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	crc, _, _ := HashFile("a.out")
	jIdx := s.AddJob(Job{rule_: r, stems_: map[string]string{}, status_: JobStatusOk})
	j := s.Job(jIdx)
	j.targets_ = []Target{{node: s.GetNode("a.out"), crc: crc}}

	fp := NewPlainCrc(0xabcdef, false)
	if err := c.Upload("cc", fp, s, jIdx); err != nil {
		t.Fatal(err)
	}
	// Identical re-upload is fine.
	if err := c.Upload("cc", fp, s, jIdx); err != nil {
		t.Fatal(err)
	}
	// Diverging content under the same key is fatal cache incoherence.
	if err := os.WriteFile("a.out", []byte("different"), 0644); err != nil {
		t.Fatal(err)
	}
	err := c.Upload("cc", fp, s, jIdx)
	if err == nil {
		t.Fatal("diverging upload accepted in Check mode")
	}
	if _, ok := err.(*ErrCacheCoherence); !ok {
		t.Fatalf("got %T, want ErrCacheCoherence", err)
	}
}

func TestCacheRoundTripPayload(t *testing.T) {
	chdir(t, t.TempDir())
	s := NewState()
	r := &Rule{Name: "multi", Targets: []TargetPattern{{Name: "one"}, {Name: "two"}}, Command: "x", Cache: true}
	if err := s.AddRule(r); err != nil {
		t.Fatal(err)
	}
	c := NewContentCache(t.TempDir(), CacheMethodPlain)
	s.Cache = c

	if err := os.WriteFile("one", bytes.Repeat([]byte("a"), 1000), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("two", []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}
	crc1, _, _ := HashFile("one")
	crc2, _, _ := HashFile("two")
	jIdx := s.AddJob(Job{rule_: r, stems_: map[string]string{}, status_: JobStatusOk})
	j := s.Job(jIdx)
	j.targets_ = []Target{
		{node: s.GetNode("one"), crc: crc1},
		{node: s.GetNode("two"), crc: crc2},
	}
	fp := NewPlainCrc(0x1234, false)
	if err := c.Upload("multi", fp, s, jIdx); err != nil {
		t.Fatal(err)
	}

	os.Remove("one")
	os.Remove("two")
	entry, ok := c.Lookup("multi", fp)
	if !ok {
		t.Fatal("entry not found")
	}
	if err := c.Materialize(entry, s, jIdx); err != nil {
		t.Fatal(err)
	}
	one, _ := os.ReadFile("one")
	two, _ := os.ReadFile("two")
	if len(one) != 1000 || string(two) != "second" {
		t.Fatalf("payloads corrupted: %d bytes, %q", len(one), two)
	}
	if c.TotalZSz() <= 0 {
		t.Fatal("total_z_sz not tracked")
	}
}

func TestCacheMethodFor(t *testing.T) {
	c := NewContentCache(t.TempDir(), CacheMethodPlain)
	c.PerRule["special"] = CacheMethodNone
	if got := c.MethodFor(&Rule{Name: "special"}); got != CacheMethodNone {
		t.Fatalf("per-rule override ignored: %s", got)
	}
	if got := c.MethodFor(&Rule{Name: "other"}); got != CacheMethodPlain {
		t.Fatalf("default method: %s", got)
	}
}
