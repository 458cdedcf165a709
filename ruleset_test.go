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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRules = `
config:
  lnk_support: full
  path_max: 200
  cache: plain
sources:
  - a.c
  - lib/util.c
rules:
  - name: cc
    prio: 1
    stems:
      File: "[a-z]+"
    targets:
      - name: "{File}.o"
    deps:
      - "{File}.c"
    cmd: "cc -c {File}.c -o {File}.o"
  - name: link
    targets:
      - name: prog
        flags: [optional]
    deps:
      - a.o
    cmd: "cc a.o -o prog"
  - name: no-scratch
    anti: true
    targets:
      - name: "scratch/.*"
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRuleFile(t *testing.T) {
	rf, err := LoadRuleFile(writeRules(t, sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	if rf.Config.LnkSupportOf() != LnkSupportFull {
		t.Fatalf("lnk_support: %d", rf.Config.LnkSupportOf())
	}
	if rf.Config.CacheMethodOf() != CacheMethodPlain {
		t.Fatalf("cache: %s", rf.Config.CacheMethodOf())
	}
	if len(rf.Sources) != 2 || len(rf.Rules) != 3 {
		t.Fatalf("sources=%d rules=%d", len(rf.Sources), len(rf.Rules))
	}

	s := NewState()
	if err := rf.Apply(s); err != nil {
		t.Fatal(err)
	}
	if s.PathMax != 200 {
		t.Fatalf("path_max: %d", s.PathMax)
	}
	// source rule + 3 declared rules
	if len(s.Rules()) != 4 {
		t.Fatalf("rules applied: %d", len(s.Rules()))
	}

	// Stems resolve: "{File}.o" matches foo.o.
	idx := s.GetNode("foo.o")
	s.setBuildable(idx)
	if s.Node(idx).buildable_ != BuildableYes {
		t.Fatal("foo.o not matched by cc rule")
	}
	// Sources are marked Src.
	srcIdx := s.GetNode("a.c")
	s.setBuildable(srcIdx)
	if !s.Node(srcIdx).src_ {
		t.Fatal("a.c not marked as source")
	}
}

func TestLoadRuleFileErrors(t *testing.T) {
	data := []struct {
		name, yaml, field string
	}{
		{
			"missing cmd",
			"rules:\n  - name: r\n    targets:\n      - name: t\n",
			".cmd",
		},
		{
			"no targets",
			"rules:\n  - name: r\n    cmd: x\n",
			".targets",
		},
		{
			"duplicate rule",
			"rules:\n  - name: r\n    targets: [{name: a}]\n    cmd: x\n  - name: r\n    targets: [{name: b}]\n    cmd: y\n",
			".name",
		},
		{
			"bad flag",
			"rules:\n  - name: r\n    targets:\n      - name: t\n        flags: [bogus]\n    cmd: x\n",
			".flags",
		},
		{
			"bad lnk_support",
			"config:\n  lnk_support: sometimes\n",
			"config.lnk_support",
		},
	}
	for _, d := range data {
		_, err := LoadRuleFile(writeRules(t, d.yaml))
		if err == nil {
			t.Fatalf("%s: no error", d.name)
		}
		var bad *ErrBadMakefile
		if !errors.As(err, &bad) {
			t.Fatalf("%s: got %T, want ErrBadMakefile", d.name, err)
		}
		if !strings.Contains(bad.Field, d.field) {
			t.Fatalf("%s: field %q does not name %q", d.name, bad.Field, d.field)
		}
	}
}

func TestLoadRuleFileMissing(t *testing.T) {
	_, err := LoadRuleFile(filepath.Join(t.TempDir(), "nope.yaml"))
	var bad *ErrBadMakefile
	if !errors.As(err, &bad) {
		t.Fatalf("got %T, want ErrBadMakefile", err)
	}
	if RcFor(err) != RcBadMakefile {
		t.Fatalf("rc: %d", RcFor(err))
	}
}
