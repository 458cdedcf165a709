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

import "testing"

func TestAccessDigestUnion(t *testing.T) {
	read := NewAccessDigest().WithAccesses(Accesses(AccessReg))
	stat := NewAccessDigest().WithAccesses(Accesses(AccessStat))
	write := NewAccessDigest().WithWrite(WriteYes)

	u := read.Union(stat)
	if !u.Accesses().Has(AccessReg) || !u.Accesses().Has(AccessStat) {
		t.Fatalf("read sides must unite: %s", u.Accesses())
	}

	// Once write is final, later reads see the job's own output, not the dep.
	u = write.Union(read)
	if u.Accesses().Has(AccessReg) {
		t.Fatalf("read side united past a final write: %s", u.Accesses())
	}
	if u.Write() != WriteYes {
		t.Fatalf("write level lost: %s", u.Write())
	}

	// A maybe-write does not freeze the read side.
	u = NewAccessDigest().WithWrite(WriteMaybe).Union(read)
	if !u.Accesses().Has(AccessReg) {
		t.Fatal("maybe-write must not freeze the read side")
	}
}

func TestWriteLattice(t *testing.T) {
	data := []struct {
		a, b, want Write
	}{
		{WriteNo, WriteNo, WriteNo},
		{WriteNo, WriteMaybe, WriteMaybe},
		{WriteMaybe, WriteYes, WriteYes},
		{WriteYes, WriteNo, WriteYes},
	}
	for _, d := range data {
		if got := d.a.Max(d.b); got != d.want {
			t.Fatalf("%s max %s: got %s, want %s", d.a, d.b, got, d.want)
		}
	}
}

func TestMatchFlagsUnion(t *testing.T) {
	a := MatchFlags{Optional: true}
	b := MatchFlags{Incremental: true, SourceOk: true}
	u := a.Union(b)
	if !u.Optional || !u.Incremental || !u.SourceOk {
		t.Fatalf("flags must unite: %+v", u)
	}
	if u.NoStar || u.Codec {
		t.Fatalf("unexpected flags set: %+v", u)
	}
}

func TestClassifyDigest(t *testing.T) {
	data := []struct {
		kind     SyscallKind
		accesses Accesses
		write    Write
	}{
		{SyscallOpenRead, Accesses(AccessReg), WriteNo},
		{SyscallOpenWriteTrunc, 0, WriteYes},
		{SyscallOpenCreateExcl, Accesses(AccessStat), WriteYes},
		{SyscallReadlink, Accesses(AccessLnk), WriteNo},
		{SyscallStat, Accesses(AccessStat), WriteNo},
		{SyscallUnlink, 0, WriteYes},
		{SyscallChmodExeFlip, Accesses(AccessReg), WriteYes},
	}
	for _, d := range data {
		got := classifyDigest(d.kind, false)
		if got.Accesses() != d.accesses || got.Write() != d.write {
			t.Fatalf("kind %d: got %s/%s, want %s/%s", d.kind, got.Accesses(), got.Write(), d.accesses, d.write)
		}
	}
	// ignore_stat drops the Stat probe entirely.
	if d := classifyDigest(SyscallStat, true); d.Any() {
		t.Fatalf("ignore_stat: stat still reported: %s", d.Accesses())
	}
}
