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
	"path/filepath"
	"testing"
)

func TestNfsGuardNoneIsNoop(t *testing.T) {
	g := NewNfsGuard(FileSyncNone)
	if err := g.Change("/nonexistent/path/file"); err != nil {
		t.Fatalf("none-mode change touched the filesystem: %v", err)
	}
	if err := g.Access("/nonexistent/path/file"); err != nil {
		t.Fatalf("none-mode access touched the filesystem: %v", err)
	}
}

func TestNfsGuardDirSync(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	g := NewNfsGuard(FileSyncDir)
	if err := g.Change(p); err != nil {
		t.Fatal(err)
	}
	// The dirtied parent is revalidated on the next read.
	if err := g.Access(p); err != nil {
		t.Fatal(err)
	}
	// A never-dirtied dir is not reopened.
	if err := g.Access(filepath.Join(t.TempDir(), "g")); err != nil {
		t.Fatal(err)
	}
}
