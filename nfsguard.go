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

// NfsGuard: defeats stale NFS caches by fsync'ing the parent directory
// after a mutation and opening it before a read.

package lmake

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileSync selects whether filesystem mutations are guarded.
type FileSync uint8

const (
	FileSyncNone FileSync = iota
	FileSyncDir
)

// NfsGuard wraps every mutating filesystem op the engine performs. With
// FileSyncNone it is a no-op; with FileSyncDir it tracks which parent
// directories have been dirtied and synchronizes them on demand.
type NfsGuard struct {
	Sync FileSync

	dirty map[string]bool
}

func NewNfsGuard(sync FileSync) *NfsGuard {
	return &NfsGuard{Sync: sync, dirty: map[string]bool{}}
}

// Change records that path's parent directory was mutated and fsyncs it.
func (g *NfsGuard) Change(path string) error {
	if g.Sync == FileSyncNone {
		return nil
	}
	dir := filepath.Dir(path)
	g.dirty[dir] = true
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}

// Access opens path's parent directory before a read, forcing the NFS
// client to revalidate its attribute cache.
func (g *NfsGuard) Access(path string) error {
	if g.Sync == FileSyncNone {
		return nil
	}
	dir := filepath.Dir(path)
	if !g.dirty[dir] {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	return f.Close()
}
