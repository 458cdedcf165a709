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

// Codec table: a persistent (table, context) -> (code <-> value) bijection
// queryable from inside jobs through the autodep backdoor.

package lmake

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// CodecNId / CodecSharedTimeout shape the shared/exclusive table lock.
const (
	CodecNId           = 16
	CodecSharedTimeout = 10 * time.Second
)

// CodecLock is a shared/exclusive per-table lock serializing server
// maintenance against concurrent job requests. Modeled as an in-process
// semaphore: every codec access funnels through the server process, so
// cross-process flock(2) exclusion would have no second party.
type CodecLock struct {
	sem chan struct{}
}

func NewCodecLock() *CodecLock { return &CodecLock{sem: make(chan struct{}, CodecNId)} }

func (l *CodecLock) RLock()   { l.sem <- struct{}{} }
func (l *CodecLock) RUnlock() { <-l.sem }

func (l *CodecLock) Lock() {
	for i := 0; i < CodecNId; i++ {
		l.sem <- struct{}{}
	}
}
func (l *CodecLock) Unlock() {
	for i := 0; i < CodecNId; i++ {
		<-l.sem
	}
}

// CodecTable is one persistent (table, context) namespace, stored as a
// directory of content-addressed symlinks: a forward
// symlink `ctx*<hex-crc-of-val>.encode -> <code>.decode`-suffix and a
// reverse symlink `ctx*<code>.decode -> store/<base64(crc)>`, with the
// actual value content stored at that target.
type CodecTable struct {
	Dir  string
	lock *CodecLock
	mu   sync.Mutex
}

func OpenCodecTable(dir string) (*CodecTable, error) {
	if err := os.MkdirAll(filepath.Join(dir, "store"), 0755); err != nil {
		return nil, err
	}
	return &CodecTable{Dir: dir, lock: NewCodecLock()}, nil
}

func (t *CodecTable) encodeLinkName(ctx string, crc Crc) string {
	return filepath.Join(t.Dir, fmt.Sprintf("%s*%s.encode", ctx, crc))
}
func (t *CodecTable) decodeLinkName(ctx, code string) string {
	return filepath.Join(t.Dir, fmt.Sprintf("%s*%s.decode", ctx, code))
}
func (t *CodecTable) storePath(crc Crc) string {
	return filepath.Join(t.Dir, "store", base64.RawURLEncoding.EncodeToString([]byte(crc.String())))
}

// Encode computes Crc(val), finds or creates a code for it starting at
// minLen hex digits and lengthening one digit at a time on collision.
func (t *CodecTable) Encode(ctx string, val []byte, minLen int) (string, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	crc := NewPlainCrc(seededDigest(TagReg, val), false)
	encLink := t.encodeLinkName(ctx, crc)
	if target, err := os.Readlink(encLink); err == nil {
		return strings.TrimSuffix(filepath.Base(target), ".decode"), nil
	}

	store := t.storePath(crc)
	if _, err := os.Stat(store); err != nil {
		if err := os.WriteFile(store, val, 0644); err != nil {
			return "", err
		}
	}

	for length := minLen; ; length++ {
		code := crc.String()
		if len(code) > length {
			code = code[:length]
		}
		decLink := t.decodeLinkName(ctx, code)
		decTarget := fmt.Sprintf("store/%s", filepath.Base(store))
		if err := os.Symlink(decTarget, decLink); err != nil {
			if os.IsExist(err) {
				existing, rerr := os.Readlink(decLink)
				if rerr == nil && existing == decTarget {
					// same value already has this code: fall through to link encode
				} else {
					continue // collision on a different value: lengthen
				}
			} else {
				return "", err
			}
		}
		encTarget := fmt.Sprintf("%s*%s.decode", ctx, code)
		if err := os.Symlink(encTarget, encLink); err != nil && !os.IsExist(err) {
			return "", err
		}
		return code, nil
	}
}

// Decode is the symmetric read.
func (t *CodecTable) Decode(ctx, code string) ([]byte, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	decLink := t.decodeLinkName(ctx, code)
	target, err := os.Readlink(decLink)
	if err != nil {
		return nil, fmt.Errorf("codec: unknown code %q in %s/%s", code, t.Dir, ctx)
	}
	return os.ReadFile(filepath.Join(t.Dir, target))
}

// CodecRegistry holds every open CodecTable by name, the unit the
// autodep backdoor's Encode/Decode commands address.
type CodecRegistry struct {
	mu     sync.Mutex
	Dir    string
	tables map[string]*CodecTable
}

func NewCodecRegistry(dir string) *CodecRegistry {
	return &CodecRegistry{Dir: dir, tables: map[string]*CodecTable{}}
}

func (r *CodecRegistry) Table(name string) (*CodecTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[name]; ok {
		return t, nil
	}
	t, err := OpenCodecTable(filepath.Join(r.Dir, name))
	if err != nil {
		return nil, err
	}
	r.tables[name] = t
	return t, nil
}
