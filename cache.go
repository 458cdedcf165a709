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

// Content-addressed job-output cache, keyed by the
// dep-crc fingerprint of the job that produced an entry. Payloads are
// zstd-compressed by default, with a flate fallback.

package lmake

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressKind records which codec a cached payload used, so Download can
// pick the matching decoder without guessing.
type CompressKind uint8

const (
	CompressNone CompressKind = iota
	CompressZstd
	CompressFlate
)

// CacheEntry is one cached job outcome: a serialized JobInfo blob plus the
// concatenation of per-target payloads. The payloads carry no size prefix;
// each target's FileTag and size are recorded in Info.Targets, in payload
// order.
type CacheEntry struct {
	Key       string
	Info      JobInfo
	TargetBuf []byte // concatenation of unprefixed payloads, possibly compressed
	Compress  CompressKind
}

// JobInfo is the serialized per-job metadata stored alongside a cache
// entry's target payloads.
type JobInfo struct {
	Rule      string
	Stdout    string
	Stderr    string
	ExeTimeMs int64
	Targets   []CachedTarget
}

// CachedTarget is one target's recorded shape inside a cache entry.
type CachedTarget struct {
	Path string
	Tag  FileTag
	Size int64
	Crc  Crc
}

// ContentCache is the engine-facing handle onto the cache store. Eviction
// is the cache server's own concern; this type only tracks aggregate
// totals for reporting.
type ContentCache struct {
	Dir     string // on-disk root, one directory per entry
	Method  CacheMethod
	PerRule map[string]CacheMethod // rule name override, "" falls back to Method

	mu        sync.Mutex
	totalZSz_ int64
	exeTimeMs_ int64
}

func NewContentCache(dir string, method CacheMethod) *ContentCache {
	return &ContentCache{Dir: dir, Method: method, PerRule: map[string]CacheMethod{}}
}

// MethodFor resolves the effective CacheMethod for a rule.
func (c *ContentCache) MethodFor(r *Rule) CacheMethod {
	if m, ok := c.PerRule[r.Name]; ok {
		return m
	}
	return c.Method
}

func (c *ContentCache) entryDir(rule string, fp Crc) string {
	key := entryKey(rule, fp)
	// Plain two-level directory layout, no hardlinks: the first two hex
	// chars fan out the directory, the rest names the entry. Each file of
	// an entry is published by writeAtomic's tmp-file rename.
	return filepath.Join(c.Dir, key[:2], key[2:])
}

func entryKey(rule string, fp Crc) string {
	h := sha256.Sum256([]byte(rule + "\x00" + fp.String()))
	return hex.EncodeToString(h[:])
}

// Lookup reads an existing entry, if any.
func (c *ContentCache) Lookup(rule string, fp Crc) (CacheEntry, bool) {
	dir := c.entryDir(rule, fp)
	infoPath := filepath.Join(dir, "info")
	dataPath := filepath.Join(dir, "data")
	infoBytes, err := os.ReadFile(infoPath)
	if err != nil {
		return CacheEntry{}, false
	}
	dataBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return CacheEntry{}, false
	}
	var info JobInfo
	if err := gobDecode(infoBytes, &info); err != nil {
		return CacheEntry{}, false
	}
	return CacheEntry{Key: entryKey(rule, fp), Info: info, TargetBuf: dataBytes, Compress: sniffCompress(dataBytes)}, true
}

func sniffCompress(b []byte) CompressKind {
	if len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd {
		return CompressZstd
	}
	return CompressFlate
}

// Materialize writes an entry's targets to disk for j, unlinking any
// pre-existing pollution first.
func (c *ContentCache) Materialize(entry CacheEntry, s *State, j JobIdx) error {
	r, err := newPayloadReader(entry.TargetBuf, entry.Compress)
	if err != nil {
		return err
	}
	defer r.Close()
	job := s.Job(j)
	job.targets_ = job.targets_[:0]
	for _, ct := range entry.Info.Targets {
		if fi, err := os.Lstat(ct.Path); err == nil && fi.Mode().IsRegular() {
			os.Remove(ct.Path) // FileAction: unlink pre-existing pollution
		}
		if err := os.MkdirAll(filepath.Dir(ct.Path), 0755); err != nil {
			return err
		}
		data := make([]byte, ct.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("cache: materialize %s: %w", ct.Path, err)
		}
		mode := os.FileMode(0644)
		if ct.Tag == TagExe {
			mode = 0755
		}
		if err := os.WriteFile(ct.Path, data, mode); err != nil {
			return err
		}
		nIdx := s.GetNode(ct.Path)
		s.Node(nIdx).crc_ = ct.Crc
		job.targets_ = append(job.targets_, Target{node: nIdx, crc: ct.Crc})
	}
	job.stdout_, job.stderr_ = entry.Info.Stdout, entry.Info.Stderr
	return nil
}

// Upload compresses and stores j's targets keyed by (rule, fp). In Check
// mode, an existing entry must match byte-for-byte or the upload is a
// fatal CacheCoherence error.
func (c *ContentCache) Upload(rule string, fp Crc, s *State, j JobIdx) error {
	job := s.Job(j)
	var raw bytes.Buffer
	info := JobInfo{Rule: rule, Stdout: job.stdout_, Stderr: job.stderr_, ExeTimeMs: job.exeTimeMs_}
	for _, t := range job.targets_ {
		n := s.Node(t.node)
		data, err := os.ReadFile(n.path_)
		if err != nil {
			return err
		}
		fi, _ := StatFileInfo(n.path_)
		info.Targets = append(info.Targets, CachedTarget{Path: n.path_, Tag: fi.Tag, Size: int64(len(data)), Crc: t.crc})
		raw.Write(data)
	}
	compressed, kind, err := compressPayload(raw.Bytes())
	if err != nil {
		return err
	}

	dir := c.entryDir(rule, fp)
	dataPath := filepath.Join(dir, "data")
	method := c.MethodFor(job.rule_)
	if method == CacheMethodCheck {
		if existing, err := os.ReadFile(dataPath); err == nil {
			if !bytes.Equal(existing, compressed) {
				return &ErrCacheCoherence{Key: entryKey(rule, fp)}
			}
			return nil // already identical, nothing to do
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	infoBuf, err := gobEncode(info)
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, "info"), infoBuf); err != nil {
		return err
	}
	if err := writeAtomic(dataPath, compressed); err != nil {
		return err
	}
	c.mu.Lock()
	c.totalZSz_ += int64(len(compressed))
	c.exeTimeMs_ += job.exeTimeMs_
	c.mu.Unlock()
	_ = kind
	return nil
}

// TotalZSz / ExeTime report aggregate cache stats.
func (c *ContentCache) TotalZSz() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalZSz_
}
func (c *ContentCache) ExeTimeMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exeTimeMs_
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func gobEncode(v any) ([]byte, error) {
	var buf countingBuf
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.b, nil
}

func compressPayload(raw []byte) ([]byte, CompressKind, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return flatePayload(raw)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), CompressZstd, nil
}

func flatePayload(raw []byte) ([]byte, CompressKind, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, CompressNone, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, CompressNone, err
	}
	if err := w.Close(); err != nil {
		return nil, CompressNone, err
	}
	return buf.Bytes(), CompressFlate, nil
}

func newPayloadReader(data []byte, kind CompressKind) (io.ReadCloser, error) {
	switch kind {
	case CompressZstd:
		d, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case CompressFlate:
		return flate.NewReader(bytes.NewReader(data)), nil
	default:
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}
