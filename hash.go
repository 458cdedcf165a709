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

// One-shot content hashing: streamed xxHash of a file's bytes (or link
// target), salted per file kind.

package lmake

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DiskBufSz bounds the read buffer used while streaming a file through the
// hasher.
const DiskBufSz = 64 * 1024

// lnkSecret / exeSecret salt the hash so that identical byte streams
// hashed under a different FileTag never collide. They are fixed, arbitrary constants, not real secrets.
var (
	lnkSecret = xxhash.Sum64String("open-lmake/lnk-secret/v1")
	exeSecret = xxhash.Sum64String("open-lmake/exe-secret/v1")
)

// newSeededHasher returns an xxhash state pre-seeded per FileTag: Reg gets
// no secret, Lnk and Exe each get their
// own so identical bytes hashed under a different kind never collide.
func newSeededHasher(tag FileTag) *xxhash.Digest {
	d := xxhash.New()
	var seed uint64
	switch tag {
	case TagLnk:
		seed = lnkSecret
	case TagExe:
		seed = exeSecret
	}
	if seed != 0 {
		var seedBuf [8]byte
		for i := range seedBuf {
			seedBuf[i] = byte(seed >> (8 * uint(i)))
		}
		d.Write(seedBuf[:])
	}
	return d
}

func seededDigest(tag FileTag, data []byte) uint64 {
	d := newSeededHasher(tag)
	d.Write(data)
	return d.Sum64()
}

// FileInfo is (size, date, tag) for a filesystem entry.
type FileInfo struct {
	Size int64
	Date time.Time
	Tag  FileTag
}

// FileSig is the compact, re-stat-able version of FileInfo kept per access.
type FileSig struct {
	Size int64
	Date int64 // unix nanos
	Tag  FileTag
}

func (fi FileInfo) Sig() FileSig {
	return FileSig{Size: fi.Size, Date: fi.Date.UnixNano(), Tag: fi.Tag}
}

// Matches reports whether a fresh stat still matches this signature.
func (s FileSig) Matches(fresh FileSig) bool { return s == fresh }

// StatFileInfo lstats path and classifies it into a FileInfo, never
// following symlinks.
func StatFileInfo(path string) (FileInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileInfo{Tag: TagNone}, nil
		}
		return FileInfo{}, err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return FileInfo{Size: fi.Size(), Date: fi.ModTime(), Tag: TagLnk}, nil
	case fi.IsDir():
		return FileInfo{Size: fi.Size(), Date: fi.ModTime(), Tag: TagDir}, nil
	case fi.Size() == 0 && fi.Mode().IsRegular():
		return FileInfo{Size: 0, Date: fi.ModTime(), Tag: TagEmpty}, nil
	case fi.Mode()&0111 != 0:
		return FileInfo{Size: fi.Size(), Date: fi.ModTime(), Tag: TagExe}, nil
	default:
		return FileInfo{Size: fi.Size(), Date: fi.ModTime(), Tag: TagReg}, nil
	}
}

// HashFile computes the content Crc of path: streamed xxhash of the bytes
// for a regular/exe file (seeded per FileTag), of the link target for a
// symlink, and the distinguished CrcEmpty/CrcNone values for the empty and
// missing cases.
func HashFile(path string) (Crc, FileInfo, error) {
	fi, err := StatFileInfo(path)
	if err != nil {
		return CrcUnknown, FileInfo{}, err
	}
	switch fi.Tag {
	case TagNone:
		return CrcNone, fi, nil
	case TagEmpty:
		return CrcEmpty, fi, nil
	case TagLnk:
		target, err := os.Readlink(path)
		if err != nil {
			return CrcUnknown, fi, err
		}
		return NewPlainCrc(seededDigest(TagLnk, []byte(target)), true), fi, nil
	case TagDir:
		return CrcUnknown, fi, nil
	default: // TagReg, TagExe
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return CrcUnknown, fi, err
		}
		defer f.Close()
		d := newSeededHasher(fi.Tag)
		buf := make([]byte, DiskBufSz)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				d.Write(buf[:n])
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				if errors.Is(rerr, os.ErrClosed) {
					break
				}
				return CrcUnknown, fi, rerr
			}
		}
		return NewPlainCrc(d.Sum64(), false), fi, nil
	}
}
