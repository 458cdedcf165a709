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

// Content fingerprints, tagged by file kind so that identical bytes under
// different kinds never compare equal.

package lmake

import (
	"encoding/binary"
	"fmt"
)

// FileTag classifies what kind of filesystem object a FileInfo describes.
type FileTag uint8

const (
	TagNone FileTag = iota
	TagUnknown
	TagDir
	TagLnk
	TagReg
	TagEmpty
	TagExe
)

func (t FileTag) String() string {
	switch t {
	case TagNone:
		return "None"
	case TagUnknown:
		return "Unknown"
	case TagDir:
		return "Dir"
	case TagLnk:
		return "Lnk"
	case TagReg:
		return "Reg"
	case TagEmpty:
		return "Empty"
	case TagExe:
		return "Exe"
	default:
		return "Tag(?)"
	}
}

// IsTarget is true for tags a job can produce: tag >= Lnk.
func (t FileTag) IsTarget() bool { return t >= TagLnk }

// Bool3 is the tri-state used throughout the protocol: No/Maybe/Yes.
type Bool3 int8

const (
	No Bool3 = iota - 1
	Maybe
	Yes
)

func (b Bool3) String() string {
	switch b {
	case No:
		return "No"
	case Maybe:
		return "Maybe"
	case Yes:
		return "Yes"
	default:
		return "Bool3(?)"
	}
}

// crcSpecial enumerates the distinguished Crc values.
type crcSpecial uint8

const (
	crcSpecialUnknown crcSpecial = iota
	crcSpecialPlain
	crcSpecialNone
	crcSpecialEmpty
)

// ChkMsk is the low-bits mask used to detect a near crc clash: two crcs
// that differ, but whose low ChkMsk bits agree, are considered
// dangerously close and treated as fatal.
const ChkMsk = 0xff

// Crc is a content fingerprint tagged by kind. The zero value
// is CrcUnknown.
type Crc struct {
	special_ crcSpecial
	isLnk_   Bool3 // Maybe means "not yet known to be either kind"
	val_     uint64
}

var (
	CrcUnknown = Crc{special_: crcSpecialUnknown, isLnk_: Maybe}
	CrcNone    = Crc{special_: crcSpecialNone, isLnk_: Maybe}
	CrcEmpty   = Crc{special_: crcSpecialEmpty, isLnk_: No}
)

// NewPlainCrc builds a content crc from a raw hash value, tagged by whether
// the content hashed was a symlink target or regular-file bytes.
func NewPlainCrc(hash uint64, isLnk bool) Crc {
	b := No
	if isLnk {
		b = Yes
	}
	return Crc{special_: crcSpecialPlain, isLnk_: b, val_: hash}
}

func (c Crc) valid() bool        { return c.special_ == crcSpecialPlain || c.special_ == crcSpecialEmpty }
func (c Crc) plain() bool        { return c.special_ == crcSpecialPlain }
func (c Crc) IsReg() bool        { return c.valid() && c.isLnk_ == No }
func (c Crc) IsLnk() bool        { return c.valid() && c.isLnk_ == Yes }
func (c Crc) IsNone() bool       { return c == CrcNone }
func (c Crc) IsUnknown() bool    { return c == CrcUnknown }
func (c Crc) Equal(o Crc) bool   { return c == o }

func (c Crc) String() string {
	switch c.special_ {
	case crcSpecialUnknown:
		return "unknown"
	case crcSpecialNone:
		return "none"
	case crcSpecialEmpty:
		return "empty-R"
	default:
		suffix := "-R"
		if c.isLnk_ == Yes {
			suffix = "-L"
		}
		return fmt.Sprintf("%016x%s", c.val_, suffix)
	}
}

// DiffAccesses returns the minimum set of Accesses that would perceive a
// difference between c (the recorded crc) and o (the current crc). It reports
// ErrCrcClash when two distinct contents collide on enough hash bits to be
// indistinguishable from noise.
func (c Crc) DiffAccesses(o Crc) (Accesses, error) {
	if c.valid() && o.valid() {
		if c == o {
			return Accesses(0), nil
		}
		if (c.val_^o.val_)&ChkMsk == 0 && (c.plain() || o.plain()) {
			return FullAccesses, &ErrCrcClash{A: c, B: o}
		}
	}
	switch {
	case c.IsReg():
		switch {
		case o.IsReg():
			return Accesses(AccessReg), nil
		case o.IsLnk():
			return AccessStat.Complement(), nil
		case o.IsNone():
			return AccessLnk.Complement(), nil
		}
	case c.IsLnk():
		switch {
		case o.IsReg():
			return AccessStat.Complement(), nil
		case o.IsLnk():
			return Accesses(AccessLnk), nil
		case o.IsNone():
			return AccessReg.Complement(), nil
		}
	case c.IsNone():
		switch {
		case o.IsReg():
			return AccessLnk.Complement(), nil
		case o.IsLnk():
			return AccessReg.Complement(), nil
		}
	}
	return FullAccesses, nil
}

// GobEncode makes Crc wire-safe despite its unexported fields: cache entry
// blobs and DepVerbose replies carry Crcs inside gob frames.
func (c Crc) GobEncode() ([]byte, error) {
	buf := make([]byte, 10)
	buf[0] = byte(c.special_)
	buf[1] = byte(c.isLnk_ + 1)
	binary.BigEndian.PutUint64(buf[2:], c.val_)
	return buf, nil
}

func (c *Crc) GobDecode(b []byte) error {
	if len(b) != 10 {
		return fmt.Errorf("crc: bad wire length %d", len(b))
	}
	c.special_ = crcSpecial(b[0])
	c.isLnk_ = Bool3(b[1]) - 1
	c.val_ = binary.BigEndian.Uint64(b[2:])
	return nil
}

// ErrCrcClash is the fatal error raised when two distinct contents collide
// on enough hash bits to be indistinguishable from noise.
type ErrCrcClash struct{ A, B Crc }

func (e *ErrCrcClash) Error() string {
	return fmt.Sprintf("near crc clash, must increase crc size: %s vs %s", e.A, e.B)
}
