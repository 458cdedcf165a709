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

// Access algebra: how a job's command was observed to touch each file.

package lmake

import "strings"

// Access is how a job's command was observed to sense a file.
type Access uint8

const (
	// AccessLnk means the path was observed via a readlink-family syscall.
	AccessLnk Access = 1 << iota
	// AccessReg means the path was observed via open/read-family syscalls.
	AccessReg
	// AccessStat means only existence or metadata was sensed (stat/access/...).
	AccessStat
	// AccessErr means the dep is sensitive to the producing job's ok status.
	AccessErr
)

func (a Access) String() string {
	switch a {
	case AccessLnk:
		return "Lnk"
	case AccessReg:
		return "Reg"
	case AccessStat:
		return "Stat"
	case AccessErr:
		return "Err"
	default:
		return "Access(?)"
	}
}

// Accesses is a set of Access values.
type Accesses uint8

// FullAccesses is the set containing every Access variant.
const FullAccesses = Accesses(AccessLnk | AccessReg | AccessStat | AccessErr)

func (a Accesses) Has(x Access) bool { return a&Accesses(x) != 0 }
func (a Accesses) With(x Access) Accesses { return a | Accesses(x) }
func (a Accesses) Without(x Access) Accesses { return a &^ Accesses(x) }
func (a Accesses) Union(b Accesses) Accesses { return a | b }
func (a Accesses) Empty() bool { return a == 0 }

// Complement is the set of every Access except a, used by DiffAccesses.
func (a Access) Complement() Accesses { return FullAccesses &^ Accesses(a) }

func (a Accesses) String() string {
	if a == 0 {
		return "{}"
	}
	var parts []string
	for _, x := range []Access{AccessLnk, AccessReg, AccessStat, AccessErr} {
		if a.Has(x) {
			parts = append(parts, x.String())
		}
	}
	return "{" + strings.Join(parts, "|") + "}"
}

// Write is the three-valued write state of a path over a job's lifetime:
// No, Maybe (reported pre-syscall, awaiting Confirm) or Yes.
type Write uint8

const (
	WriteNo Write = iota
	WriteMaybe
	WriteYes
)

func (w Write) String() string {
	switch w {
	case WriteNo:
		return "No"
	case WriteMaybe:
		return "Maybe"
	case WriteYes:
		return "Yes"
	default:
		return "Write(?)"
	}
}

// Max implements the No < Maybe < Yes lattice join used by AccessDigest.Union.
func (w Write) Max(o Write) Write {
	if o > w {
		return o
	}
	return w
}

// MatchFlags are the static/star dep-flags and extra target-flags of a
// rule's patterns.
type MatchFlags struct {
	Allow        bool
	Optional     bool
	Incremental  bool
	NoUniquify   bool
	SourceOk     bool
	Readdir      bool
	IgnoreError  bool
	NoStar       bool
	Codec        bool
	CreateEncode bool
	NoHot        bool
}

// Union merges two flag sets; a flag true in either side stays true
// (matches AccessDigest's "flags unite").
func (f MatchFlags) Union(o MatchFlags) MatchFlags {
	return MatchFlags{
		Allow:        f.Allow || o.Allow,
		Optional:     f.Optional || o.Optional,
		Incremental:  f.Incremental || o.Incremental,
		NoUniquify:   f.NoUniquify || o.NoUniquify,
		SourceOk:     f.SourceOk || o.SourceOk,
		Readdir:      f.Readdir || o.Readdir,
		IgnoreError:  f.IgnoreError || o.IgnoreError,
		NoStar:       f.NoStar || o.NoStar,
		Codec:        f.Codec || o.Codec,
		CreateEncode: f.CreateEncode || o.CreateEncode,
		NoHot:        f.NoHot || o.NoHot,
	}
}

// AccessDigest is the per-path accumulated record over the lifetime of a
// job.
type AccessDigest struct {
	accesses_    Accesses
	readDir_     bool
	write_       Write
	flags_       MatchFlags
	forceIsDep_  bool
}

func NewAccessDigest() AccessDigest {
	return AccessDigest{flags_: MatchFlags{Allow: true}}
}

func (d AccessDigest) Accesses() Accesses  { return d.accesses_ }
func (d AccessDigest) ReadDir() bool       { return d.readDir_ }
func (d AccessDigest) Write() Write        { return d.write_ }
func (d AccessDigest) Flags() MatchFlags   { return d.flags_ }
func (d AccessDigest) ForceIsDep() bool    { return d.forceIsDep_ }

// HasRead is true if some read access of some sort was done.
func (d AccessDigest) HasRead() bool { return !d.accesses_.Empty() || d.readDir_ }

// Any is true if some access of some sort (read or write) was done.
func (d AccessDigest) Any() bool { return d.HasRead() || d.write_ != WriteNo }

// WithAccesses returns a copy with the read side widened.
func (d AccessDigest) WithAccesses(a Accesses) AccessDigest { d.accesses_ |= a; return d }

// WithWrite returns a copy with the write state raised to at least w.
func (d AccessDigest) WithWrite(w Write) AccessDigest { d.write_ = d.write_.Max(w); return d }

// WithReadDir marks a directory listing.
func (d AccessDigest) WithReadDir() AccessDigest { d.readDir_ = true; return d }

// WithForceIsDep marks that content was consumed even though the file was
// also written by the same job.
func (d AccessDigest) WithForceIsDep() AccessDigest { d.forceIsDep_ = true; return d }

// Union composes two digests:
// read sides unite (unless write is final), write level takes the max,
// flags unite.
func (d AccessDigest) Union(o AccessDigest) AccessDigest {
	r := d
	if r.write_ != WriteYes {
		r.accesses_ |= o.accesses_
		r.readDir_ = r.readDir_ || o.readDir_
	}
	r.write_ = r.write_.Max(o.write_)
	r.flags_ = r.flags_.Union(o.flags_)
	r.forceIsDep_ = r.forceIsDep_ || o.forceIsDep_
	return r
}
