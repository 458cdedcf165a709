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

// LMAKE_AUTODEP_ENV serialization: the colon-separated descriptor a backend
// hands every job process so its autodep runtime can find the repo, the
// server and the reporting channels.

package lmake

import (
	"fmt"
	"strings"
)

// AutodepEnv is the parsed form of LMAKE_AUTODEP_ENV:
// service:mgmt-service:end-service:flags:fqdn:tmp_dir_s:repo_root_s:
// sub_repo_s:src_dirs_s:codecs:views_s. Flag letters: d (auto_mkdir),
// i (ignore_stat), n|f|a (lnk_support None/File/Full).
type AutodepEnv struct {
	Service     string // fast-report destination
	MgmtService string // reply-needing calls (ChkDeps, codec, ...)
	EndService  string // end-of-job digest destination

	AutoMkdir  bool
	IgnoreStat bool
	LnkSupport LnkSupport

	Fqdn      string
	TmpDirS   string
	RepoRootS string
	SubRepoS  string
	SrcDirsS  []string
	Codecs    string
	ViewsS    []string
}

// String serializes e back into the env-var form. Multi-valued fields use
// ',' internally since ':' is the field separator; a ':' or '%' inside a
// field (e.g. a host:port service) is written as %3A or %25.
func (e AutodepEnv) String() string {
	flags := ""
	if e.AutoMkdir {
		flags += "d"
	}
	if e.IgnoreStat {
		flags += "i"
	}
	switch e.LnkSupport {
	case LnkSupportNone:
		flags += "n"
	case LnkSupportFile:
		flags += "f"
	case LnkSupportFull:
		flags += "a"
	}
	fields := []string{
		e.Service, e.MgmtService, e.EndService, flags, e.Fqdn,
		e.TmpDirS, e.RepoRootS, e.SubRepoS,
		strings.Join(e.SrcDirsS, ","), e.Codecs, strings.Join(e.ViewsS, ","),
	}
	esc := strings.NewReplacer("%", "%25", ":", "%3A")
	for i, f := range fields {
		fields[i] = esc.Replace(f)
	}
	return strings.Join(fields, ":")
}

// ParseAutodepEnv is the inverse of String.
func ParseAutodepEnv(s string) (AutodepEnv, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 11 {
		return AutodepEnv{}, fmt.Errorf("autodepenv: expected 11 fields, got %d", len(fields))
	}
	unesc := strings.NewReplacer("%3A", ":", "%25", "%")
	for i, f := range fields {
		fields[i] = unesc.Replace(f)
	}
	e := AutodepEnv{
		Service:     fields[0],
		MgmtService: fields[1],
		EndService:  fields[2],
		Fqdn:        fields[4],
		TmpDirS:     fields[5],
		RepoRootS:   fields[6],
		SubRepoS:    fields[7],
		Codecs:      fields[9],
	}
	for _, c := range fields[3] {
		switch c {
		case 'd':
			e.AutoMkdir = true
		case 'i':
			e.IgnoreStat = true
		case 'n':
			e.LnkSupport = LnkSupportNone
		case 'f':
			e.LnkSupport = LnkSupportFile
		case 'a':
			e.LnkSupport = LnkSupportFull
		default:
			return AutodepEnv{}, fmt.Errorf("autodepenv: unknown flag %q", string(c))
		}
	}
	if fields[8] != "" {
		e.SrcDirsS = strings.Split(fields[8], ",")
	}
	if fields[10] != "" {
		e.ViewsS = strings.Split(fields[10], ",")
	}
	return e, nil
}

// RealPathEnv derives the resolver configuration from the descriptor.
func (e AutodepEnv) RealPathEnv() *RealPathEnv {
	return &RealPathEnv{
		LnkSupport: e.LnkSupport,
		RepoRootS:  e.RepoRootS,
		TmpDirS:    e.TmpDirS,
		SrcDirsS:   e.SrcDirsS,
	}
}
