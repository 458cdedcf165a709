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

// Path resolution: canonicalize every (dirfd, path) access into a
// repo-relative real path, collecting the symlinks traversed on the way.

package lmake

import (
	"fmt"
	"os"
	"strings"
)

// LnkSupport is the symlink-following policy applied while resolving a
// path inside the repo or a declared source dir.
type LnkSupport uint8

const (
	LnkSupportNone LnkSupport = iota // never follow
	LnkSupportFile                   // only at the last path component
	LnkSupportFull                   // follow everywhere
)

// FileLoc classifies where a resolved path lives.
type FileLoc uint8

const (
	FileLocRepo FileLoc = iota
	FileLocSrcDir
	FileLocRepoRoot
	FileLocTmp
	FileLocProc
	FileLocAdmin
	FileLocExt
)

// Dep is true for locations that can produce a dependency report.
func (l FileLoc) Dep() bool { return l <= FileLocRepoRoot }

func (l FileLoc) String() string {
	switch l {
	case FileLocRepo:
		return "Repo"
	case FileLocSrcDir:
		return "SrcDir"
	case FileLocRepoRoot:
		return "RepoRoot"
	case FileLocTmp:
		return "Tmp"
	case FileLocProc:
		return "Proc"
	case FileLocAdmin:
		return "Admin"
	case FileLocExt:
		return "Ext"
	default:
		return "FileLoc(?)"
	}
}

// NMaxLnks caps the number of links followed before deciding it is a loop
// (_POSIX_SYMLOOP_MAX).
const NMaxLnks = 40

// AdminDirName is the repo-relative admin directory.
const AdminDirName = "LMAKE"

// RealPathEnv is the configuration the resolver works against.
type RealPathEnv struct {
	LnkSupport LnkSupport
	RepoRootS  string // absolute, trailing slash
	TmpDirS    string // absolute, trailing slash; "" means use os.TempDir
	SrcDirsS   []string
}

func (e *RealPathEnv) tmpDirS() string {
	if e.TmpDirS != "" {
		return e.TmpDirS
	}
	return strings.TrimRight(os.TempDir(), "/") + "/"
}

// FileLocOf classifies an already-resolved repo-relative (or absolute)
// path, mirroring RealPathEnv::file_loc -- must stay in sync with solve.
func (e *RealPathEnv) FileLocOf(real string) FileLoc {
	abs := mkGlb(real, e.RepoRootS)
	if strings.HasPrefix(abs, e.tmpDirS()) {
		return FileLocTmp
	}
	if strings.HasPrefix(abs, "/proc/") {
		return FileLocProc
	}
	root := strings.TrimSuffix(e.RepoRootS, "/")
	if strings.HasPrefix(abs, root) {
		if len(abs) == len(root) {
			return FileLocRepoRoot
		}
		if abs[len(root)] == '/' {
			return lclFileLoc(abs[len(root)+1:])
		}
	}
	lcl := mkLcl(real, e.RepoRootS)
	for _, sd := range e.SrcDirsS {
		if liesWithin(lcl, sd) || (isAbs(sd) && liesWithin(abs, sd)) {
			return FileLocSrcDir
		}
	}
	return FileLocExt
}

func lclFileLoc(rel string) FileLoc {
	if rel == AdminDirName || strings.HasPrefix(rel, AdminDirName+"/") {
		return FileLocAdmin
	}
	return FileLocRepo
}

func isAbs(p string) bool { return strings.HasPrefix(p, "/") }

// mkGlb makes p absolute w.r.t. root if it is not already.
func mkGlb(p, rootS string) string {
	if isAbs(p) {
		return p
	}
	return strings.TrimSuffix(rootS, "/") + "/" + p
}

// mkLcl strips rootS from an absolute p, or returns p unchanged if relative.
func mkLcl(p, rootS string) string {
	if !isAbs(p) {
		return p
	}
	if strings.HasPrefix(p, rootS) {
		return p[len(rootS):]
	}
	return p
}

func liesWithin(p, domainS string) bool {
	d := strings.TrimSuffix(domainS, "/")
	return p == d || strings.HasPrefix(p, d+"/")
}

// escapesRepo reports whether a repo-relative target path lexically climbs
// out of the repo root: absolute paths do, and so do paths whose leading
// ".." components outrun the directories before them.
func escapesRepo(path string) bool {
	if isAbs(path) {
		return true
	}
	depth := 0
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

// SolveReport is the result of resolving one (dirfd, path) access.
type SolveReport struct {
	Real          string   // canonical repo-relative (or absolute if Ext) path
	Lnks          []string // intermediate symlinks traversed, each itself a dep
	FileAccessed  Bool3    // was the final name itself dereferenced
	FileLoc       FileLoc
}

// dvgCursor ("divergence cursor") tracks how much of `real` still matches a
// fixed domain prefix, so solve need not rescan the whole path at every
// component.
type dvgCursor struct {
	ok  bool
	dvg int
}

func (c *dvgCursor) update(domainS, real string) {
	if domainS == "" {
		return
	}
	ds := len(domainS) - 1 // do not count the trailing /
	start := c.dvg
	c.ok = ds <= len(real)
	if c.ok {
		c.dvg = ds
	} else {
		c.dvg = len(real)
	}
	if start < c.dvg {
		for i := start; i < c.dvg; i++ {
			if domainS[i] != real[i] {
				c.ok = false
				c.dvg = i
				return
			}
		}
	}
	if ds < len(real) {
		c.ok = real[ds] == '/'
	} else if ds > len(real) {
		c.ok = false
	}
}

func (c *dvgCursor) in() bool { return c.ok }

// PathResolver resolves (dirfd-relative) filesystem accesses to canonical
// repo paths. It is process-scoped: one per job (or per thread under
// ptrace), with the cwd cached.
type PathResolver struct {
	Env *RealPathEnv

	cwd       string
	absSrcDirsS []string
}

// NewPathResolver builds a resolver seeded with the process's cwd.
func NewPathResolver(env *RealPathEnv) (*PathResolver, error) {
	r := &PathResolver{Env: env}
	for _, sd := range env.SrcDirsS {
		r.absSrcDirsS = append(r.absSrcDirsS, mkGlb(sd, env.RepoRootS))
	}
	if err := r.Chdir(); err != nil {
		return nil, err
	}
	return r, nil
}

// Chdir refreshes the cached cwd (must be called after the job changes
// directory).
func (r *PathResolver) Chdir() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	r.cwd = cwd
	return nil
}

func (r *PathResolver) findSrcIdx(real string) int {
	for i, sd := range r.absSrcDirsS {
		if strings.HasPrefix(real, sd) {
			return i
		}
	}
	return -1
}

// Solve resolves one access. file is the (possibly relative) path as
// passed to the syscall; if it is relative it is taken w.r.t. the cached
// cwd (dirfd resolution, e.g. reading /proc/<pid>/fd/<n>, is the caller's
// job: pass an already-absolute `file` when dirfd != AT_FDCWD).
func (r *PathResolver) Solve(file string, noFollow bool) (SolveReport, error) {
	var res SolveReport
	env := r.Env
	tmpDirS := env.tmpDirS()

	var real strings.Builder
	exists := true
	pos := 0
	if isAbs(file) {
		pos = 1
	} else {
		if r.cwd == "" {
			return res, fmt.Errorf("pathresolve: cwd not initialized")
		}
		real.WriteString(r.cwd)
	}

	inRepo := &dvgCursor{}
	inTmp := &dvgCursor{}
	inProc := &dvgCursor{}
	inRepo.update(env.RepoRootS, real.String())
	inTmp.update(tmpDirS, real.String())
	inProc.update("/proc/", real.String())

	nLnks := 0
	cur := file
	for pos <= len(cur) {
		end := strings.IndexByte(cur[pos:], '/')
		last := end == -1
		if last {
			end = len(cur)
		} else {
			end += pos
		}
		if end == pos {
			pos = end + 1
			continue
		}
		comp := cur[pos:end]
		if comp == "." {
			pos = end + 1
			continue
		}
		if comp == ".." {
			s := real.String()
			if i := strings.LastIndexByte(s, '/'); i >= 0 {
				real.Reset()
				real.WriteString(s[:i])
			}
			pos = end + 1
			continue
		}

		prevLen := real.Len()
		real.WriteByte('/')
		real.WriteString(comp)
		curReal := real.String()

		srcIdx := -1
		needLnkCheck := exists && !(noFollow && last)
		if needLnkCheck {
			switch {
			case inTmp.in() || inProc.in():
				// always follow
			case inRepo.in():
				if len(curReal) < len(env.RepoRootS) {
					needLnkCheck = false
				}
			default:
				srcIdx = r.findSrcIdx(curReal)
				needLnkCheck = srcIdx != -1
			}
		}
		if needLnkCheck {
			switch env.LnkSupport {
			case LnkSupportNone:
				needLnkCheck = false
			case LnkSupportFile:
				needLnkCheck = last
			}
		}

		if needLnkCheck {
			target, err := os.Readlink(curReal)
			if err != nil {
				if os.IsNotExist(err) {
					exists = false
				}
				pos = end + 1
				inRepo.update(env.RepoRootS, real.String())
				inTmp.update(tmpDirS, real.String())
				inProc.update("/proc/", real.String())
				continue
			}
			if !inTmp.in() && !inProc.in() {
				if !inRepo.in() && srcIdx != -1 {
					res.Lnks = append(res.Lnks, env.SrcDirsS[srcIdx]+curReal[len(r.absSrcDirsS[srcIdx]):])
				} else if inRepo.in() {
					rel := curReal[len(env.RepoRootS):]
					if lclFileLoc(rel) <= FileLocRepoRoot {
						res.Lnks = append(res.Lnks, rel)
					}
				}
			}
			nLnks++
			if nLnks >= NMaxLnks {
				return SolveReport{Lnks: res.Lnks}, fmt.Errorf("pathresolve: symlink loop")
			}
			if !last {
				target = target + "/" + cur[end+1:]
			}
			if isAbs(target) {
				prevLen = 0
			}
			kept := real.String()[:prevLen]
			real.Reset()
			real.WriteString(kept)
			cur = target
			pos = 0
			if isAbs(cur) {
				pos = 1
			}
			inRepo.update(env.RepoRootS, real.String())
			inTmp.update(tmpDirS, real.String())
			inProc.update("/proc/", real.String())
			continue
		}

		pos = end + 1
		inRepo.update(env.RepoRootS, real.String())
		inTmp.update(tmpDirS, real.String())
		inProc.update("/proc/", real.String())
	}

	full := real.String()
	switch {
	case inTmp.in():
		res.FileLoc = FileLocTmp
		res.Real = full
	case inProc.in():
		res.FileLoc = FileLocProc
		res.Real = full
	case inRepo.in():
		if len(full) < len(env.RepoRootS) {
			res.FileLoc = FileLocRepoRoot
			res.Real = full
		} else {
			rel := full[len(env.RepoRootS):]
			res.Real = rel
			res.FileLoc = lclFileLoc(rel)
			if res.FileLoc == FileLocRepo {
				switch {
				case env.LnkSupport >= LnkSupportFile && !noFollow:
					res.FileAccessed = Yes
				case env.LnkSupport >= LnkSupportFull && strings.Contains(rel, "/"):
					res.FileAccessed = Maybe
				}
			}
		}
	default:
		if i := r.findSrcIdx(full); i != -1 {
			res.Real = env.SrcDirsS[i] + full[len(r.absSrcDirsS[i]):]
			res.FileLoc = FileLocSrcDir
			switch {
			case env.LnkSupport >= LnkSupportFile && !noFollow:
				res.FileAccessed = Yes
			case env.LnkSupport >= LnkSupportFull && strings.Contains(full[len(r.absSrcDirsS[i]):], "/"):
				res.FileAccessed = Maybe
			}
		} else {
			res.FileLoc = FileLocExt
			res.Real = full
		}
	}
	return res, nil
}

// Exec resolves the #! interpreter chain of an executable: up to 4 levels
// of interpretation (POSIX execve semantics), each interpreter
// contributing Reg|Lnk deps.
func (r *PathResolver) Exec(sr SolveReport) []DepRef {
	var res []DepRef
	for i := 0; i <= 4; i++ {
		for _, l := range sr.Lnks {
			res = append(res, DepRef{Path: l, Accesses: Accesses(AccessLnk)})
		}
		if !sr.FileLoc.Dep() && sr.FileLoc != FileLocTmp {
			break
		}
		abs := mkGlb(sr.Real, r.Env.RepoRootS)
		a := Accesses(AccessReg)
		if sr.FileAccessed == Yes {
			a |= Accesses(AccessLnk)
		}
		if sr.FileLoc.Dep() {
			res = append(res, DepRef{Path: sr.Real, Accesses: a})
		}
		f, err := os.Open(abs)
		if err != nil {
			break
		}
		hdr := make([]byte, 256)
		n, _ := f.Read(hdr)
		f.Close()
		hdr = hdr[:n]
		if !strings.HasPrefix(string(hdr), "#!") {
			break
		}
		line := string(hdr)
		if idx := strings.IndexByte(line, '\n'); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimPrefix(line, "#!")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			break
		}
		var err2 error
		sr, err2 = r.Solve(fields[0], false)
		if err2 != nil {
			break
		}
	}
	return res
}

// DepRef is a path paired with the accesses observed on it, used by Exec
// to report interpreter-chain deps before a full AccessDigest exists.
type DepRef struct {
	Path     string
	Accesses Accesses
}
