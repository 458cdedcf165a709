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

// YAML rule-file loader: a static stand-in for the Python makefile loader,
// which is an external collaborator per the engine's scope. It produces the
// same in-memory Rule/Source shapes the Python loader would.

package lmake

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk shape of LMAKE/rules.yaml.
type RuleFile struct {
	Config  ConfigSection `yaml:"config"`
	Sources []string      `yaml:"sources"`
	Rules   []RuleSpec    `yaml:"rules"`
}

// ConfigSection carries the repo-wide knobs the engine reads at startup.
type ConfigSection struct {
	LnkSupport string   `yaml:"lnk_support"` // none | file | full
	PathMax    int      `yaml:"path_max"`
	FileSync   string   `yaml:"file_sync"` // none | dir
	KillSigs   []int    `yaml:"kill_sigs"`
	Cache      string   `yaml:"cache"` // none | download | check | plain
	CacheDir   string   `yaml:"cache_dir"`
	SrcDirs    []string `yaml:"src_dirs"`
	MaxRetries int      `yaml:"max_retries"`
	MaxJobs    int      `yaml:"max_jobs"`    // concurrent jobs, 0 = number of CPUs
	MaxSubmits int      `yaml:"max_submits"` // per-job submission budget
	Nice       int      `yaml:"nice"`        // niceness applied to job processes
}

// RuleSpec is one rule as written in the file.
type RuleSpec struct {
	Name    string            `yaml:"name"`
	Prio    int               `yaml:"prio"`
	Stems   map[string]string `yaml:"stems"`
	Targets []TargetSpec      `yaml:"targets"`
	Deps    []string          `yaml:"deps"`
	Cmd     string            `yaml:"cmd"`
	Env     map[string]string `yaml:"env"`
	Timeout float64           `yaml:"timeout"`
	Anti    bool              `yaml:"anti"`
	Cache   bool              `yaml:"cache"`
}

// TargetSpec is one target pattern plus its flag words.
type TargetSpec struct {
	Name  string   `yaml:"name"`
	Flags []string `yaml:"flags"`
}

// LoadRuleFile parses path. Any failure is reported as an ErrBadMakefile
// carrying the failing field path, so a user sees e.g.
// "bad makefile at rules[2].targets[0].flags: unknown flag ...".
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrBadMakefile{Field: path, Err: err}
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, &ErrBadMakefile{Field: path, Err: err}
	}
	if err := rf.check(); err != nil {
		return nil, err
	}
	return &rf, nil
}

func (rf *RuleFile) check() error {
	switch rf.Config.LnkSupport {
	case "", "none", "file", "full":
	default:
		return &ErrBadMakefile{Field: "config.lnk_support", Err: fmt.Errorf("unknown value %q", rf.Config.LnkSupport)}
	}
	switch rf.Config.Cache {
	case "", "none", "download", "check", "plain":
	default:
		return &ErrBadMakefile{Field: "config.cache", Err: fmt.Errorf("unknown value %q", rf.Config.Cache)}
	}
	seen := map[string]bool{}
	for i, r := range rf.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			return &ErrBadMakefile{Field: field + ".name", Err: fmt.Errorf("missing rule name")}
		}
		if seen[r.Name] {
			return &ErrBadMakefile{Field: field + ".name", Err: fmt.Errorf("duplicate rule %q", r.Name)}
		}
		seen[r.Name] = true
		if len(r.Targets) == 0 {
			return &ErrBadMakefile{Field: field + ".targets", Err: fmt.Errorf("rule %q has no targets", r.Name)}
		}
		if r.Cmd == "" && !r.Anti {
			return &ErrBadMakefile{Field: field + ".cmd", Err: fmt.Errorf("rule %q has no command", r.Name)}
		}
		for ti, t := range r.Targets {
			if _, err := parseTargetFlags(t.Flags); err != nil {
				return &ErrBadMakefile{Field: fmt.Sprintf("%s.targets[%d].flags", field, ti), Err: err}
			}
		}
	}
	return nil
}

func parseTargetFlags(words []string) (MatchFlags, error) {
	var f MatchFlags
	for _, w := range words {
		switch w {
		case "allow":
			f.Allow = true
		case "optional":
			f.Optional = true
		case "incremental":
			f.Incremental = true
		case "no_uniquify":
			f.NoUniquify = true
		case "source_ok":
			f.SourceOk = true
		case "readdir":
			f.Readdir = true
		case "ignore_error":
			f.IgnoreError = true
		case "no_star":
			f.NoStar = true
		case "codec":
			f.Codec = true
		case "create_encode":
			f.CreateEncode = true
		case "no_hot":
			f.NoHot = true
		default:
			return f, fmt.Errorf("unknown flag %q", w)
		}
	}
	return f, nil
}

// LnkSupportOf maps the config word onto the resolver policy.
func (c ConfigSection) LnkSupportOf() LnkSupport {
	switch c.LnkSupport {
	case "file":
		return LnkSupportFile
	case "full":
		return LnkSupportFull
	default:
		return LnkSupportNone
	}
}

// CacheMethodOf maps the config word onto the cache policy.
func (c ConfigSection) CacheMethodOf() CacheMethod {
	switch c.Cache {
	case "download":
		return CacheMethodDownload
	case "check":
		return CacheMethodCheck
	case "plain":
		return CacheMethodPlain
	default:
		return CacheMethodNone
	}
}

// Apply registers the file's sources and rules on s. Sources become a
// single highest-priority Source rule whose targets are the declared
// files, so a matched Node gets Src status and is never run.
func (rf *RuleFile) Apply(s *State) error {
	if rf.Config.PathMax > 0 {
		s.PathMax = rf.Config.PathMax
	}
	if rf.Config.FileSync == "dir" {
		s.Nfs = NewNfsGuard(FileSyncDir)
	}
	if rf.Config.MaxRetries > 0 {
		s.MaxRetries = rf.Config.MaxRetries
	}
	s.MaxJobs = rf.Config.MaxJobs
	s.MaxSubmits = rf.Config.MaxSubmits
	s.Nice = rf.Config.Nice
	if len(rf.Sources) > 0 {
		src := &Rule{Name: "source", Priority: 1 << 20, Source: true}
		for _, p := range rf.Sources {
			src.Targets = append(src.Targets, TargetPattern{Name: p})
		}
		if err := s.AddRule(src); err != nil {
			return &ErrBadMakefile{Field: "sources", Err: err}
		}
	}
	for i, spec := range rf.Rules {
		r := &Rule{
			Name:     spec.Name,
			Priority: spec.Prio,
			Stems:    spec.Stems,
			DepNames: spec.Deps,
			Command:  spec.Cmd,
			Env:      spec.Env,
			Timeout:  spec.Timeout,
			Anti:     spec.Anti,
			Cache:    spec.Cache,
		}
		for _, t := range spec.Targets {
			flags, _ := parseTargetFlags(t.Flags) // validated by check()
			r.Targets = append(r.Targets, TargetPattern{Name: t.Name, Flags: flags})
		}
		if err := s.AddRule(r); err != nil {
			return &ErrBadMakefile{Field: fmt.Sprintf("rules[%d]", i), Err: err}
		}
	}
	return nil
}
