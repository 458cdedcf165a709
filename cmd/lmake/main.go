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

// CLI surface: lmake plus the lshow/lforget/lmark/lcollect/ldebug
// subcommands, all thin wrappers that dial the server, send one ReqRpcReq
// and stream the reply frames.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	lmake "github.com/open-lmake/lmake"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "lmake [targets...]",
		Short:         "incremental, correct-by-construction build system",
		Version:       lmake.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("explain"); v {
				lmake.SetExplaining(true)
			}
			return request("Make", args, nil)
		},
	}
	root.PersistentFlags().Bool("explain", false, "explain why jobs rerun")
	root.AddCommand(showCmd(), forgetCmd(), markCmd(), collectCmd(), debugCmd(), serveCmd(), killCmd())

	if err := root.Execute(); err != nil {
		if rc, ok := err.(rcError); ok {
			return int(rc)
		}
		fmt.Fprintf(os.Stderr, "lmake: %v\n", err)
		return int(lmake.RcFor(err))
	}
	return int(lmake.RcOk)
}

// rcError carries a non-zero server Rc through cobra's error plumbing
// without printing anything (the server already streamed its diagnostics).
type rcError lmake.Rc

func (e rcError) Error() string { return fmt.Sprintf("rc=%d", int(e)) }

func repoRoot() (string, error) {
	// Walk up from cwd to the first directory carrying LMAKE/.
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, lmake.AdminDirName)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside an lmake repo (no %s/ found)", lmake.AdminDirName)
		}
		dir = parent
	}
}

func request(proc string, targets []string, flags map[string]string) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	conn, err := lmake.ConnectOrLaunch(root, []string{exe, "serve"})
	if err != nil {
		return err
	}
	defer conn.Close()
	rc, err := conn.Run(lmake.ReqRpcReq{Proc: proc, Targets: targets, Flags: flags}, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if rc != lmake.RcOk {
		return rcError(rc)
	}
	return nil
}

func showCmd() *cobra.Command {
	var cmdF, depsF, invDepsF, envF, stderrF, stdoutF, infoF, runningF, targetsF, allDepsF, bomF bool
	c := &cobra.Command{
		Use:   "show <files...>",
		Short: "show engine state for files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{}
			set := func(ok bool, k string) {
				if ok {
					flags[k] = ""
				}
			}
			set(cmdF, "cmd")
			set(depsF, "deps")
			set(invDepsF, "inv_deps")
			set(envF, "env")
			set(stderrF, "stderr")
			set(stdoutF, "stdout")
			set(infoF, "info")
			set(runningF, "running")
			set(targetsF, "targets")
			set(allDepsF, "all_deps")
			set(bomF, "bom")
			return request("Show", args, flags)
		},
	}
	c.Flags().BoolVarP(&cmdF, "cmd", "c", false, "show the producing command")
	c.Flags().BoolVarP(&depsF, "deps", "d", false, "show deps")
	c.Flags().BoolVarP(&allDepsF, "all-deps", "D", false, "show deps incl. non-existing")
	c.Flags().BoolVarP(&envF, "env", "e", false, "show job environment")
	c.Flags().BoolVarP(&stderrF, "stderr", "E", false, "show job stderr")
	c.Flags().BoolVarP(&infoF, "info", "i", false, "show job info")
	c.Flags().BoolVarP(&stdoutF, "stdout", "o", false, "show job stdout")
	c.Flags().BoolVarP(&runningF, "running", "r", false, "show running state")
	c.Flags().BoolVarP(&targetsF, "targets", "t", false, "show targets")
	c.Flags().BoolVarP(&invDepsF, "inv-targets", "T", false, "show inverse targets")
	c.Flags().BoolVarP(&bomF, "bom", "b", false, "show source bill of materials")
	c.Flags().BoolP("units", "u", false, "raw units in reports")
	return c
}

func forgetCmd() *cobra.Command {
	var deps, targets, rsrcs bool
	c := &cobra.Command{
		Use:   "forget <files...>",
		Short: "invalidate files so their producing jobs rerun",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{}
			if deps {
				flags["deps"] = ""
			}
			if targets {
				flags["targets"] = ""
			}
			if rsrcs {
				flags["resources"] = ""
			}
			return request("Forget", args, flags)
		},
	}
	c.Flags().BoolVarP(&deps, "deps", "d", false, "forget deps")
	c.Flags().BoolVarP(&targets, "targets", "t", false, "forget targets")
	c.Flags().BoolVarP(&rsrcs, "resources", "r", false, "forget resources")
	return c
}

func markCmd() *cobra.Command {
	var add, del, clear, list, freeze, noTrigger bool
	c := &cobra.Command{
		Use:   "mark <files...>",
		Short: "set or clear persistent freeze/no-trigger marks",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{}
			if freeze {
				flags["freeze"] = ""
			}
			if noTrigger {
				flags["no_trigger"] = ""
			}
			if del {
				flags["delete"] = ""
			}
			if clear {
				flags["clear"] = ""
			}
			if list {
				flags["list"] = ""
			}
			_ = add // the default action: marks are added unless -d/-c/-l
			return request("Mark", args, flags)
		},
	}
	c.Flags().BoolVarP(&add, "add", "a", false, "add the mark")
	c.Flags().BoolVarP(&del, "delete", "d", false, "delete the mark")
	c.Flags().BoolVarP(&clear, "clear", "c", false, "clear all marks")
	c.Flags().BoolVarP(&list, "list", "l", false, "list marks")
	c.Flags().BoolVarP(&freeze, "freeze", "f", false, "freeze: treat job as source")
	c.Flags().BoolVarP(&noTrigger, "no-trigger", "t", false, "no-trigger: changes do not rerun dependents")
	return c
}

func collectCmd() *cobra.Command {
	var dryRun bool
	c := &cobra.Command{
		Use:   "collect [dirs...]",
		Short: "garbage-collect generated files",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{}
			if dryRun {
				flags["dry_run"] = ""
			}
			return request("Collect", args, flags)
		},
	}
	c.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report, do not remove")
	return c
}

func debugCmd() *cobra.Command {
	var key, tmp string
	var noExec bool
	c := &cobra.Command{
		Use:   "debug <target>",
		Short: "generate a debug script for the job producing target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := map[string]string{}
			if key != "" {
				flags["key"] = key
			}
			if tmp != "" {
				flags["tmp"] = tmp
			}
			if noExec {
				flags["no_exec"] = ""
			}
			return request("Debug", args, flags)
		},
	}
	c.Flags().StringVarP(&key, "key", "k", "", "debug method key")
	c.Flags().BoolVarP(&noExec, "no-exec", "n", false, "generate without executing")
	c.Flags().StringVarP(&tmp, "tmp", "T", "", "tmp dir to use")
	return c
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "interrupt all in-flight requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return request("Kill", nil, nil)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "serve",
		Short:  "run the repo server (launched automatically by the clients)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := repoRoot()
			if err != nil {
				return err
			}
			srv, err := lmake.NewServer(root)
			if err != nil {
				return err
			}
			return srv.Serve(os.Stdout)
		},
	}
}
