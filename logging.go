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

// Plain stderr helpers: an interactive build driver wants terse,
// immediate lines, not a structured log sink.

package lmake

import (
	"fmt"
	"os"
)

var (
	gExplaining = false
)

// SetExplaining toggles whether EXPLAIN lines are printed (lmake -d explain).
func SetExplaining(v bool) { gExplaining = v }

// EXPLAIN prints a line explaining why the engine considers something out
// of date, iff explaining is enabled.
func EXPLAIN(f string, i ...interface{}) {
	if gExplaining {
		fmt.Fprintf(os.Stderr, "lmake explain: "+f+"\n", i...)
	}
}

// Warning prints a non-fatal warning to stderr.
func Warning(f string, i ...interface{}) {
	fmt.Fprintf(os.Stderr, "lmake: warning: "+f+"\n", i...)
}

// Error prints an error to stderr without exiting.
func Error(f string, i ...interface{}) {
	fmt.Fprintf(os.Stderr, "lmake: error: "+f+"\n", i...)
}

// Info prints an informational line to stderr.
func Info(f string, i ...interface{}) {
	fmt.Fprintf(os.Stderr, "lmake: "+f+"\n", i...)
}

// Fatal prints an error and exits the process; reserved for conditions the
// engine cannot recover from at all (e.g. admin dir unwritable).
func Fatal(f string, i ...interface{}) {
	fmt.Fprintf(os.Stderr, "lmake: fatal: "+f+"\n", i...)
	os.Exit(int(RcSystem))
}
