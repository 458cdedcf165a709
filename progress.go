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

// Build progress: a sliding completion-rate estimator and a ninja-style
// status line, with smart-terminal detection.

package lmake

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ETAEstimator measures jobs finished per second, averaged over the last
// N samples.
type ETAEstimator struct {
	rate        float64
	n           int
	times       []float64
	lastUpdate  int
}

func NewETAEstimator(n int) *ETAEstimator {
	return &ETAEstimator{rate: -1, n: n, lastUpdate: -1}
}

// UpdateRate folds in one more (doneCount, nowMillis) sample.
func (e *ETAEstimator) UpdateRate(doneCount int, nowMillis int64) {
	if doneCount == e.lastUpdate {
		return
	}
	e.lastUpdate = doneCount
	if len(e.times) == e.n {
		e.times = e.times[1:]
	}
	e.times = append(e.times, float64(nowMillis))
	back := e.times[0]
	front := e.times[len(e.times)-1]
	if back != front {
		e.rate = float64(len(e.times)) / ((front - back) / 1e3)
	}
}

// Rate returns jobs/sec, or -1 if not enough samples yet.
func (e *ETAEstimator) Rate() float64 { return e.rate }

// ETASeconds estimates remaining time given how many jobs are left.
func (e *ETAEstimator) ETASeconds(remaining int) float64 {
	if e.rate <= 0 {
		return -1
	}
	return float64(remaining) / e.rate
}

// Progress tracks a Req's started/running/finished job counts and prints
// a status line using NINJA_STATUS-compatible placeholders (kept for
// operator muscle memory; read from LMAKE_STATUS here).
type Progress struct {
	out io.Writer

	startedJobs_, finishedJobs_, totalJobs_, runningJobs_ int
	start_                                                time.Time

	format string
	smart  bool
	rate   *ETAEstimator
}

// NewProgress builds the status-line printer for one Req, reusing the
// Req's sliding-rate estimator so lshow and the line agree on the ETA.
// Cursor tricks are only used when out is a smart terminal; a socket audit
// channel gets one plain line per event.
func NewProgress(req *Req, parallelism int, out io.Writer) *Progress {
	format := os.Getenv("LMAKE_STATUS")
	if format == "" {
		format = "[%f/%t] "
	}
	rate := req.Eta
	if rate == nil {
		rate = NewETAEstimator(parallelism)
	}
	return &Progress{
		out:    out,
		format: format,
		smart:  out == os.Stdout && isSmartTerminal(),
		rate:   rate,
		start_: time.Now(),
	}
}

func isSmartTerminal() bool {
	term := os.Getenv("TERM")
	if term == "dumb" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func (p *Progress) now() int64 { return time.Since(p.start_).Milliseconds() }

// Started reports how many jobs have been handed to a backend so far.
func (p *Progress) Started() int { return p.startedJobs_ }

func (p *Progress) JobStarted() {
	p.startedJobs_++
	p.runningJobs_++
	if p.totalJobs_ < p.startedJobs_ {
		// The graph is discovered while jobs run, so there is no a-priori
		// plan size; track the high-water mark instead.
		p.totalJobs_ = p.startedJobs_
	}
	if p.smart {
		p.printStatus(p.now())
	}
}

func (p *Progress) JobFinished(ok bool, output string) {
	now := p.now()
	p.finishedJobs_++
	p.runningJobs_--

	if !ok {
		red := color.New(color.FgRed, color.Bold)
		if p.smart {
			red.Fprint(p.out, "FAILED: ")
		} else {
			fmt.Fprint(p.out, "FAILED: ")
		}
		fmt.Fprintln(p.out)
	}
	if output != "" {
		fmt.Fprint(p.out, output)
	}
	p.printStatus(now)
}

func (p *Progress) BuildFinished() { fmt.Fprintln(p.out) }

// formatStatus expands the %s/%t/%r/%u/%f/%o/%c/%p/%e placeholders, matching
// the NINJA_STATUS conventions.
func (p *Progress) formatStatus(nowMillis int64) string {
	var out []byte
	f := p.format
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '%' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(f) {
			break
		}
		switch f[i] {
		case '%':
			out = append(out, '%')
		case 's':
			out = append(out, strconv.Itoa(p.startedJobs_)...)
		case 't':
			out = append(out, strconv.Itoa(p.totalJobs_)...)
		case 'r':
			out = append(out, strconv.Itoa(p.runningJobs_)...)
		case 'u':
			out = append(out, strconv.Itoa(p.totalJobs_-p.startedJobs_)...)
		case 'f':
			out = append(out, strconv.Itoa(p.finishedJobs_)...)
		case 'o':
			rate := float64(p.finishedJobs_) / float64(nowMillis) * 1000
			out = append(out, fmt.Sprintf("%.1f", rate)...)
		case 'c':
			p.rate.UpdateRate(p.finishedJobs_, nowMillis)
			if p.rate.Rate() < 0 {
				out = append(out, '?')
			} else {
				out = append(out, fmt.Sprintf("%.1f", p.rate.Rate())...)
			}
		case 'p':
			pct := 0
			if p.totalJobs_ > 0 {
				pct = 100 * p.finishedJobs_ / p.totalJobs_
			}
			out = append(out, fmt.Sprintf("%3d%%", pct)...)
		case 'e':
			out = append(out, fmt.Sprintf("%.3f", float64(nowMillis)*0.001)...)
		}
	}
	return string(out)
}

func (p *Progress) printStatus(nowMillis int64) {
	if p.smart {
		fmt.Fprint(p.out, "\r"+p.formatStatus(nowMillis))
		return
	}
	fmt.Fprintln(p.out, p.formatStatus(nowMillis))
}
