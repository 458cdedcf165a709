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

// Prometheus gauges/counters backing the admin kpi file.

package lmake

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of KPIs the request server exposes through the kpi
// admin file, alongside the ETA estimator of progress.go.
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsOk        prometheus.Counter
	JobsErr       prometheus.Counter
	JobsRunning   prometheus.Gauge
	NodesTotal    prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheTotalZSz prometheus.Gauge
	BuildRate     prometheus.Gauge
}

// NewMetrics registers and returns the KPI set on reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for the real server).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmake", Name: "jobs_submitted_total", Help: "Jobs submitted to a backend.",
		}),
		JobsOk: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmake", Name: "jobs_ok_total", Help: "Jobs that completed successfully.",
		}),
		JobsErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmake", Name: "jobs_err_total", Help: "Jobs that ended in error.",
		}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lmake", Name: "jobs_running", Help: "Jobs currently executing.",
		}),
		NodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lmake", Name: "nodes_total", Help: "Interned nodes in the repo graph.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmake", Name: "cache_hits_total", Help: "Content cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lmake", Name: "cache_misses_total", Help: "Content cache misses.",
		}),
		CacheTotalZSz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lmake", Name: "cache_total_compressed_bytes", Help: "Total compressed bytes stored in the content cache.",
		}),
		BuildRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lmake", Name: "build_rate_jobs_per_sec", Help: "Sliding jobs/sec completion rate.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.JobsSubmitted, m.JobsOk, m.JobsErr, m.JobsRunning,
		m.NodesTotal, m.CacheHits, m.CacheMisses, m.CacheTotalZSz, m.BuildRate,
	} {
		reg.MustRegister(c)
	}
	return m
}

// Sample refreshes gauge-style metrics from current State/cache values;
// counters are bumped inline by the engine as events occur.
func (m *Metrics) Sample(s *State) {
	m.NodesTotal.Set(float64(s.NumNodes()))
	if s.Cache != nil {
		m.CacheTotalZSz.Set(float64(s.Cache.TotalZSz()))
	}
}
