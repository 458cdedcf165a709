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

// On-disk graph persistence behind an opaque typed-handle interface: the
// engine saves node crcs and job outcomes so a fresh server process can
// resume steady-state without rerunning anything.

package lmake

import (
	"github.com/dgraph-io/badger/v4"
)

// PersistedDep is one dep of a persisted job outcome.
type PersistedDep struct {
	Path     string
	Accesses uint8
	Crc      Crc
	Parallel bool
}

// PersistedJob is what survives a server restart for one job.
type PersistedJob struct {
	Status JobStatus
	Deps   []PersistedDep
}

// GraphStore is the opaque handle interface the engine persists through
// (the store's internals are not the engine's concern).
type GraphStore interface {
	SaveNode(path string, crc Crc) error
	LoadNode(path string) (Crc, bool)
	SaveJob(key string, pj PersistedJob) error
	LoadJob(key string) (PersistedJob, bool)
	Close() error
}

// BadgerStore implements GraphStore on an embedded badger KV database
// under LMAKE/lmake/store.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(path string) []byte { return append([]byte("n/"), path...) }
func jobKeyB(key string) []byte  { return append([]byte("j/"), key...) }

func (b *BadgerStore) SaveNode(path string, crc Crc) error {
	buf, err := crc.GobEncode()
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(path), buf)
	})
}

func (b *BadgerStore) LoadNode(path string) (Crc, bool) {
	var crc Crc
	found := false
	b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(path))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if err := crc.GobDecode(val); err == nil {
				found = true
			}
			return nil
		})
	})
	return crc, found
}

func (b *BadgerStore) SaveJob(key string, pj PersistedJob) error {
	buf, err := gobEncode(pj)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKeyB(key), buf)
	})
}

func (b *BadgerStore) LoadJob(key string) (PersistedJob, bool) {
	var pj PersistedJob
	found := false
	b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKeyB(key))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if err := gobDecode(val, &pj); err == nil {
				found = true
			}
			return nil
		})
	})
	return pj, found
}

func (b *BadgerStore) Close() error { return b.db.Close() }

// SaveGraph persists every node crc and completed job outcome to s.Store.
func (s *State) SaveGraph() error {
	if s.Store == nil {
		return nil
	}
	for i := 0; i < s.NumNodes(); i++ {
		n := s.Node(NodeIdx(i))
		if n.crc_ != CrcUnknown {
			if err := s.Store.SaveNode(n.path_, n.crc_); err != nil {
				return err
			}
		}
	}
	for i := 0; i < s.NumJobs(); i++ {
		j := s.Job(JobIdx(i))
		if j.status_ != JobStatusOk {
			continue
		}
		pj := PersistedJob{Status: j.status_}
		for _, d := range j.deps_ {
			pj.Deps = append(pj.Deps, PersistedDep{
				Path:     s.Node(d.node).path_,
				Accesses: uint8(d.accesses),
				Crc:      d.recordedCrc,
				Parallel: d.parallel,
			})
		}
		if err := s.Store.SaveJob(jobKey(j.rule_, j.stems_), pj); err != nil {
			return err
		}
	}
	return nil
}

// RestoreJob rehydrates a freshly instantiated job from the store, so the
// first make() after a server restart can be Steady instead of a rerun.
func (s *State) RestoreJob(idx JobIdx) {
	if s.Store == nil {
		return
	}
	j := s.Job(idx)
	pj, ok := s.Store.LoadJob(jobKey(j.rule_, j.stems_))
	if !ok || pj.Status != JobStatusOk {
		return
	}
	j.status_ = pj.Status
	j.deps_ = j.deps_[:0]
	for _, pd := range pj.Deps {
		nIdx := s.GetNode(pd.Path)
		n := s.Node(nIdx)
		if n.crc_ == CrcUnknown {
			if crc, ok := s.Store.LoadNode(pd.Path); ok {
				n.crc_ = crc
			}
		}
		j.deps_ = append(j.deps_, Dep{
			node:        nIdx,
			accesses:    Accesses(pd.Accesses),
			parallel:    pd.Parallel,
			recordedCrc: pd.Crc,
		})
	}
}
