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

// Cyclic ownership (Node <-> producing Job <-> dep Nodes) is modeled as an
// arena of typed handles into typed slices, never as pointers.

package lmake

// NodeIdx is a handle into State.nodes_.
type NodeIdx int32

// JobIdx is a handle into State.jobs_.
type JobIdx int32

// NoIdx marks "no candidate".
const NoIdx NodeIdx = -1

// MultiIdx marks a diagnosed multi-match conflict.
const MultiIdx NodeIdx = -2

// NoJobIdx marks an absent job handle.
const NoJobIdx JobIdx = -1

// Arena is an append-only typed vector addressed by handle, used for both
// the Node and Job tables. It is not safe for concurrent use: all graph
// mutation happens on the single engine thread.
type Arena[T any] struct {
	items []T
}

func (a *Arena[T]) Add(v T) int {
	a.items = append(a.items, v)
	return len(a.items) - 1
}

func (a *Arena[T]) Get(i int) *T { return &a.items[i] }

func (a *Arena[T]) Len() int { return len(a.items) }

func (a *Arena[T]) All() []T { return a.items }
