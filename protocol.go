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

// RPC message shapes for the client/server and autodep/server protocols.
// All are framed length-prefixed (u32 length || bytes) by transport.go.

package lmake

import "fmt"

// Proc enumerates the RPC procedures.
type Proc string

const (
	ProcAccess        Proc = "Access"
	ProcAccessPattern Proc = "AccessPattern"
	ProcConfirm       Proc = "Confirm"
	ProcChkDeps       Proc = "ChkDeps"
	ProcDepDirect     Proc = "DepDirect"
	ProcDepVerbose    Proc = "DepVerbose"
	ProcGuard         Proc = "Guard"
	ProcTmp           Proc = "Tmp"
	ProcPanic         Proc = "Panic"
	ProcTrace         Proc = "Trace"
	ProcChroot        Proc = "Chroot"
	ProcMount         Proc = "Mount"
	ProcList          Proc = "List"
)

// VerboseInfo is one element of a DepVerbose reply.
type VerboseInfo struct {
	Ok  Bool3
	Crc Crc
}

// JobExecRpcReq is one frame from a running job's autodep runtime to the
// server: a fast-pipe report (Access, Confirm, Guard, Tmp, Trace,
// AccessPattern) or a reply-needing call over the per-job socket (ChkDeps,
// DepVerbose, DepDirect, codec Decode/Encode, List).
type JobExecRpcReq struct {
	Proc     Proc
	Job      int32
	Id       uint64 // confirm id for two-phase writes
	Path     string
	Accesses uint8 // Accesses bits
	Write    uint8 // Write level
	ReadDir  bool
	Ok       bool   // Confirm outcome
	Cmd      string // backdoor command for reply-needing calls
	Args     string
}

// JobExecRpcReply answers a reply-needing JobExecRpcReq.
type JobExecRpcReply struct {
	Proc         Proc
	Ok           Bool3
	Reply        string
	VerboseInfos []VerboseInfo
}

// ReqRpcReq is what a CLI client sends after dialing the server.
type ReqRpcReq struct {
	Proc    string   // "Make", "Show", "Forget", "Mark", "Collect", "Debug"
	Targets []string
	Flags   map[string]string
	JobTag  string // for ldebug -k
}

// ReqRpcReplyKind distinguishes the frames streamed back to a client.
type ReqRpcReplyKind uint8

const (
	ReplyStdout ReqRpcReplyKind = iota
	ReplyStderr
	ReplyFile
	ReplyStatus
)

// ReqRpcReply is one frame of a streamed reply.
type ReqRpcReply struct {
	Kind ReqRpcReplyKind
	Text string
	File string
	Rc   Rc
}

func (r ReqRpcReply) String() string {
	switch r.Kind {
	case ReplyStdout, ReplyStderr:
		return r.Text
	case ReplyFile:
		return r.File
	case ReplyStatus:
		return fmt.Sprintf("status: rc=%d", r.Rc)
	default:
		return ""
	}
}
