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

// Transport: framed length-prefixed message bus over Unix sockets, plus a
// fast append-only pipe for fire-and-forget reports, and
// the LMAKE/server marker bootstrap/auto-launch handshake.

package lmake

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// PipeBuf is the write()-atomicity guarantee used to decide whether a fast-
// pipe report fits in one atomic write.
const PipeBuf = 4096

// ServerMagic is sent by a client right after connecting, to detect a
// stale marker file.
const ServerMagic uint64 = 0x6c6d616b655f7631 // "lmake_v1"

// OMsgBuf writes one length-prefixed, gob-encoded frame, so partial reads
// on the receiving side are always detectable. Only the framing is fixed
// by the protocol; gob fills the payload slot.
type OMsgBuf struct {
	w  *bufio.Writer
	mu sync.Mutex
}

func NewOMsgBuf(w io.Writer) *OMsgBuf { return &OMsgBuf{w: bufio.NewWriter(w)} }

func (o *OMsgBuf) Send(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var buf countingBuf
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.n))
	if _, err := o.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := o.w.Write(buf.b); err != nil {
		return err
	}
	return o.w.Flush()
}

// countingBuf captures gob's output so we know its length before writing
// the length prefix (gob.Encoder wants a single io.Writer stream).
type countingBuf struct {
	b []byte
	n int
}

func (c *countingBuf) Write(p []byte) (int, error) {
	c.b = append(c.b, p...)
	c.n += len(p)
	return len(p), nil
}

// IMsgBuf reads length-prefixed, gob-encoded frames.
type IMsgBuf struct {
	r *bufio.Reader
}

func NewIMsgBuf(r io.Reader) *IMsgBuf { return &IMsgBuf{r: bufio.NewReader(r)} }

func (i *IMsgBuf) Receive(v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(i.r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(i.r, buf); err != nil {
		return err
	}
	return gobDecode(buf, v)
}

func gobDecode(buf []byte, v any) error {
	dec := gob.NewDecoder(&sliceReader{b: buf})
	return dec.Decode(v)
}

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

// Service is a (host, port) pair a client dials to reach the server or a
// per-job management socket.
type Service struct {
	Addr string
	Port int
}

func (s Service) String() string { return fmt.Sprintf("%s:%d", s.Addr, s.Port) }

// KeyedService adds a per-job key to a Service, used to route a reply-
// needing backdoor call to the right job.
type KeyedService struct {
	Service
	Key string
}

// FastReportPipe is the named pipe every job appends fire-and-forget
// records to (Access, Guard, Tmp, Confirm, Trace, AccessPattern), relying
// on PIPE_BUF write atomicity instead of framing.
type FastReportPipe struct {
	path string
	f    *os.File
}

// OpenFastReportPipe creates (if needed) and opens the named pipe at path
// for writing by a job process.
func OpenFastReportPipe(path string) (*FastReportPipe, error) {
	if err := syscall.Mkfifo(path, 0600); err != nil && !os.IsExist(err) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &FastReportPipe{path: path, f: f}, nil
}

// Write appends one gob-encoded record atomically if it fits PIPE_BUF,
// else falls back to the caller routing it over a socket instead.
func (p *FastReportPipe) Write(v any) (fit bool, err error) {
	var buf countingBuf
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return false, err
	}
	if buf.n+4 > PipeBuf {
		return false, nil
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.n))
	full := append(lenBuf[:], buf.b...)
	if _, err := p.f.Write(full); err != nil {
		return true, err
	}
	return true, nil
}

func (p *FastReportPipe) Close() error { return p.f.Close() }

// ServerMarker is the content of LMAKE/server: "host:port\n
// pid\n". Deletion-while-running is watched via inotify and turned into a
// synthetic SIGINT.
type ServerMarker struct {
	Service Service
	Pid     int
}

func markerPath(adminDir string) string { return filepath.Join(adminDir, "server") }

// ReadMarker reads and parses an existing LMAKE/server file.
func ReadMarker(adminDir string) (ServerMarker, error) {
	data, err := os.ReadFile(markerPath(adminDir))
	if err != nil {
		return ServerMarker{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return ServerMarker{}, fmt.Errorf("transport: malformed server marker")
	}
	hp := strings.SplitN(lines[0], ":", 2)
	if len(hp) != 2 {
		return ServerMarker{}, fmt.Errorf("transport: malformed server marker host:port")
	}
	port, err := strconv.Atoi(hp[1])
	if err != nil {
		return ServerMarker{}, err
	}
	pid, err := strconv.Atoi(lines[1])
	if err != nil {
		return ServerMarker{}, err
	}
	return ServerMarker{Service: Service{Addr: hp[0], Port: port}, Pid: pid}, nil
}

// PublishMarker atomically publishes a freshly-populated marker by
// writing to a tmp file and link(2)-ing it into place: link is atomic and
// fails cleanly on a concurrent launch, so the loser simply reconnects to
// the winner.
func PublishMarker(adminDir string, m ServerMarker) error {
	if err := os.MkdirAll(adminDir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(adminDir, ".server-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	fmt.Fprintf(tmp, "%s:%d\n%d\n", m.Service.Addr, m.Service.Port, m.Pid)
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	dst := markerPath(adminDir)
	if err := os.Link(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			return nil // another process won the race; fine, we'll reconnect
		}
		return err
	}
	os.Remove(tmpPath)
	return nil
}

// RemoveMarker unlinks the marker (atexit).
func RemoveMarker(adminDir string) error { return os.Remove(markerPath(adminDir)) }

// WatchMarker watches adminDir/server for deletion and sends on the
// returned channel when it disappears while the server is supposedly
// still running.
func WatchMarker(adminDir string) (<-chan struct{}, func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := w.Add(adminDir); err != nil {
		w.Close()
		return nil, nil, err
	}
	target := markerPath(adminDir)
	out := make(chan struct{}, 1)
	go func() {
		for ev := range w.Events {
			if ev.Name == target && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, w.Close, nil
}

// Dial connects to addr and exchanges ServerMagic; a mismatch means the
// marker was stale. The main client<->server channel is addressed as
// host:port per the marker format; per-job reply channels use a Unix
// socket instead (DialJobSocket/ListenJobSocket below).
func Dial(svc Service) (net.Conn, error) {
	conn, err := net.Dial("tcp", svc.String())
	if err != nil {
		return nil, err
	}
	ob := NewOMsgBuf(conn)
	if err := ob.Send(ServerMagic); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// JobSocketPath is the per-job Unix socket a job connects to when it needs
// a reply (ChkDeps, DepVerbose, DepDirect, codec Decode/Encode, List;
// Decode/Encode, List).
func JobSocketPath(adminDir string, job JobIdx) string {
	return filepath.Join(adminDir, "lmake", "fast_reports", fmt.Sprintf("job-%d.sock", job))
}

// ListenJobSocket opens the per-job Unix socket the server accepts
// reply-needing backdoor calls on.
func ListenJobSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	os.Remove(path) // stale socket from a prior (killed) job
	return net.Listen("unix", path)
}

// DialJobSocket is the job-process side of the above.
func DialJobSocket(path string) (net.Conn, error) { return net.Dial("unix", path) }
