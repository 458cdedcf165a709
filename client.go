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

// Client side of the auto-launch handshake: read LMAKE/server, connect and
// verify the magic; if the file is absent or stale, fork the server binary,
// read its service announcement on stdout, and reconnect.

package lmake

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConnectOrLaunch returns a connection to the repo's server, launching one
// if needed. serverArgs is the command line to spawn (typically
// [os.Args[0], "serve"]); the child must print "host:port\n" on stdout
// once listening.
func ConnectOrLaunch(repoRoot string, serverArgs []string) (*ClientConn, error) {
	adminDir := filepath.Join(repoRoot, AdminDirName)

	if m, err := ReadMarker(adminDir); err == nil {
		if conn, err := Dial(m.Service); err == nil {
			return newClientConn(conn), nil
		}
		// Stale marker: server is gone but the file survived (crash, power
		// loss). Remove it so the launch below can publish cleanly.
		os.Remove(markerPath(adminDir))
	}

	if len(serverArgs) == 0 {
		return nil, &ErrBadServer{Err: fmt.Errorf("no server and no launch command")}
	}
	cmd := exec.Command(serverArgs[0], serverArgs[1:]...)
	cmd.Dir = repoRoot
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ErrBadServer{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ErrBadServer{Err: err}
	}
	// The server keeps running after we exit.
	go cmd.Wait()

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		return nil, &ErrBadServer{Err: fmt.Errorf("no announcement from launched server: %w", err)}
	}
	svc, err := parseService(strings.TrimSpace(line))
	if err != nil {
		return nil, &ErrBadServer{Err: err}
	}
	var conn *ClientConn
	for i := 0; i < 10; i++ {
		if c, err := Dial(svc); err == nil {
			conn = newClientConn(c)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if conn == nil {
		// Lost the launch race or the child died: whoever won published the
		// marker, so reconnect through it.
		m, merr := ReadMarker(adminDir)
		if merr != nil {
			return nil, &ErrBadServer{Err: merr}
		}
		c, derr := Dial(m.Service)
		if derr != nil {
			return nil, &ErrBadServer{Err: derr}
		}
		conn = newClientConn(c)
	}
	return conn, nil
}

func parseService(s string) (Service, error) {
	hp := strings.SplitN(s, ":", 2)
	if len(hp) != 2 {
		return Service{}, fmt.Errorf("malformed service %q", s)
	}
	port, err := strconv.Atoi(hp[1])
	if err != nil {
		return Service{}, err
	}
	return Service{Addr: hp[0], Port: port}, nil
}

// ClientConn wraps one request/reply-stream exchange with the server.
type ClientConn struct {
	conn io.ReadWriteCloser
	out  *OMsgBuf
	in   *IMsgBuf
}

func newClientConn(conn io.ReadWriteCloser) *ClientConn {
	return &ClientConn{conn: conn, out: NewOMsgBuf(conn), in: NewIMsgBuf(conn)}
}

func (c *ClientConn) Close() error { return c.conn.Close() }

// Run sends one ReqRpcReq and streams the reply frames: Stdout/Stderr/File
// lines to the given writers, returning the final Status frame's Rc.
func (c *ClientConn) Run(req ReqRpcReq, stdout, stderr io.Writer) (Rc, error) {
	if err := c.out.Send(req); err != nil {
		return RcBadServer, err
	}
	for {
		var rep ReqRpcReply
		if err := c.in.Receive(&rep); err != nil {
			return RcBadServer, err
		}
		switch rep.Kind {
		case ReplyStdout:
			fmt.Fprint(stdout, rep.Text)
		case ReplyStderr:
			fmt.Fprint(stderr, rep.Text)
		case ReplyFile:
			fmt.Fprintln(stdout, rep.File)
		case ReplyStatus:
			return rep.Rc, nil
		}
	}
}
