// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package clusterd_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/clusterd-coordinator/internal/clusterd"
)

type clientSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&clientSuite{})

type daemonRequest struct {
	method string
	path   string
	body   string
}

// hijackAndClose makes the scripted daemon sever the connection
// without writing a response.
const hijackAndClose = -1

type fakeDaemon struct {
	mu       sync.Mutex
	requests []daemonRequest
	handler  func(req daemonRequest) (int, string)
}

func (d *fakeDaemon) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	recorded := daemonRequest{
		method: req.Method,
		path:   req.URL.RequestURI(),
		body:   string(body),
	}
	d.mu.Lock()
	d.requests = append(d.requests, recorded)
	d.mu.Unlock()

	status, payload := d.handler(recorded)
	if status == hijackAndClose {
		conn, _, err := http.NewResponseController(resp).Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	_, _ = resp.Write([]byte(payload))
}

func (d *fakeDaemon) recorded() []daemonRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]daemonRequest(nil), d.requests...)
}

// startDaemon serves the scripted daemon on a fresh unix socket and
// returns a client connected to it.
func (s *clientSuite) startDaemon(c *gc.C, handler func(req daemonRequest) (int, string)) (*clusterd.Client, *fakeDaemon) {
	socket := s.socketPath(c)
	listener, err := net.Listen("unix", socket)
	c.Assert(err, jc.ErrorIsNil)

	daemon := &fakeDaemon{handler: handler}
	server := &http.Server{Handler: daemon}
	go func() { _ = server.Serve(listener) }()
	s.AddCleanup(func(c *gc.C) { _ = server.Close() })

	return clusterd.NewClient(socket), daemon
}

func (s *clientSuite) socketPath(c *gc.C) string {
	// Unix socket paths have a tight length limit, so avoid the
	// deeply nested gocheck work dir.
	dir, err := os.MkdirTemp("", "clusterd")
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "control.socket")
}

func success(metadata string) (int, string) {
	return http.StatusOK, fmt.Sprintf(
		`{"type":"sync","status":"Success","status_code":200,"metadata":%s}`, metadata)
}

func daemonError(status int, message string) (int, string) {
	return status, fmt.Sprintf(
		`{"type":"error","error":%q,"error_code":%d}`, message, status)
}

func (s *clientSuite) TestReadyTrue(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	ready, err := client.Ready(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ready, jc.IsTrue)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "GET")
	c.Check(requests[0].path, gc.Equals, "/core/1.0/ready")
}

func (s *clientSuite) TestReadyNotReady(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(500, "Daemon not yet initialized")
	})
	ready, err := client.Ready(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ready, jc.IsFalse)
}

func (s *clientSuite) TestReadySocketMissing(c *gc.C) {
	client := clusterd.NewClient(filepath.Join(c.MkDir(), "nonexistent.socket"))
	_, err := client.Ready(context.Background())
	c.Assert(err, jc.Satisfies, clusterd.IsDaemonUnavailable)
}

func (s *clientSuite) TestReadyConnectionRefused(c *gc.C) {
	socket := s.socketPath(c)
	listener, err := net.Listen("unix", socket)
	c.Assert(err, jc.ErrorIsNil)
	// Leave a stale socket file behind so the dial is refused
	// rather than failing on a missing path.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	c.Assert(listener.Close(), jc.ErrorIsNil)

	client := clusterd.NewClient(socket)
	_, err = client.Ready(context.Background())
	c.Assert(err, jc.Satisfies, clusterd.IsDaemonUnavailable)
}

func (s *clientSuite) TestBootstrap(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	err := client.Bootstrap(context.Background(), "clusterd-0", "10.0.0.1:7000")
	c.Assert(err, jc.ErrorIsNil)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "POST")
	c.Check(requests[0].path, gc.Equals, "/core/control")
	c.Check(requests[0].body, jc.JSONEquals, map[string]any{
		"bootstrap": true,
		"name":      "clusterd-0",
		"address":   "10.0.0.1:7000",
	})
}

func (s *clientSuite) TestJoin(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	err := client.Join(context.Background(), "clusterd-1", "10.0.0.2:7000", "sekrit")
	c.Assert(err, jc.ErrorIsNil)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].path, gc.Equals, "/core/control")
	c.Check(requests[0].body, jc.JSONEquals, map[string]any{
		"join_token": "sekrit",
		"name":       "clusterd-1",
		"address":    "10.0.0.2:7000",
	})
}

func (s *clientSuite) TestJoinBadToken(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(400, "token is not valid")
	})
	err := client.Join(context.Background(), "clusterd-1", "10.0.0.2:7000", "stale")
	c.Assert(err, gc.ErrorMatches, `joining cluster as "clusterd-1": clusterd request failed \(400\): token is not valid`)
}

func (s *clientSuite) TestGenerateToken(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success(`"sekrit-token"`)
	})
	token, err := client.GenerateToken(context.Background(), "clusterd-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "sekrit-token")

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "POST")
	c.Check(requests[0].path, gc.Equals, "/core/control/tokens")
	c.Check(requests[0].body, jc.JSONEquals, map[string]any{"name": "clusterd-1"})
}

func (s *clientSuite) TestGenerateTokenDaemonStarting(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(503, "Daemon is starting up")
	})
	_, err := client.GenerateToken(context.Background(), "clusterd-1")
	c.Assert(err, jc.Satisfies, clusterd.IsDaemonUnavailable)
}

func (s *clientSuite) TestGetMembers(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success(`[
			{"name":"clusterd-0","address":"10.0.0.1:7000","role":"voter"},
			{"name":"clusterd-1","address":"10.0.0.2:7000","role":"spare"}
		]`)
	})
	members, err := client.GetMembers(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(members, jc.DeepEquals, []clusterd.Member{
		{Name: "clusterd-0", Address: "10.0.0.1:7000", Role: clusterd.RoleVoter},
		{Name: "clusterd-1", Address: "10.0.0.2:7000", Role: clusterd.RoleSpare},
	})

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "GET")
	c.Check(requests[0].path, gc.Equals, "/core/1.0/cluster")
}

func (s *clientSuite) TestGetMember(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success(`[{"name":"clusterd-0","address":"10.0.0.1:7000","role":"PENDING"}]`)
	})
	member, err := client.GetMember(context.Background(), "clusterd-0")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(member.Role, gc.Equals, clusterd.RolePending)

	_, err = client.GetMember(context.Background(), "clusterd-9")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *clientSuite) TestRemoveNode(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	err := client.RemoveNode(context.Background(), "clusterd-1", true, true)
	c.Assert(err, jc.ErrorIsNil)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "DELETE")
	c.Check(requests[0].path, gc.Equals, "/core/1.0/cluster/clusterd-1?force=1")
}

func (s *clientSuite) TestRemoveNodeNotFoundTolerated(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(404, "cluster member not found")
	})
	err := client.RemoveNode(context.Background(), "clusterd-1", false, true)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *clientSuite) TestRemoveNodeNotFoundSurfaced(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(404, "cluster member not found")
	})
	err := client.RemoveNode(context.Background(), "clusterd-1", false, false)
	c.Assert(err, gc.ErrorMatches, `removing cluster member "clusterd-1": .*cluster member not found.*`)
}

func (s *clientSuite) TestRemoveNodeAlreadyGone(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(500, "No remote exists with this name")
	})
	err := client.RemoveNode(context.Background(), "clusterd-1", true, true)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *clientSuite) TestRemoveNodeOtherErrorSurfaced(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(500, "quorum would be lost")
	})
	err := client.RemoveNode(context.Background(), "clusterd-1", true, true)
	c.Assert(err, gc.ErrorMatches, `removing cluster member "clusterd-1": .*quorum would be lost.*`)
}

func (s *clientSuite) TestShutdown(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	err := client.Shutdown(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].method, gc.Equals, "POST")
	c.Check(requests[0].path, gc.Equals, "/core/control/shutdown")
}

func (s *clientSuite) TestShutdownRaceTolerated(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return daemonError(500, "shutdown request sent but the connection was closed anyway")
	})
	err := client.Shutdown(context.Background())
	c.Assert(err, jc.ErrorIsNil)
}

func (s *clientSuite) TestShutdownConnectionDropped(c *gc.C) {
	client, _ := s.startDaemon(c, func(daemonRequest) (int, string) {
		return hijackAndClose, ""
	})
	err := client.Shutdown(context.Background())
	c.Assert(err, jc.ErrorIsNil)
}

func (s *clientSuite) TestSetCertificates(c *gc.C) {
	client, daemon := s.startDaemon(c, func(daemonRequest) (int, string) {
		return success("{}")
	})
	err := client.SetCertificates(context.Background(), "CA PEM", "CERT PEM", "KEY PEM")
	c.Assert(err, jc.ErrorIsNil)

	requests := daemon.recorded()
	c.Assert(requests, gc.HasLen, 2)
	c.Check(requests[0].method, gc.Equals, "PUT")
	c.Check(requests[0].path, gc.Equals, "/1.0/config/cluster-ca")
	c.Check(requests[0].body, gc.Equals, "CA PEM")
	c.Check(requests[1].method, gc.Equals, "PUT")
	c.Check(requests[1].path, gc.Equals, "/core/1.0/cluster/certificates/cluster")
	c.Check(requests[1].body, jc.JSONEquals, map[string]any{
		"cert": "CERT PEM",
		"key":  "KEY PEM",
	})
}
