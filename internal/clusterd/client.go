// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package clusterd provides a typed client for the cluster-metadata
// daemon's control API, which is only reachable over a local
// unix-domain socket. All URL construction and error classification
// for the API lives here, so the coordinator above it only deals in
// operations and the error taxonomy in errors.go.
package clusterd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("clusterd.client")

// Member roles as reported by the daemon. A freshly joined member
// reports the transient upper-case PENDING role until the daemon has
// assigned it a place in the quorum.
const (
	RoleVoter   = "voter"
	RoleSpare   = "spare"
	RolePending = "PENDING"
)

// Member describes one cluster member as reported by the daemon.
type Member struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Role    string `json:"role"`
}

// response is the daemon's request/response envelope. Payloads, when
// present, are carried in Metadata.
type response struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Error      string          `json:"error"`
	ErrorCode  int             `json:"error_code"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Client talks to the local clusterd daemon over its control socket.
type Client struct {
	socketPath string
	client     *http.Client
}

// NewClient returns a client for the daemon listening on the unix
// socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Ready probes the daemon's readiness endpoint. A daemon that answers
// with a non-200 status is reported as not ready rather than as an
// error; a missing socket or refused connection is
// ErrDaemonUnavailable.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, "GET", "/core/1.0/ready", nil, nil)
	if err == nil {
		return true, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && !IsDaemonUnavailable(err) {
		logger.Debugf("clusterd not ready: %v", err)
		return false, nil
	}
	return false, errors.Trace(err)
}

// Bootstrap seeds a brand-new cluster with this node as its sole
// member. It must be called at most once per cluster lifetime.
func (c *Client) Bootstrap(ctx context.Context, name, address string) error {
	data := map[string]any{
		"bootstrap": true,
		"name":      name,
		"address":   address,
	}
	return errors.Annotatef(c.do(ctx, "POST", "/core/control", data, nil),
		"bootstrapping cluster as %q", name)
}

// Join consumes a single-use token and joins this node to the
// existing cluster.
func (c *Client) Join(ctx context.Context, name, address, token string) error {
	data := map[string]any{
		"join_token": token,
		"name":       name,
		"address":    address,
	}
	return errors.Annotatef(c.do(ctx, "POST", "/core/control", data, nil),
		"joining cluster as %q", name)
}

// GenerateToken mints a single-use join credential for the named
// node. Leader-only.
func (c *Client) GenerateToken(ctx context.Context, name string) (string, error) {
	var token string
	err := c.do(ctx, "POST", "/core/control/tokens", map[string]any{"name": name}, &token)
	if err != nil {
		return "", errors.Annotatef(err, "generating join token for %q", name)
	}
	return token, nil
}

// GetMembers returns current cluster membership.
func (c *Client) GetMembers(ctx context.Context) ([]Member, error) {
	var members []Member
	if err := c.do(ctx, "GET", "/core/1.0/cluster", nil, &members); err != nil {
		return nil, errors.Trace(err)
	}
	return members, nil
}

// GetMember returns the named member, or a not-found error if the
// daemon does not list it.
func (c *Client) GetMember(ctx context.Context, name string) (Member, error) {
	members, err := c.GetMembers(ctx)
	if err != nil {
		return Member{}, errors.Trace(err)
	}
	for _, member := range members {
		if member.Name == name {
			return member, nil
		}
	}
	return Member{}, errors.NotFoundf("cluster member %q", name)
}

// RemoveNode evicts a member from the cluster. With allowNotFound
// set, removal of an already-absent member succeeds.
func (c *Client) RemoveNode(ctx context.Context, name string, force, allowNotFound bool) error {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	path := "/core/1.0/cluster/" + url.PathEscape(name) + "?force=" + forceArg
	err := c.do(ctx, "DELETE", path, nil, nil)
	if err != nil && allowNotFound && IsMemberGone(err) {
		logger.Debugf("member %q already removed: %v", name, err)
		return nil
	}
	return errors.Annotatef(err, "removing cluster member %q", name)
}

// Shutdown asks the daemon to stop gracefully. The daemon may close
// the control socket before the response makes it back; that race is
// success, not an error.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.do(ctx, "POST", "/core/control/shutdown", nil, nil)
	if err == nil {
		return nil
	}
	if IsShutdownRace(err) || IsConnectionClosed(err) {
		logger.Debugf("clusterd closed the connection while shutting down: %v", err)
		return nil
	}
	return errors.Annotate(err, "shutting down clusterd")
}

// SetCertificates pushes the TLS material used by the daemon's
// inter-node channel: first the cluster CA, then the serving keypair.
func (c *Client) SetCertificates(ctx context.Context, ca, cert, key string) error {
	if err := c.do(ctx, "PUT", "/1.0/config/cluster-ca", []byte(ca), nil); err != nil {
		return errors.Annotate(err, "setting cluster CA")
	}
	data := map[string]any{"cert": cert, "key": key}
	err := c.do(ctx, "PUT", "/core/1.0/cluster/certificates/cluster", data, nil)
	return errors.Annotate(err, "setting cluster certificate")
}

// do performs one request against the control socket. body may be nil,
// raw bytes, or a JSON-marshallable value; metadata, when non-nil,
// receives the decoded .metadata payload of a successful response.
func (c *Client) do(ctx context.Context, method, path string, body, metadata any) error {
	var reader io.Reader
	switch data := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(data)
	default:
		encoded, err := json.Marshal(data)
		if err != nil {
			return errors.Trace(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Tracef("[%s] %s", method, path)
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Trace(c.classifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Trace(classifyClosed(err))
	}
	logger.Tracef("response (%d): %s", resp.StatusCode, raw)

	var envelope response
	if decodeErr := json.Unmarshal(raw, &envelope); decodeErr != nil && resp.StatusCode < 400 {
		return errors.Annotatef(decodeErr, "malformed response from clusterd")
	}
	if resp.StatusCode >= 400 {
		message := envelope.Error
		if message == "" {
			message = string(raw)
		}
		statusErr := &StatusError{Code: resp.StatusCode, Message: message}
		if resp.StatusCode == http.StatusServiceUnavailable {
			return errors.WithType(statusErr, ErrDaemonUnavailable)
		}
		return statusErr
	}
	if metadata != nil && len(envelope.Metadata) > 0 {
		if err := json.Unmarshal(envelope.Metadata, metadata); err != nil {
			return errors.Annotate(err, "malformed response metadata from clusterd")
		}
	}
	return nil
}

// classifyTransportError maps socket-level failures onto the client's
// error taxonomy. A missing socket or refused connection means the
// daemon is not running; a connection dropped mid-request is reported
// distinctly so shutdown and removal races can be recognised.
func (c *Client) classifyTransportError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.ECONNREFUSED):
		return errors.WithType(
			errors.Annotatef(err, "clusterd socket %q", c.socketPath),
			ErrDaemonUnavailable)
	default:
		return classifyClosed(err)
	}
}

func classifyClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return errors.WithType(
			errors.WithType(err, ErrConnectionClosed),
			ErrDaemonUnavailable)
	}
	return err
}
