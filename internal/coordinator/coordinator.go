// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package coordinator drives cluster membership for the local node:
// it decides whether this node is the seed, issues join tokens for
// newly announced peers, joins when a token addressed to this node
// appears, and removes departing members. The only inter-node
// channel is the shared peer state; everything cluster-mutating goes
// through the daemon's control socket.
package coordinator

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/clusterd-coordinator/internal/clusterd"
	"github.com/canonical/clusterd-coordinator/internal/peers"
)

var logger = loggo.GetLogger("clusterd.coordinator")

// ErrNotJoined is returned by Credentials before the local node has
// bootstrapped or joined the cluster.
const ErrNotJoined = errors.ConstError("local node has not joined the cluster")

// ClusterClient is the daemon control surface the coordinator drives.
// *clusterd.Client implements it.
type ClusterClient interface {
	Ready(ctx context.Context) (bool, error)
	Bootstrap(ctx context.Context, name, address string) error
	Join(ctx context.Context, name, address, token string) error
	GenerateToken(ctx context.Context, name string) (string, error)
	GetMembers(ctx context.Context) ([]clusterd.Member, error)
	GetMember(ctx context.Context, name string) (clusterd.Member, error)
	RemoveNode(ctx context.Context, name string, force, allowNotFound bool) error
	Shutdown(ctx context.Context) error
	SetCertificates(ctx context.Context, ca, cert, key string) error
}

// StatusSetter reports the node's coarse condition to the operator
// surface. Implementations must be cheap and must not block.
type StatusSetter interface {
	Maintenance(message string)
	Waiting(message string)
	Blocked(message string)
	Active(message string)
}

type noopStatus struct{}

func (noopStatus) Maintenance(string) {}
func (noopStatus) Waiting(string)     {}
func (noopStatus) Blocked(string)     {}
func (noopStatus) Active(string)      {}

// NodeName derives the daemon-side node name from a unit name.
func NodeName(unit string) string {
	return strings.ReplaceAll(unit, "/", "-")
}

// Config holds the coordinator's dependencies.
type Config struct {
	Client ClusterClient
	Peers  *peers.State
	Store  *Store
	Status StatusSetter
	Clock  clock.Clock

	// BindAddress and Port form the daemon's inter-node address.
	BindAddress string
	Port        int
}

// Validate returns an error if the config cannot drive a Coordinator.
func (config Config) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Peers == nil {
		return errors.NotValidf("nil Peers")
	}
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.BindAddress == "" {
		return errors.NotValidf("empty BindAddress")
	}
	if config.Port <= 0 {
		return errors.NotValidf("port %d", config.Port)
	}
	return nil
}

// Coordinator is the per-node membership state machine. It is not
// safe for concurrent use; notifications are processed strictly one
// at a time.
type Coordinator struct {
	config   Config
	status   StatusSetter
	nodeName string

	// rolePending remembers that the local member joined but was
	// still waiting for the daemon to assign it a quorum role when
	// the last notification was deferred.
	rolePending bool
}

// New returns a Coordinator for the local node.
func New(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	status := config.Status
	if status == nil {
		status = noopStatus{}
	}
	return &Coordinator{
		config:   config,
		status:   status,
		nodeName: NodeName(config.Peers.LocalUnit()),
	}, nil
}

// Handle processes one lifecycle notification to completion. A
// deferred result means the notification must be redelivered; an
// error is fatal for this notification and leaves the node blocked
// until an operator intervenes or later state changes succeed.
func (c *Coordinator) Handle(ctx context.Context, n Notification) (Result, error) {
	logger.Debugf("handling %s (leader=%v)", n, c.config.Peers.Leader())
	switch n.Kind {
	case PeerCreated:
		return c.peerCreated()
	case PeerChanged:
		return c.peerChanged(ctx, n)
	case PeerDeparted:
		return c.peerDeparted(ctx, n)
	case StopRequested:
		return c.stopRequested(ctx)
	}
	return done, errors.NotValidf("notification kind %d", int(n.Kind))
}

// peerCreated announces the local node to the fleet.
func (c *Coordinator) peerCreated() (Result, error) {
	c.config.Peers.Announce(map[string]string{
		"host": c.address(),
	})
	return done, nil
}

func (c *Coordinator) peerChanged(ctx context.Context, n Notification) (Result, error) {
	if c.config.Peers.Leader() {
		return c.leaderChanged(ctx, n)
	}
	return c.followerChanged(ctx)
}

// leaderChanged is the leader path: make sure the cluster exists,
// then issue a token for the peer that announced itself, exactly
// once.
func (c *Coordinator) leaderChanged(ctx context.Context, n Notification) (Result, error) {
	if res, err := c.ensureBootstrapped(ctx); err != nil || res.Deferred {
		return res, err
	}

	tokens := c.config.Peers.TokenKeys()
	if tokens.IsEmpty() && !c.config.Store.Joined() {
		// No tokens anywhere yet: this node is the seed, and the
		// seed is implicitly joined. No join round-trip happens.
		logger.Debugf("no join tokens recorded, %q is the seed node", c.nodeName)
		if err := c.config.Store.SetJoined(true); err != nil {
			return done, errors.Trace(err)
		}
	}
	c.status.Active("")

	if n.Unit == "" || n.Unit == c.config.Peers.LocalUnit() {
		return done, nil
	}
	if tokens.Contains(peers.TokenKey(n.Unit)) {
		logger.Debugf("join token already issued for %q", n.Unit)
		return done, nil
	}

	token, err := c.config.Client.GenerateToken(ctx, NodeName(n.Unit))
	if err != nil {
		if clusterd.IsDaemonUnavailable(err) || isServerError(err) {
			logger.Debugf("cannot issue token for %q yet: %v", n.Unit, err)
			return deferred("issuing join token for %q: daemon not ready", n.Unit), nil
		}
		return done, errors.Trace(err)
	}
	if err := c.config.Peers.SetJoinToken(n.Unit, token); err != nil {
		return done, errors.Trace(err)
	}
	logger.Infof("issued join token for %q", n.Unit)
	return done, nil
}

// ensureBootstrapped guarantees a live cluster exists before any
// leader-side mutation. Bootstrap is guarded by what the daemon
// reports, not by a stored flag alone, so a restarted coordinator
// cannot bootstrap twice.
func (c *Coordinator) ensureBootstrapped(ctx context.Context) (Result, error) {
	if c.config.Peers.ClusterSeeded() {
		return done, nil
	}

	ready, err := c.waitReady(ctx)
	if err != nil {
		return done, errors.Trace(err)
	}
	if !ready {
		c.status.Waiting("waiting for clusterd to become ready")
		return deferred("clusterd not ready after %d attempts", readyAttempts), nil
	}

	members, err := c.config.Client.GetMembers(ctx)
	switch {
	case err == nil:
		for _, member := range members {
			if member.Name == c.nodeName {
				// Already the leader of a live cluster.
				return done, c.markSeeded()
			}
		}
		return done, errors.Errorf(
			"cluster already exists but local node %q is not a member", c.nodeName)
	case clusterd.IsDaemonUnavailable(err):
		c.status.Waiting("waiting for clusterd to become ready")
		return deferred("clusterd not ready: %v", err), nil
	case clusterd.IsDaemonNotInitialised(err):
		// Brand-new daemon, nothing bootstrapped yet.
	default:
		return done, errors.Trace(err)
	}

	logger.Infof("bootstrapping cluster as %q", c.nodeName)
	c.status.Maintenance("bootstrapping cluster")
	if err := c.config.Client.Bootstrap(ctx, c.nodeName, c.address()); err != nil {
		if clusterd.IsDaemonUnavailable(err) {
			c.status.Waiting("waiting for clusterd to become ready")
			return deferred("bootstrapping: %v", err), nil
		}
		return done, errors.Trace(err)
	}
	if err := c.config.Store.SetJoined(true); err != nil {
		return done, errors.Trace(err)
	}
	return done, c.markSeeded()
}

func (c *Coordinator) markSeeded() error {
	if c.config.Peers.ClusterSeeded() {
		return nil
	}
	return errors.Trace(c.config.Peers.MarkClusterSeeded())
}

// followerChanged is the non-leader path: join once a token addressed
// to this node appears, then wait for the daemon to assign a role.
func (c *Coordinator) followerChanged(ctx context.Context) (Result, error) {
	if c.config.Store.Joined() && !c.rolePending {
		logger.Debugf("node %q already joined", c.nodeName)
		return done, nil
	}

	if !c.config.Store.Joined() {
		token, ok := c.config.Peers.JoinToken(c.config.Peers.LocalUnit())
		if !ok {
			logger.Debugf("join token not yet issued for %q", c.nodeName)
			return done, nil
		}
		c.status.Maintenance("joining cluster")
		if err := c.config.Client.Join(ctx, c.nodeName, c.address(), token); err != nil {
			if clusterd.IsDaemonUnavailable(err) || isServerError(err) {
				return deferred("joining cluster: %v", err), nil
			}
			return done, errors.Trace(err)
		}
		if err := c.config.Store.SetJoined(true); err != nil {
			return done, errors.Trace(err)
		}
		c.config.Peers.AnnounceJoined()
		logger.Infof("node %q joined the cluster", c.nodeName)
	}

	c.status.Waiting("waiting for clusterd role")
	settled, err := c.waitRoleSet(ctx)
	if err != nil {
		return done, errors.Trace(err)
	}
	if !settled {
		c.rolePending = true
		return deferred("member %q still pending", c.nodeName), nil
	}
	c.rolePending = false
	c.status.Active("")
	return done, nil
}

// peerDeparted removes a departing member. It runs on the leader and
// on the departing node itself: the platform may tear the departing
// unit down before the leader hears about it, so removal is attempted
// from whichever side can still reach a live daemon.
func (c *Coordinator) peerDeparted(ctx context.Context, n Notification) (Result, error) {
	if n.Unit == "" {
		logger.Debugf("departure notification without a unit, ignoring")
		return done, nil
	}
	selfDeparting := n.Unit == c.config.Peers.LocalUnit()
	if !c.config.Peers.Leader() && !selfDeparting {
		return done, nil
	}

	// Removing a member while the quorum is rebalancing can leave
	// the cluster inconsistent, so wait for roles to settle first.
	if selfDeparting {
		c.status.Waiting("waiting for roles to settle before leaving cluster")
	} else {
		c.status.Waiting("waiting for roles to settle before removing member")
	}
	settled, alreadyLeft, err := c.waitRolesSettled(ctx, selfDeparting)
	if err != nil {
		return done, errors.Trace(err)
	}
	if alreadyLeft {
		logger.Debugf("member %q already left the cluster", NodeName(n.Unit))
		return done, nil
	}
	if !settled {
		return deferred("roles not settled before removing %q", NodeName(n.Unit)), nil
	}

	if err := c.removeMember(ctx, n.Unit, selfDeparting); err != nil {
		if clusterd.IsDaemonUnavailable(err) {
			return deferred("removing %q: %v", NodeName(n.Unit), err), nil
		}
		return done, errors.Trace(err)
	}
	if c.config.Peers.Leader() {
		if err := c.config.Peers.DeleteJoinToken(n.Unit); err != nil {
			return done, errors.Trace(err)
		}
	}

	if selfDeparting {
		c.status.Waiting("waiting for removal")
		left, err := c.waitSelfRemoved(ctx)
		if err != nil {
			return done, errors.Trace(err)
		}
		if !left {
			logger.Warningf("member %q has not left the cluster yet", c.nodeName)
			return deferred("waiting for member %q to leave cluster", c.nodeName), nil
		}
		return done, nil
	}

	c.status.Waiting("waiting for roles to settle")
	settled, _, err = c.waitRolesSettled(ctx, false)
	if err != nil {
		return done, errors.Trace(err)
	}
	if !settled {
		return deferred("roles not settled after removing %q", NodeName(n.Unit)), nil
	}
	c.status.Active("")
	return done, nil
}

// removeMember evicts the departing unit's member, tolerating the
// races inherent in removal: the daemon dropping the connection when
// the removed member was the cluster leader, and a departing node
// whose own daemon was already evicted by the leader.
func (c *Coordinator) removeMember(ctx context.Context, unit string, selfDeparting bool) error {
	memberName := NodeName(unit)
	logger.Debugf("removing member %q", memberName)
	err := c.config.Client.RemoveNode(ctx, memberName, true, true)
	if err == nil {
		return nil
	}
	if clusterd.IsConnectionClosed(err) {
		logger.Debugf("connection dropped removing %q, most likely the removed member "+
			"was the cluster leader: %v", memberName, err)
		return nil
	}
	if selfDeparting && isServerError(err) {
		logger.Debugf("local daemon uninitialised, the leader has most likely already "+
			"removed this member: %v", err)
		return nil
	}
	return errors.Trace(err)
}

// stopRequested asks the daemon to shut down on the way out. A daemon
// that is already gone is fine.
func (c *Coordinator) stopRequested(ctx context.Context) (Result, error) {
	if err := c.config.Client.Shutdown(ctx); err != nil {
		if clusterd.IsDaemonUnavailable(err) {
			logger.Debugf("clusterd not available, skipping shutdown")
			return done, nil
		}
		return done, errors.Trace(err)
	}
	return done, nil
}

// Credentials returns the daemon's externally reachable URL once the
// local node has joined the cluster.
func (c *Coordinator) Credentials() (string, error) {
	if !c.config.Store.Joined() {
		return "", ErrNotJoined
	}
	return "https://" + c.address(), nil
}

func (c *Coordinator) address() string {
	return net.JoinHostPort(c.config.BindAddress, strconv.Itoa(c.config.Port))
}

// isServerError reports whether err is a daemon-side 5xx response.
func isServerError(err error) bool {
	var statusErr *clusterd.StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 500
}
