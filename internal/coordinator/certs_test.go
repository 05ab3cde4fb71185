// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/clusterd-coordinator/internal/coordinator"
)

type certsSuite struct {
	testing.IsolationSuite
	clock testclock.AdvanceableClock
}

var _ = gc.Suite(&certsSuite{})

func (s *certsSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewDilatedWallClock(time.Millisecond)
}

func (s *certsSuite) newNode(c *gc.C, cluster *fakeCluster, unit, host string, leader bool) *node {
	return newTestNode(c, s.clock, cluster, unit, host, leader)
}

func (s *certsSuite) TestLeaderPushesCertificatesOnce(c *gc.C) {
	n := s.newNode(c, newFakeCluster(), "clusterd/0", "10.0.0.1", true)

	err := n.coord.ConfigureCertificates(context.Background(), "ca", "cert", "key")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n.client.certs, gc.DeepEquals, []string{"ca/cert/key"})

	// Unchanged material is not pushed again.
	err = n.coord.ConfigureCertificates(context.Background(), "ca", "cert", "key")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n.client.certs, gc.HasLen, 1)
}

func (s *certsSuite) TestChangedMaterialIsPushed(c *gc.C) {
	n := s.newNode(c, newFakeCluster(), "clusterd/0", "10.0.0.1", true)

	c.Assert(n.coord.ConfigureCertificates(context.Background(), "ca", "cert", "key"), jc.ErrorIsNil)
	c.Assert(n.coord.ConfigureCertificates(context.Background(), "ca", "cert2", "key2"), jc.ErrorIsNil)
	c.Check(n.client.certs, gc.HasLen, 2)
}

func (s *certsSuite) TestDedupeSurvivesRestart(c *gc.C) {
	cluster := newFakeCluster()
	n := s.newNode(c, cluster, "clusterd/0", "10.0.0.1", true)
	c.Assert(n.coord.ConfigureCertificates(context.Background(), "ca", "cert", "key"), jc.ErrorIsNil)

	// A new coordinator over the same state file sees the recorded
	// hash and skips the push.
	restarted, err := coordinator.New(coordinator.Config{
		Client:      n.client,
		Peers:       n.peers,
		Store:       n.store,
		Clock:       s.clock,
		BindAddress: "10.0.0.1",
		Port:        7000,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(restarted.ConfigureCertificates(context.Background(), "ca", "cert", "key"), jc.ErrorIsNil)
	c.Check(n.client.certs, gc.HasLen, 1)
}

func (s *certsSuite) TestNonLeaderDoesNothing(c *gc.C) {
	n := s.newNode(c, newFakeCluster(), "clusterd/1", "10.0.0.2", false)

	err := n.coord.ConfigureCertificates(context.Background(), "ca", "cert", "key")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n.client.certs, gc.HasLen, 0)
}
