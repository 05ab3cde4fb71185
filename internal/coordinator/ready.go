// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/canonical/clusterd-coordinator/internal/clusterd"
)

const (
	// The pre-bootstrap readiness gate is the only bounded-attempt
	// retry in the coordinator; everywhere else a single probe is
	// authoritative and deferral provides eventual progress.
	readyAttempts = 10
	readyDelay    = time.Second
	readyMaxDelay = 30 * time.Second

	// The settling waits poll on a fixed interval. Role assignment
	// after a join can take a while on a busy cluster; quorum
	// rebalancing around a removal is quicker.
	settleDelay    = 5 * time.Second
	settleTimeout  = time.Minute
	roleSetTimeout = 5 * time.Minute
)

const (
	errNotReady    = errors.ConstError("clusterd not ready")
	errRolePending = errors.ConstError("member role still pending")
	errRolesUneven = errors.ConstError("cluster voter count is even")
	errStillMember = errors.ConstError("local member still in cluster")
)

// waitReady gives the daemon a bounded window to report ready,
// retrying both daemon unavailability and not-ready answers with
// exponential backoff. Exhausting the attempts means not ready; any
// other error is fatal.
func (c *Coordinator) waitReady(ctx context.Context) (bool, error) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			ready, err := c.config.Client.Ready(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			if !ready {
				return errNotReady
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotReady) && !clusterd.IsDaemonUnavailable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("clusterd not ready (attempt %d): %v", attempt, lastError)
		},
		Attempts:    readyAttempts,
		Delay:       readyDelay,
		MaxDelay:    readyMaxDelay,
		BackoffFunc: retry.ExpBackoff(readyDelay, readyMaxDelay, 2.0, false),
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	return c.settleResult(err)
}

// waitRoleSet polls the local member until the daemon has assigned it
// a quorum role. Returns false when the member is still pending at
// the deadline.
func (c *Coordinator) waitRoleSet(ctx context.Context) (bool, error) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			member, err := c.config.Client.GetMember(ctx, c.nodeName)
			if err != nil {
				return errors.Trace(err)
			}
			logger.Debugf("member %q role: %s", c.nodeName, member.Role)
			if member.Role == clusterd.RolePending {
				return errRolePending
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errRolePending) && !clusterd.IsDaemonUnavailable(err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       settleDelay,
		MaxDuration: roleSetTimeout,
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	return c.settleResult(err)
}

// waitRolesSettled polls membership until the cluster has an odd
// number of voters. On a departing node, a daemon that reports it
// holds no cluster state means the leader already removed us;
// alreadyLeft is returned instead of an error in that case.
func (c *Coordinator) waitRolesSettled(ctx context.Context, selfDeparting bool) (settled, alreadyLeft bool, err error) {
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			members, err := c.config.Client.GetMembers(ctx)
			if err != nil {
				if selfDeparting && clusterd.IsDaemonNotInitialised(err) {
					alreadyLeft = true
					return nil
				}
				return errors.Trace(err)
			}
			voters := 0
			for _, member := range members {
				if member.Role == clusterd.RoleVoter {
					voters++
				}
			}
			if voters%2 == 0 {
				return errRolesUneven
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errRolesUneven) && !clusterd.IsDaemonUnavailable(err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       settleDelay,
		MaxDuration: settleTimeout,
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	if alreadyLeft {
		return false, true, nil
	}
	settled, err = c.settleResult(err)
	return settled, false, err
}

// waitSelfRemoved polls until the local member no longer appears in
// the member list. A daemon that has dropped its cluster state counts
// as removed.
func (c *Coordinator) waitSelfRemoved(ctx context.Context) (bool, error) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := c.config.Client.GetMember(ctx, c.nodeName)
			if err == nil {
				return errStillMember
			}
			if errors.Is(err, errors.NotFound) || clusterd.IsDaemonNotInitialised(err) {
				logger.Debugf("member %q gone: %v", c.nodeName, err)
				return nil
			}
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errStillMember) && !clusterd.IsDaemonUnavailable(err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       settleDelay,
		MaxDuration: settleTimeout,
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	return c.settleResult(err)
}

// settleResult folds a retry outcome into "settled or not": hitting
// the retry bound is not an error, it just means not settled yet.
func (c *Coordinator) settleResult(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case retry.IsAttemptsExceeded(err), retry.IsDurationExceeded(err):
		last := retry.LastError(err)
		logger.Debugf("gave up waiting: %v", last)
		return false, nil
	default:
		return false, errors.Trace(err)
	}
}
