// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package clusterd

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ErrDaemonUnavailable indicates that the clusterd control socket is
// missing, refusing connections, or the daemon answered 503. Callers
// must treat this as transient and retry (or defer) rather than fail.
const ErrDaemonUnavailable = errors.ConstError("clusterd daemon unavailable")

// ErrConnectionClosed indicates the daemon dropped the connection
// mid-request. It always also satisfies ErrDaemonUnavailable; the
// finer type exists because some callers treat a dropped connection
// during shutdown or removal as success.
const ErrConnectionClosed = errors.ConstError("connection closed by clusterd")

// StatusError is returned for any response with an HTTP error status
// that is not mapped to ErrDaemonUnavailable. It retains the status
// code and the daemon's error text so that callers can pattern-match
// the handful of responses that indicate "already in desired state".
type StatusError struct {
	Code    int
	Message string
}

// Error is part of the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("clusterd request failed (%d): %s", e.Code, e.Message)
}

// IsDaemonUnavailable reports whether err indicates the daemon cannot
// currently be reached.
func IsDaemonUnavailable(err error) bool {
	return errors.Is(err, ErrDaemonUnavailable)
}

// IsConnectionClosed reports whether err indicates the daemon dropped
// the connection mid-request.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// The message fragments below are heuristics tied to the daemon's
// current error strings. Revisit them when moving the workload to a
// new channel; the daemon does not treat its error text as API.
var (
	// memberGoneMessages identify remove-member failures that mean
	// the member is already absent from the cluster.
	memberGoneMessages = []string{
		"No remote exists with this name",
		"No dqlite cluster member exists with this name",
		"delete \"https://",
	}

	// daemonNotInitialisedMessages identify responses from a daemon
	// that is running but holds no cluster state, either because it
	// was never bootstrapped or because it was just removed.
	daemonNotInitialisedMessages = []string{
		"Daemon not yet initialized",
		"database is closed",
	}

	// shutdownRaceMessages identify the daemon tearing down its
	// control socket while still answering the shutdown request.
	shutdownRaceMessages = []string{
		"but the connection was closed anyway",
		"shutdown succeeded",
	}
)

func matchesAny(err error, fragments []string) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	for _, fragment := range fragments {
		if strings.Contains(statusErr.Message, fragment) {
			return true
		}
	}
	return false
}

// IsMemberGone reports whether err is a remove-member failure meaning
// the member was already removed.
func IsMemberGone(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.Code == 404 {
		return true
	}
	return statusErr.Code == 500 && matchesAny(err, memberGoneMessages)
}

// IsDaemonNotInitialised reports whether err means the daemon is up
// but holds no cluster state.
func IsDaemonNotInitialised(err error) bool {
	return matchesAny(err, daemonNotInitialisedMessages)
}

// IsShutdownRace reports whether err is the daemon closing the control
// socket as part of honouring the shutdown request.
func IsShutdownRace(err error) bool {
	return matchesAny(err, shutdownRaceMessages)
}
