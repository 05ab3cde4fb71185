// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import "fmt"

// Kind enumerates the lifecycle notifications the coordinator
// consumes. They are delivered one at a time per node, in order, by
// an external dispatch mechanism; duplicates and cross-node
// reordering are expected and every transition guards against them.
type Kind int

const (
	// PeerCreated fires once when the peer exchange first becomes
	// available to the local node.
	PeerCreated Kind = iota + 1
	// PeerChanged fires when shared peer state has changed; Unit
	// names the peer whose announcements changed, and is empty when
	// only app-scope data moved.
	PeerChanged
	// PeerDeparted fires when a peer is leaving; Unit names the
	// departing unit.
	PeerDeparted
	// StopRequested fires when the local node itself is being torn
	// down.
	StopRequested
)

// String is part of the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case PeerCreated:
		return "peer-created"
	case PeerChanged:
		return "peer-changed"
	case PeerDeparted:
		return "peer-departed"
	case StopRequested:
		return "stop-requested"
	}
	return fmt.Sprintf("kind-%d", int(k))
}

// ParseKind maps a lifecycle notification name to its Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "peer-created":
		return PeerCreated, true
	case "peer-changed":
		return PeerChanged, true
	case "peer-departed":
		return PeerDeparted, true
	case "stop-requested":
		return StopRequested, true
	}
	return 0, false
}

// Notification is one lifecycle event.
type Notification struct {
	Kind Kind
	Unit string
}

// String is part of the fmt.Stringer interface.
func (n Notification) String() string {
	if n.Unit == "" {
		return n.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", n.Kind, n.Unit)
}

// Result reports how a notification was handled. A deferred
// notification must be redelivered later; no data is lost, and there
// is no backoff at this layer.
type Result struct {
	Deferred bool
	Reason   string
}

var done = Result{}

func deferred(format string, args ...any) Result {
	return Result{Deferred: true, Reason: fmt.Sprintf(format, args...)}
}
