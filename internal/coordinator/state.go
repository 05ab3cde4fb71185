// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v2"
)

// stateDoc is the on-disk form of the process-local cluster state.
type stateDoc struct {
	Joined    bool   `yaml:"joined"`
	Channel   string `yaml:"channel,omitempty"`
	CertsHash string `yaml:"certs-hash,omitempty"`
}

// Store persists the local node's cluster state across agent
// restarts: whether this node has bootstrapped or joined, which
// workload channel it runs, and the hash of the last certificates
// pushed to the daemon. None of this is part of the coordination
// protocol; it is bookkeeping that must survive a restart.
type Store struct {
	path string
	doc  stateDoc
}

// NewStore loads the state file at path, creating an empty store if
// the file does not exist yet.
func NewStore(path string) (*Store, error) {
	store := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "reading local state")
	}
	if err := yaml.Unmarshal(data, &store.doc); err != nil {
		return nil, errors.Annotatef(err, "parsing local state %q", path)
	}
	return store, nil
}

// Joined reports whether this node has bootstrapped or joined the
// cluster.
func (s *Store) Joined() bool {
	return s.doc.Joined
}

// SetJoined records whether this node is part of the cluster.
func (s *Store) SetJoined(joined bool) error {
	s.doc.Joined = joined
	return s.save()
}

// Channel returns the recorded workload channel.
func (s *Store) Channel() string {
	return s.doc.Channel
}

// SetChannel records the workload channel being managed.
func (s *Store) SetChannel(channel string) error {
	s.doc.Channel = channel
	return s.save()
}

// CertsHash returns the hash of the last certificate material pushed
// to the daemon.
func (s *Store) CertsHash() string {
	return s.doc.CertsHash
}

// SetCertsHash records the hash of pushed certificate material.
func (s *Store) SetCertsHash(hash string) error {
	s.doc.CertsHash = hash
	return s.save()
}

func (s *Store) save() error {
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(
		utils.AtomicWriteFile(s.path, data, 0600),
		"writing local state")
}
