// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/juju/errors"
)

// ConfigureCertificates pushes TLS material for the daemon's
// inter-node channel. Only the leader configures certificates, and
// unchanged material is not pushed again; the hash of the last push
// is persisted so a restarted coordinator keeps the dedupe.
func (c *Coordinator) ConfigureCertificates(ctx context.Context, ca, cert, key string) error {
	if !c.config.Peers.Leader() {
		logger.Debugf("not leader, skipping certificate configuration")
		return nil
	}
	sum := sha256.Sum256([]byte(ca + cert + key))
	hash := hex.EncodeToString(sum[:])
	if hash == c.config.Store.CertsHash() {
		logger.Debugf("certificates unchanged")
		return nil
	}
	if err := c.config.Client.SetCertificates(ctx, ca, cert, key); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.config.Store.SetCertsHash(hash))
}
