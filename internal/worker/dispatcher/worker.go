// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher owns the node's event loop: lifecycle
// notifications are processed strictly one at a time, in delivery
// order, and deferred notifications are redelivered on a fixed
// interval until they complete. There is no other intra-node
// concurrency in the coordination core.
package dispatcher

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/clusterd-coordinator/internal/coordinator"
)

// shutdownTimeout bounds the daemon shutdown attempted when the
// worker itself is being killed.
const shutdownTimeout = 10 * time.Second

// Logger represents the methods used by the worker to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Coordinator handles one notification at a time.
type Coordinator interface {
	Handle(ctx context.Context, n coordinator.Notification) (coordinator.Result, error)
}

// Outcome reports how the first handling attempt of a delivery went.
type Outcome struct {
	Result coordinator.Result
	Err    error
}

// Delivery carries one notification into the dispatch loop. Reply,
// when non-nil, receives the outcome of the first handling attempt;
// redeliveries of deferred notifications do not reply.
type Delivery struct {
	Notification coordinator.Notification
	Reply        chan<- Outcome
}

// Config defines the operation of the dispatch worker.
type Config struct {
	Coordinator Coordinator
	Deliveries  <-chan Delivery
	Status      coordinator.StatusSetter
	Clock       clock.Clock
	Logger      Logger

	// RedeliveryInterval is how long a deferred notification waits
	// before its next attempt.
	RedeliveryInterval time.Duration
}

// Validate returns an error if config cannot drive the worker.
func (config Config) Validate() error {
	if config.Coordinator == nil {
		return errors.NotValidf("nil Coordinator")
	}
	if config.Deliveries == nil {
		return errors.NotValidf("nil Deliveries")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.RedeliveryInterval <= 0 {
		return errors.NotValidf("redelivery interval %s", config.RedeliveryInterval)
	}
	return nil
}

// Worker runs the dispatch loop.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a dispatch worker backed by config.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	var pending []coordinator.Notification
	var timer clock.Timer
	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.Chan()
		}
		select {
		case <-w.catacomb.Dying():
			w.shutdownDaemon()
			return w.catacomb.ErrDying()
		case delivery, ok := <-w.config.Deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			outcome := w.handle(ctx, delivery.Notification)
			if delivery.Reply != nil {
				select {
				case delivery.Reply <- outcome:
				default:
				}
			}
			if outcome.Err == nil && outcome.Result.Deferred {
				pending = appendPending(pending, delivery.Notification)
			}
		case <-timeout:
			timer = nil
			pending = w.redeliver(ctx, pending)
		}
		if len(pending) > 0 && timer == nil {
			timer = w.config.Clock.NewTimer(w.config.RedeliveryInterval)
		}
	}
}

// handle processes one notification. A fatal error does not kill the
// worker: the node is reported blocked and the loop keeps serving
// later notifications, which may clear the condition.
func (w *Worker) handle(ctx context.Context, n coordinator.Notification) Outcome {
	result, err := w.config.Coordinator.Handle(ctx, n)
	if err != nil {
		w.config.Logger.Errorf("handling %s: %v", n, err)
		if w.config.Status != nil {
			w.config.Status.Blocked(err.Error())
		}
		return Outcome{Err: err}
	}
	if result.Deferred {
		w.config.Logger.Debugf("deferred %s: %s", n, result.Reason)
	}
	return Outcome{Result: result}
}

// redeliver reattempts deferred notifications in their original
// order, keeping those that defer again.
func (w *Worker) redeliver(ctx context.Context, pending []coordinator.Notification) []coordinator.Notification {
	var still []coordinator.Notification
	for _, n := range pending {
		outcome := w.handle(ctx, n)
		if outcome.Err == nil && outcome.Result.Deferred {
			still = append(still, n)
		}
	}
	return still
}

// shutdownDaemon gives the daemon a chance to stop cleanly when the
// local node is going away.
func (w *Worker) shutdownDaemon() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stop := coordinator.Notification{Kind: coordinator.StopRequested}
	if _, err := w.config.Coordinator.Handle(ctx, stop); err != nil {
		w.config.Logger.Warningf("shutting down clusterd: %v", err)
	}
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return w.catacomb.Context(ctx), cancel
}

// appendPending queues a deferred notification exactly once;
// duplicate deliveries collapse into the existing queue entry.
func appendPending(pending []coordinator.Notification, n coordinator.Notification) []coordinator.Notification {
	for _, p := range pending {
		if p == n {
			return pending
		}
	}
	return append(pending, n)
}
