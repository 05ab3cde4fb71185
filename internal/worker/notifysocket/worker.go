// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notifysocket receives lifecycle notifications over a local
// unix socket and feeds them to the dispatch loop. It is the bridge
// for the external hook mechanism: each POST carries the latest
// observed shared peer state, and each response carries the local
// writes for the hook to flush back out.
package notifysocket

import (
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/clusterd-coordinator/internal/coordinator"
	"github.com/canonical/clusterd-coordinator/internal/worker/dispatcher"
)

// Logger represents the methods used by the worker to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// PeerSync is the local view of shared peer state, as synchronised by
// the external propagation medium.
type PeerSync interface {
	SyncAppData(data map[string]string)
	SyncUnitData(unit string, data map[string]string)
	Snapshot() (app, local map[string]string)
}

// Config defines the operation of the notification socket worker.
type Config struct {
	SocketName  string
	Deliveries  chan<- dispatcher.Delivery
	Peers       PeerSync
	Credentials func() (string, error)
	Logger      Logger

	// SetLeader records the leadership fact carried by each
	// notification. Leadership is owned by the platform; the
	// coordinator only ever reads the latest reported value.
	SetLeader func(bool)
}

// Validate returns an error if config cannot drive the worker.
func (config Config) Validate() error {
	if config.SocketName == "" {
		return errors.NotValidf("empty SocketName")
	}
	if config.Deliveries == nil {
		return errors.NotValidf("nil Deliveries")
	}
	if config.Peers == nil {
		return errors.NotValidf("nil Peers")
	}
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.SetLeader == nil {
		return errors.NotValidf("nil SetLeader")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Worker serves the notification socket.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewWorker returns a worker serving lifecycle notifications on the
// configured unix socket.
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
	// An agent killed without cleanup leaves the socket file behind,
	// and binding over it fails.
	if err := os.Remove(w.config.SocketName); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "removing stale socket %q", w.config.SocketName)
	}
	listener, err := net.Listen("unix", w.config.SocketName)
	if err != nil {
		return errors.Annotatef(err, "listening on %q", w.config.SocketName)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/notifications", w.handleNotification)
	mux.HandleFunc("/v1/credentials", w.handleCredentials)
	server := &http.Server{Handler: mux}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	w.config.Logger.Debugf("notification socket listening on %q", w.config.SocketName)

	select {
	case <-w.catacomb.Dying():
		_ = server.Close()
		<-served
		return w.catacomb.ErrDying()
	case err := <-served:
		return errors.Annotate(err, "notification socket server")
	}
}

// notificationRequest is one lifecycle notification POSTed by the
// hook bridge, along with its view of the shared peer bags.
type notificationRequest struct {
	Kind     string                       `json:"kind"`
	Unit     string                       `json:"unit,omitempty"`
	Leader   bool                         `json:"leader"`
	AppData  map[string]string            `json:"app-data,omitempty"`
	UnitData map[string]map[string]string `json:"unit-data,omitempty"`
}

// notificationResponse reports the handling outcome and the local
// writes the bridge must flush into the propagation medium.
type notificationResponse struct {
	Deferred  bool              `json:"deferred,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	AppData   map[string]string `json:"app-data"`
	LocalData map[string]string `json:"unit-data"`
}

func (w *Worker) handleNotification(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.writeError(resp, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if req.Body == nil || req.ContentLength == 0 {
		w.writeError(resp, http.StatusBadRequest, errors.New("missing request body"))
		return
	}
	var request notificationRequest
	if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
		w.writeError(resp, http.StatusBadRequest,
			errors.New("request body is not valid JSON"))
		return
	}
	kind, ok := coordinator.ParseKind(request.Kind)
	if !ok {
		w.writeError(resp, http.StatusBadRequest,
			errors.Errorf("unknown notification kind %q", request.Kind))
		return
	}

	w.config.SetLeader(request.Leader)
	if request.AppData != nil {
		w.config.Peers.SyncAppData(request.AppData)
	}
	for unit, data := range request.UnitData {
		w.config.Peers.SyncUnitData(unit, data)
	}

	reply := make(chan dispatcher.Outcome, 1)
	delivery := dispatcher.Delivery{
		Notification: coordinator.Notification{Kind: kind, Unit: request.Unit},
		Reply:        reply,
	}
	select {
	case w.config.Deliveries <- delivery:
	case <-w.catacomb.Dying():
		w.writeError(resp, http.StatusServiceUnavailable, errors.New("shutting down"))
		return
	}

	var outcome dispatcher.Outcome
	select {
	case outcome = <-reply:
	case <-w.catacomb.Dying():
		w.writeError(resp, http.StatusServiceUnavailable, errors.New("shutting down"))
		return
	}
	if outcome.Err != nil {
		w.writeError(resp, http.StatusInternalServerError, outcome.Err)
		return
	}

	app, local := w.config.Peers.Snapshot()
	w.writeJSON(resp, http.StatusOK, notificationResponse{
		Deferred:  outcome.Result.Deferred,
		Reason:    outcome.Result.Reason,
		AppData:   app,
		LocalData: local,
	})
}

func (w *Worker) handleCredentials(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.writeError(resp, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	url, err := w.config.Credentials()
	if err != nil {
		w.writeError(resp, http.StatusServiceUnavailable, err)
		return
	}
	w.writeJSON(resp, http.StatusOK, map[string]string{"url": url})
}

func (w *Worker) writeError(resp http.ResponseWriter, code int, err error) {
	w.writeJSON(resp, code, map[string]string{"error": err.Error()})
}

func (w *Worker) writeJSON(resp http.ResponseWriter, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.config.Logger.Errorf("marshalling response: %v", err)
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	if _, err := resp.Write(data); err != nil {
		w.config.Logger.Warningf("writing response: %v", err)
	}
}
