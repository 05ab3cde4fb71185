// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// clusterd-coordinator drives cluster membership for the local
// cluster-metadata daemon. The hook bridge POSTs lifecycle
// notifications (with its view of shared peer state) to the
// coordinator's own unix socket; the coordinator talks to the daemon
// over the daemon's control socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/yaml.v2"

	"github.com/canonical/clusterd-coordinator/internal/clusterd"
	"github.com/canonical/clusterd-coordinator/internal/coordinator"
	"github.com/canonical/clusterd-coordinator/internal/peers"
	"github.com/canonical/clusterd-coordinator/internal/worker/dispatcher"
	"github.com/canonical/clusterd-coordinator/internal/worker/notifysocket"
)

var logger = loggo.GetLogger("clusterd.cmd")

const redeliveryInterval = 30 * time.Second

type agentConfig struct {
	Unit          string `yaml:"unit"`
	ControlSocket string `yaml:"control-socket"`
	NotifySocket  string `yaml:"notify-socket"`
	BindAddress   string `yaml:"bind-address"`
	Port          int    `yaml:"port"`
	StateFile     string `yaml:"state-file"`
	Channel       string `yaml:"channel,omitempty"`
	LogLevel      string `yaml:"log-level,omitempty"`
}

func defaultConfig() agentConfig {
	return agentConfig{
		ControlSocket: "/var/snap/openstack/common/state/control.socket",
		NotifySocket:  "/var/lib/clusterd-coordinator/notify.socket",
		StateFile:     "/var/lib/clusterd-coordinator/state.yaml",
		Port:          7000,
		LogLevel:      "INFO",
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := gnuflag.NewFlagSet("clusterd-coordinator", gnuflag.ContinueOnError)
	configPath := flags.String("config", "/etc/clusterd-coordinator.yaml", "path to the agent config file")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	config, err := readConfig(*configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers("clusterd=" + config.LogLevel); err != nil {
		return errors.Trace(err)
	}

	switch command := flags.Arg(0); command {
	case "run", "":
		return errors.Trace(runAgent(config))
	case "get-credentials":
		return errors.Trace(getCredentials(config))
	default:
		return errors.NotValidf("command %q", command)
	}
}

func readConfig(path string) (agentConfig, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Annotate(err, "reading agent config")
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Annotatef(err, "parsing agent config %q", path)
	}
	if config.Unit == "" {
		return config, errors.NotValidf("agent config without unit")
	}
	if config.BindAddress == "" {
		return config, errors.NotValidf("agent config without bind-address")
	}
	return config, nil
}

func runAgent(config agentConfig) error {
	var leader atomic.Bool
	peerState, err := peers.NewState(config.Unit, leader.Load)
	if err != nil {
		return errors.Trace(err)
	}
	store, err := coordinator.NewStore(config.StateFile)
	if err != nil {
		return errors.Trace(err)
	}
	if config.Channel != "" && config.Channel != store.Channel() {
		if err := store.SetChannel(config.Channel); err != nil {
			return errors.Trace(err)
		}
	}
	status := &statusLogger{}
	coord, err := coordinator.New(coordinator.Config{
		Client:      clusterd.NewClient(config.ControlSocket),
		Peers:       peerState,
		Store:       store,
		Status:      status,
		Clock:       clock.WallClock,
		BindAddress: config.BindAddress,
		Port:        config.Port,
	})
	if err != nil {
		return errors.Trace(err)
	}

	deliveries := make(chan dispatcher.Delivery)
	dispatchWorker, err := dispatcher.NewWorker(dispatcher.Config{
		Coordinator:        coord,
		Deliveries:         deliveries,
		Status:             status,
		Clock:              clock.WallClock,
		Logger:             loggo.GetLogger("clusterd.worker.dispatcher"),
		RedeliveryInterval: redeliveryInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}
	socketWorker, err := notifysocket.NewWorker(notifysocket.Config{
		SocketName:  config.NotifySocket,
		Deliveries:  deliveries,
		Peers:       peerState,
		SetLeader:   leader.Store,
		Credentials: coord.Credentials,
		Logger:      loggo.GetLogger("clusterd.worker.notifysocket"),
	})
	if err != nil {
		dispatchWorker.Kill()
		_ = dispatchWorker.Wait()
		return errors.Trace(err)
	}

	return errors.Trace(wait(dispatchWorker, socketWorker))
}

// wait blocks until a signal arrives or either worker dies, then
// tears both down.
func wait(workers ...worker.Worker) error {
	died := make(chan error, len(workers))
	for _, w := range workers {
		w := w
		go func() { died <- w.Wait() }()
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	var err error
	remaining := len(workers)
	select {
	case err = <-died:
		remaining--
	case sig := <-signals:
		logger.Infof("received %s, stopping", sig)
	}
	for _, w := range workers {
		w.Kill()
	}
	for ; remaining > 0; remaining-- {
		<-died
	}
	return errors.Trace(err)
}

// getCredentials asks a running agent for the daemon URL, the same
// surface the operator action exposes.
func getCredentials(config agentConfig) error {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", config.NotifySocket)
			},
		},
	}
	resp, err := client.Get("http://localhost/v1/credentials")
	if err != nil {
		return errors.Annotate(err, "querying coordinator")
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Trace(err)
	}
	var body struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return errors.Trace(err)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("get-credentials failed: %s", body.Error)
	}
	fmt.Println(body.URL)
	return nil
}

// statusLogger reports node condition through the agent log. When the
// hook bridge is present it mirrors these into operator status.
type statusLogger struct{}

func (statusLogger) Maintenance(message string) { logger.Infof("status maintenance: %s", message) }
func (statusLogger) Waiting(message string)     { logger.Infof("status waiting: %s", message) }
func (statusLogger) Blocked(message string)     { logger.Warningf("status blocked: %s", message) }
func (statusLogger) Active(message string) {
	if message != "" {
		logger.Infof("status active: %s", message)
	}
}
