/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package zaychikd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/api"
	"ZaychikServer/internal/backhome"
	"ZaychikServer/internal/cluster"
	"ZaychikServer/internal/config"
	"ZaychikServer/internal/db"
)

// Daemon wires the cluster controller, the history sink and the HTTP façade
// built from one configuration.
type Daemon struct {
	cfg     *config.Config
	Cluster *cluster.Controller
	sink    db.HistorySink
	server  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon sets up every node. A node that cannot be described or
// initialized yields an error matching *agent.SetupError.
func NewDaemon(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	advisor, err := backhome.New(cfg.Backhome.AdvisorConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid backhome config: %w", err)
	}

	nodes := make([]*agent.Node, 0, len(cfg.Cluster.Nodes))
	names := make([]string, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		node := agent.NewNode(agent.NewClient(n.Host, n.Port, cfg.Agent.RequestTimeout), n.FanStyle)
		nodes = append(nodes, node)
		names = append(names, node.Name())
	}

	ctrl := cluster.New(nodes, cfg.Logging.CacheTTL(), advisor)
	log.Infof("Setting up %d nodes...", len(nodes))
	if err := ctrl.Setup(ctx); err != nil {
		return nil, err
	}

	sink, err := db.NewHistorySink(ctx, cfg.DB, names)
	if err != nil {
		return nil, fmt.Errorf("failed to create history sink: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		Cluster: ctrl,
		sink:    sink,
	}
	d.server = &http.Server{
		Handler:           api.NewHandler(ctrl).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Launch starts the background loops and serves the façade on l.
func (d *Daemon) Launch(l net.Listener) {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Cluster.RunHistoryRecorder(ctx, d.cfg.Logging.LogInterval, d.sink)
	}()

	if d.cfg.Brake.Enabled {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.Cluster.RunBrakeMonitor(ctx, d.cfg.Brake.CheckInterval, d.cfg.Brake.Threshold)
		}()
	}

	go func() {
		log.Infof("HTTP server listening on %s.", l.Addr())
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Failed to serve on %s: %v", l.Addr(), err)
		}
	}()
}

// Shutdown stops the façade, waits for the loops and flushes the sink.
func (d *Daemon) Shutdown(ctx context.Context) error {
	err := d.server.Shutdown(ctx)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if cerr := d.sink.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close history sink: %w", cerr))
	}
	return err
}
