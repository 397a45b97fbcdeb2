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

package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"ZaychikServer/internal/config"
	"ZaychikServer/pkg/types"
)

var log = logrus.WithField("component", "InfluxDB")

const measurement = "node_history"

type InfluxDB struct {
	client influxdb2.Client
	org    string
	bucket string
	nodes  []string

	buffer    []types.HistoryStat
	bufferMu  sync.Mutex
	batchSize int

	stop chan struct{}
	done chan struct{}
}

func NewInfluxDB(ctx context.Context, cfg config.DBConfig, nodes []string) (*InfluxDB, error) {
	client := influxdb2.NewClient(cfg.InfluxDB.URL, cfg.InfluxDB.Token)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	attempt := 0
	ping := func() error {
		attempt++
		ok, err := client.Ping(ctx)
		if err == nil && !ok {
			err = fmt.Errorf("server is not ready")
		}
		if err != nil {
			log.Warnf("Failed to connect to InfluxDB (attempt %d): %v", attempt, err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping InfluxDB after %d attempts: %w", attempt, err)
	}

	db := &InfluxDB{
		client:    client,
		org:       cfg.InfluxDB.Org,
		bucket:    cfg.InfluxDB.Bucket,
		nodes:     nodes,
		batchSize: cfg.BatchSize,
		buffer:    make([]types.HistoryStat, 0, cfg.BatchSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if err := db.createBucketIfNotExists(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	go db.periodicFlush(cfg.FlushInterval)
	return db, nil
}

func (db *InfluxDB) SaveHistoryStat(ctx context.Context, stat types.HistoryStat) error {
	db.bufferMu.Lock()
	db.buffer = append(db.buffer, stat)

	if len(db.buffer) >= db.batchSize {
		buffer := db.buffer
		db.buffer = make([]types.HistoryStat, 0, db.batchSize)
		db.bufferMu.Unlock()
		return db.writeBatch(ctx, buffer)
	}

	db.bufferMu.Unlock()
	return nil
}

// historyPoints turns samples into one point per node and sample.
func historyPoints(nodes []string, stats []types.HistoryStat) []*write.Point {
	var points []*write.Point
	for _, stat := range stats {
		ts := stat.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		for i, n := range stat.Nodes {
			name := fmt.Sprintf("node%d", i)
			if i < len(nodes) {
				name = nodes[i]
			}

			fields := map[string]interface{}{
				"cpu_power_w":  n.CPUPower,
				"node_power_w": n.NodePower,
				"num_gpus":     len(n.GPUPowers),
				"num_fans":     len(n.FanSpeeds),
			}
			gpuTotal := 0.0
			for j, p := range n.GPUPowers {
				fields[fmt.Sprintf("gpu%d_power_w", j)] = p
				gpuTotal += p
			}
			fields["gpu_power_w"] = gpuTotal
			for j, s := range n.FanSpeeds {
				fields[fmt.Sprintf("fan%d_speed", j)] = s
			}

			tags := map[string]string{
				"node":  name,
				"index": fmt.Sprintf("%d", i),
			}
			points = append(points, influxdb2.NewPoint(measurement, tags, fields, ts))
		}
	}
	return points
}

func (db *InfluxDB) writeBatch(ctx context.Context, stats []types.HistoryStat) error {
	if len(stats) == 0 {
		return nil
	}
	log.Debugf("Writing %d history samples", len(stats))

	writeAPI := db.client.WriteAPIBlocking(db.org, db.bucket)
	if err := writeAPI.WritePoint(ctx, historyPoints(db.nodes, stats)...); err != nil {
		return fmt.Errorf("failed to write batch data: %w", err)
	}
	return nil
}

// flush buffer periodically
func (db *InfluxDB) periodicFlush(interval time.Duration) {
	defer close(db.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.flush(context.Background()); err != nil {
				log.Errorf("Failed to flush buffer: %v", err)
			}
		case <-db.stop:
			return
		}
	}
}

func (db *InfluxDB) flush(ctx context.Context) error {
	db.bufferMu.Lock()
	buffer := db.buffer
	db.buffer = make([]types.HistoryStat, 0, db.batchSize)
	db.bufferMu.Unlock()
	return db.writeBatch(ctx, buffer)
}

func (db *InfluxDB) Close() error {
	close(db.stop)
	<-db.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := db.flush(ctx)
	if err != nil {
		log.Errorf("Failed to flush buffer: %v", err)
	}

	db.client.Close()
	return err
}

func (db *InfluxDB) createBucketIfNotExists(ctx context.Context) error {
	orgAPI := db.client.OrganizationsAPI()
	org, _ := orgAPI.FindOrganizationByName(ctx, db.org)
	if org == nil {
		log.Infof("Creating organization: %s", db.org)
		var err error
		org, err = orgAPI.CreateOrganizationWithName(ctx, db.org)
		if err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
	}

	bucketsAPI := db.client.BucketsAPI()
	if bucket, _ := bucketsAPI.FindBucketByName(ctx, db.bucket); bucket != nil {
		log.Infof("Bucket already exists: %s", db.bucket)
		return nil
	}

	log.Infof("Creating bucket: %s", db.bucket)
	if _, err := bucketsAPI.CreateBucketWithName(ctx, org, db.bucket); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
