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
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"ZaychikServer/internal/config"
	"ZaychikServer/pkg/types"
)

var kafkaLog = logrus.WithField("component", "Kafka")

// Kafka publishes one JSON record per node and sample, keyed by node.
type Kafka struct {
	client *kgo.Client
	topic  string
	nodes  []string
}

type nodeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	Index     int       `json:"index"`
	types.NodeHistoryStat
}

func NewKafka(ctx context.Context, cfg config.DBConfig, nodes []string) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.DefaultProduceTopic(cfg.Kafka.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RetryTimeout(30*time.Second),
		kgo.RetryBackoffFn(func(attempts int) time.Duration {
			return time.Duration(attempts) * time.Second
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	attempt := 0
	ping := func() error {
		attempt++
		err := client.Ping(ctx)
		if err != nil {
			kafkaLog.Warnf("Failed to reach kafka brokers (attempt %d): %v", attempt, err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka after %d attempts: %w", attempt, err)
	}

	kafkaLog.Infof("Publishing history to kafka topic %s", cfg.Kafka.Topic)
	return &Kafka{client: client, topic: cfg.Kafka.Topic, nodes: nodes}, nil
}

func historyRecords(nodes []string, stat types.HistoryStat) ([]*kgo.Record, error) {
	ts := stat.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	records := make([]*kgo.Record, 0, len(stat.Nodes))
	for i, n := range stat.Nodes {
		name := fmt.Sprintf("node%d", i)
		if i < len(nodes) {
			name = nodes[i]
		}
		value, err := json.Marshal(nodeRecord{Timestamp: ts, Node: name, Index: i, NodeHistoryStat: n})
		if err != nil {
			return nil, err
		}
		records = append(records, &kgo.Record{Key: []byte(name), Value: value, Timestamp: ts})
	}
	return records, nil
}

func (k *Kafka) SaveHistoryStat(ctx context.Context, stat types.HistoryStat) error {
	records, err := historyRecords(k.nodes, stat)
	if err != nil {
		return fmt.Errorf("failed to encode history stat: %w", err)
	}
	if err := k.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
