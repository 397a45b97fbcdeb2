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

// Package db persists telemetry history.
package db

import (
	"context"
	"fmt"

	"ZaychikServer/internal/config"
	"ZaychikServer/pkg/types"
)

type HistorySink interface {
	SaveHistoryStat(ctx context.Context, stat types.HistoryStat) error
	Close() error
}

// NewHistorySink builds the sink selected by cfg.Type. nodes names the
// cluster nodes in the order HistoryStat lists them.
func NewHistorySink(ctx context.Context, cfg config.DBConfig, nodes []string) (HistorySink, error) {
	switch cfg.Type {
	case "influxdb":
		if cfg.InfluxDB == nil {
			return nil, fmt.Errorf("influxdb config is nil")
		}
		return NewInfluxDB(ctx, cfg, nodes)
	case "kafka":
		if cfg.Kafka == nil {
			return nil, fmt.Errorf("kafka config is nil")
		}
		return NewKafka(ctx, cfg, nodes)
	case "none":
		return NopSink{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// NopSink discards every sample.
type NopSink struct{}

func (NopSink) SaveHistoryStat(context.Context, types.HistoryStat) error {
	log.Tracef("Discarding history stat")
	return nil
}

func (NopSink) Close() error {
	return nil
}
