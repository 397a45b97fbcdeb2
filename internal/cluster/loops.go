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

package cluster

import (
	"context"
	"time"

	"ZaychikServer/internal/metrics"
	"ZaychikServer/pkg/types"
)

// HistorySink persists telemetry samples.
type HistorySink interface {
	SaveHistoryStat(ctx context.Context, stat types.HistoryStat) error
}

// RunHistoryRecorder hands one sample to sink every interval until ctx is
// done. Failed reads and writes are logged and skipped.
func (c *Controller) RunHistoryRecorder(ctx context.Context, interval time.Duration, sink HistorySink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := c.GetHistoryStatWithCache(ctx)
			if err != nil {
				log.Errorf("Failed to read history stat: %v", err)
				continue
			}
			if err := sink.SaveHistoryStat(ctx, stat); err != nil {
				log.Errorf("Failed to save history stat: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CheckBrake brakes the cluster when its total node power is above
// threshold. It reports whether the brake was pulled.
func (c *Controller) CheckBrake(ctx context.Context, threshold float64) (bool, error) {
	stat, err := c.GetHistoryStatWithCache(ctx)
	if err != nil {
		return false, err
	}

	total := stat.TotalNodePower()
	if total <= threshold {
		log.Tracef("Cluster power %g W within brake threshold %g W", total, threshold)
		return false, nil
	}

	log.Warnf("Cluster power %g W exceeds brake threshold %g W", total, threshold)
	metrics.BrakeTriggered.Inc()
	c.Brake(ctx)
	return true, nil
}

func (c *Controller) RunBrakeMonitor(ctx context.Context, interval time.Duration, threshold float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.CheckBrake(ctx, threshold); err != nil {
				log.Errorf("Brake check skipped: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
