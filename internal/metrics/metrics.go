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

// Package metrics exposes the control plane's Prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zaychik"

var (
	// TotalMaxPower is the worst-case draw computed by the last consult.
	TotalMaxPower = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backhome_total_max_power_watts",
			Help:      "Worst-case cluster power of the last consulted proposal",
		},
	)

	BackhomeVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backhome_verdicts_total",
			Help:      "Backhome consult outcomes by verdict and whether the change was rejected",
		},
		[]string{"verdict", "rejected"},
	)

	AgentCallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_call_failures_total",
			Help:      "Failed calls to node agents",
		},
		[]string{"node", "method", "path"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_cache_lookups_total",
			Help:      "Telemetry cache lookups by metric and result (hit, miss)",
		},
		[]string{"metric", "result"},
	)

	NodePower = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_power_watts",
			Help:      "Last observed whole-node power",
		},
		[]string{"node"},
	)

	BrakeActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brake_actions_total",
			Help:      "Brake sub-actions by target (cpu, gpu, fan) and result (ok, failed)",
		},
		[]string{"target", "result"},
	)

	BrakeTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "brake_triggered_total",
			Help:      "Times the brake monitor found the cluster over its power threshold",
		},
	)
)

func RecordConsult(total float64, verdict string, rejected bool) {
	TotalMaxPower.Set(total)
	r := "false"
	if rejected {
		r = "true"
	}
	BackhomeVerdicts.WithLabelValues(verdict, r).Inc()
}

func RecordCacheLookup(metric string, hit bool) {
	if hit {
		CacheLookups.WithLabelValues(metric, "hit").Inc()
	} else {
		CacheLookups.WithLabelValues(metric, "miss").Inc()
	}
}

func RecordBrakeAction(target string, err error) {
	if err != nil {
		BrakeActions.WithLabelValues(target, "failed").Inc()
	} else {
		BrakeActions.WithLabelValues(target, "ok").Inc()
	}
}
