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

// Package backhome gates control changes on a worst-case estimate of the
// cluster's power draw.
package backhome

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ZaychikServer/internal/metrics"
	"ZaychikServer/pkg/types"
)

var log = logrus.WithField("component", "Backhome")

var (
	ErrNotAllowed      = errors.New("backhome: operation not allowed")
	ErrWarnUnconfirmed = errors.New("backhome: warning not confirmed")
)

// BudgetError is returned when a proposal is rejected. It matches
// ErrNotAllowed or ErrWarnUnconfirmed through errors.Is.
type BudgetError struct {
	Verdict   types.Verdict
	Total     float64
	Threshold float64
}

func (e *BudgetError) Error() string {
	if e.Verdict == types.VerdictNotAllowed {
		return fmt.Sprintf("backhome protector does not allow this operation: "+
			"it may raise power consumption to %g W while the limit is %g W", e.Total, e.Threshold)
	}
	return fmt.Sprintf("backhome protector warns that this operation may raise power consumption to %g W "+
		"while the warning limit is %g W; confirm the warning to proceed", e.Total, e.Threshold)
}

func (e *BudgetError) Unwrap() error {
	if e.Verdict == types.VerdictNotAllowed {
		return ErrNotAllowed
	}
	return ErrWarnUnconfirmed
}

type Config struct {
	CPUPowerPerCore types.PowerReferenceTable
	GPUPowerPerCard types.PowerReferenceTable
	FanPowerPerFan  types.PowerReferenceTable

	BasePowerOfAllNodes float64
	WarnThreshold       float64
	NotAllowedThreshold float64
}

// Advisor is immutable after New and safe for concurrent use.
type Advisor struct {
	cfg Config
}

func New(cfg Config) (*Advisor, error) {
	if cfg.BasePowerOfAllNodes == 0 || cfg.WarnThreshold == 0 || cfg.NotAllowedThreshold == 0 {
		return nil, fmt.Errorf("base_power_of_all_nodes, warn_threshold and notallowed_threshold " +
			"must be specified in backhome config")
	}
	if cfg.WarnThreshold > cfg.NotAllowedThreshold {
		return nil, fmt.Errorf("warn_threshold (%g) must not exceed notallowed_threshold (%g)",
			cfg.WarnThreshold, cfg.NotAllowedThreshold)
	}

	tables := []struct {
		name  string
		table types.PowerReferenceTable
	}{
		{"cpu_power_per_core", cfg.CPUPowerPerCore},
		{"gpu_power_per_card", cfg.GPUPowerPerCard},
		{"fan_power_per_fan", cfg.FanPowerPerFan},
	}
	for _, t := range tables {
		if err := validateTable(t.table); err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
	}

	return &Advisor{cfg: cfg}, nil
}

func validateTable(table types.PowerReferenceTable) error {
	if len(table) == 0 {
		return fmt.Errorf("reference table cannot be empty")
	}
	for i := 1; i < len(table); i++ {
		if table[i].Metric < table[i-1].Metric {
			return fmt.Errorf("reference table must be sorted by ascending metric, "+
				"got %d after %d", table[i].Metric, table[i-1].Metric)
		}
	}
	return nil
}

// EstimatePower returns the power of the first breakpoint whose metric is not
// below the given one. Past the last breakpoint the last power is used.
func EstimatePower(metric int, table types.PowerReferenceTable) float64 {
	for _, bp := range table {
		if bp.Metric >= metric {
			return bp.Power
		}
	}
	last := table[len(table)-1]
	log.Warnf("Metric %d exceeds every reference point (max %d), falling back to %g W",
		metric, last.Metric, last.Power)
	return last.Power
}

// Estimate sums the worst-case draw of a hypothetical cluster state.
func (a *Advisor) Estimate(snapshot types.ClusterSnapshot) (float64, error) {
	static := snapshot.StaticInfo.Nodes
	limits := snapshot.CurrentLimits.Nodes
	if len(static) != len(limits) {
		return 0, fmt.Errorf("snapshot describes %d nodes but carries limits for %d", len(static), len(limits))
	}

	total := a.cfg.BasePowerOfAllNodes
	for i, node := range limits {
		for _, clock := range node.CurCPUFreqLimits {
			total += EstimatePower(clock, a.cfg.CPUPowerPerCore)
		}
		if static[i].NumGPUs > 0 && node.CurGPUFreqLimit != nil {
			per := EstimatePower(*node.CurGPUFreqLimit, a.cfg.GPUPowerPerCard)
			total += per * float64(static[i].NumGPUs)
		}
		for _, curve := range node.CurFanCurves {
			total += EstimatePower(curve.MaxSpeed(), a.cfg.FanPowerPerFan)
		}
	}
	return total, nil
}

func (a *Advisor) classify(total float64) types.Verdict {
	switch {
	case total > a.cfg.NotAllowedThreshold:
		return types.VerdictNotAllowed
	case total > a.cfg.WarnThreshold:
		return types.VerdictWarn
	default:
		return types.VerdictOK
	}
}

// Consult judges a hypothetical state. A NOTALLOWED verdict always rejects; a
// WARN verdict rejects unless confirmed is set.
func (a *Advisor) Consult(snapshot types.ClusterSnapshot, confirmed bool) (types.ConsultResult, error) {
	total, err := a.Estimate(snapshot)
	if err != nil {
		return types.ConsultResult{}, err
	}
	result := types.ConsultResult{TotalMaxPower: total, Verdict: a.classify(total)}

	switch result.Verdict {
	case types.VerdictNotAllowed:
		metrics.RecordConsult(total, result.Verdict.String(), true)
		return types.ConsultResult{}, &BudgetError{
			Verdict: result.Verdict, Total: total, Threshold: a.cfg.NotAllowedThreshold,
		}
	case types.VerdictWarn:
		if !confirmed {
			metrics.RecordConsult(total, result.Verdict.String(), true)
			return types.ConsultResult{}, &BudgetError{
				Verdict: result.Verdict, Total: total, Threshold: a.cfg.WarnThreshold,
			}
		}
		log.Warnf("Confirmed operation may raise power consumption to %g W while the warning limit is %g W",
			total, a.cfg.WarnThreshold)
	}

	metrics.RecordConsult(total, result.Verdict.String(), false)
	return result, nil
}
