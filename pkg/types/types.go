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

package types

import (
	"fmt"
	"time"
)

type FanStyle string

const (
	FanStyleASC FanStyle = "asc"
	FanStyleSC  FanStyle = "sc"
)

func (s FanStyle) Valid() bool {
	return s == FanStyleASC || s == FanStyleSC
}

// FanCurvePoint maps a temperature (℃) to a fan duty cycle (%).
type FanCurvePoint struct {
	Temp  int `json:"temp"`
	Speed int `json:"speed"`
}

type FanCurve []FanCurvePoint

func (c FanCurve) Clone() FanCurve {
	if c == nil {
		return nil
	}
	out := make(FanCurve, len(c))
	copy(out, c)
	return out
}

// MaxSpeed returns the highest duty cycle along the curve, 0 for an empty curve.
func (c FanCurve) MaxSpeed() int {
	m := 0
	for _, p := range c {
		if p.Speed > m {
			m = p.Speed
		}
	}
	return m
}

// NodeStaticInfo is fetched once from the node agent and never changes.
type NodeStaticInfo struct {
	CPUSupportedClocks []int    `json:"cpu_supported_clocks"` // unit: MHz
	NumCPUCores        int      `json:"num_cpu_cores"`
	GPUSupportedClocks []int    `json:"gpu_supported_clocks"` // unit: MHz
	NumGPUs            int      `json:"num_gpus"`
	NumFans            int      `json:"num_fans"`
	FanStyle           FanStyle `json:"fan_style"`
}

func (s NodeStaticInfo) HasGPU() bool {
	return s.NumGPUs > 0
}

func (s NodeStaticInfo) Clone() NodeStaticInfo {
	out := s
	out.CPUSupportedClocks = append([]int(nil), s.CPUSupportedClocks...)
	out.GPUSupportedClocks = append([]int(nil), s.GPUSupportedClocks...)
	return out
}

// NodeCurrentLimits mirrors the limits last written to a node.
// CurGPUFreqLimit is nil iff the node has no GPU.
type NodeCurrentLimits struct {
	CurCPUFreqLimits []int      `json:"cur_cpu_freq_limits"`
	CurGPUFreqLimit  *int       `json:"cur_gpu_freq_limit"`
	CurFanCurves     []FanCurve `json:"cur_fan_curves"`
}

func (l NodeCurrentLimits) Clone() NodeCurrentLimits {
	out := NodeCurrentLimits{
		CurCPUFreqLimits: append([]int(nil), l.CurCPUFreqLimits...),
	}
	if l.CurGPUFreqLimit != nil {
		v := *l.CurGPUFreqLimit
		out.CurGPUFreqLimit = &v
	}
	if l.CurFanCurves != nil {
		out.CurFanCurves = make([]FanCurve, len(l.CurFanCurves))
		for i, c := range l.CurFanCurves {
			out.CurFanCurves[i] = c.Clone()
		}
	}
	return out
}

type StaticInfo struct {
	Nodes []NodeStaticInfo `json:"nodes"`
}

type CurrentLimits struct {
	Nodes []NodeCurrentLimits `json:"nodes"`
}

func (c CurrentLimits) Clone() CurrentLimits {
	out := CurrentLimits{Nodes: make([]NodeCurrentLimits, len(c.Nodes))}
	for i, n := range c.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return out
}

// ClusterSnapshot is the advisory input: what every node can do and what it
// would be limited to.
type ClusterSnapshot struct {
	StaticInfo    StaticInfo    `json:"static_info"`
	CurrentLimits CurrentLimits `json:"current_limits"`
}

type NodeHistoryStat struct {
	CPUPower  float64   `json:"cpu_power"`  // unit: W
	GPUPowers []float64 `json:"gpu_powers"` // unit: W
	FanSpeeds []float64 `json:"fan_speeds"` // unit: %
	NodePower float64   `json:"node_power"` // unit: W
}

type HistoryStat struct {
	Timestamp time.Time         `json:"timestamp"`
	Nodes     []NodeHistoryStat `json:"nodes"`
}

func (h HistoryStat) TotalNodePower() float64 {
	total := 0.0
	for _, n := range h.Nodes {
		total += n.NodePower
	}
	return total
}

type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictWarn
	VerdictNotAllowed
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictWarn:
		return "WARN"
	case VerdictNotAllowed:
		return "NOTALLOWED"
	default:
		return "UNKNOWN"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OK":
		*v = VerdictOK
	case "WARN":
		*v = VerdictWarn
	case "NOTALLOWED":
		*v = VerdictNotAllowed
	default:
		return fmt.Errorf("unknown verdict %q", text)
	}
	return nil
}

type ConsultResult struct {
	TotalMaxPower float64 `json:"total_max_power"` // unit: W
	Verdict       Verdict `json:"verdict"`
}

// PowerBreakpoint is one row of a power reference table. Metric is a clock in
// MHz for CPU and GPU tables and a duty cycle in % for the fan table.
type PowerBreakpoint struct {
	Metric int     `json:"metric"`
	Power  float64 `json:"power"`
}

type PowerReferenceTable []PowerBreakpoint
