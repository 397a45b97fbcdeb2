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

package zctl

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"ZaychikServer/pkg/types"
)

// ParseIndexList parses a node selection such as "0,2-3" against a cluster
// of n nodes. An empty expression selects every node.
func ParseIndexList(expr string, n int) ([]int, error) {
	if strings.TrimSpace(expr) == "" {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	var out []int
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid node index %q", part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid node index %q", part)
			}
		}
		if start < 0 || end < start || end >= n {
			return nil, fmt.Errorf("node index %q out of range [0, %d)", part, n)
		}
		for i := start; i <= end; i++ {
			if !slices.Contains(out, i) {
				out = append(out, i)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func ParseClock(s string) (int, error) {
	clock, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(strings.ToLower(s), "mhz")))
	if err != nil || clock <= 0 {
		return 0, fmt.Errorf("invalid clock %q: expected a positive number of MHz", s)
	}
	return clock, nil
}

// ParseFanCurve parses "temp:speed,temp:speed,...", e.g. "30:20,60:50,80:100".
func ParseFanCurve(s string) (types.FanCurve, error) {
	var curve types.FanCurve
	for _, point := range strings.Split(s, ",") {
		t, sp, ok := strings.Cut(strings.TrimSpace(point), ":")
		if !ok {
			return nil, fmt.Errorf("invalid fan curve point %q: expected temp:speed", point)
		}
		temp, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid temperature in %q", point)
		}
		speed, err := strconv.Atoi(strings.TrimSuffix(sp, "%"))
		if err != nil {
			return nil, fmt.Errorf("invalid speed in %q", point)
		}
		curve = append(curve, types.FanCurvePoint{Temp: temp, Speed: speed})
	}
	return curve, nil
}

// CPUClocksFor keeps the current limits and sets every core of the selected
// nodes to clock.
func CPUClocksFor(limits types.CurrentLimits, selected []int, clock int) [][]int {
	out := make([][]int, len(limits.Nodes))
	for i, n := range limits.Nodes {
		out[i] = slices.Clone(n.CurCPUFreqLimits)
	}
	for _, i := range selected {
		for core := range out[i] {
			out[i][core] = clock
		}
	}
	return out
}

// GPUClocksFor keeps the current limits and sets the GPU clock of the
// selected nodes that have a GPU.
func GPUClocksFor(limits types.CurrentLimits, static types.StaticInfo, selected []int, clock int) ([]*int, error) {
	if len(static.Nodes) != len(limits.Nodes) {
		return nil, fmt.Errorf("static info lists %d nodes but limits list %d", len(static.Nodes), len(limits.Nodes))
	}

	out := make([]*int, len(limits.Nodes))
	for i, n := range limits.Nodes {
		if n.CurGPUFreqLimit != nil {
			v := *n.CurGPUFreqLimit
			out[i] = &v
		}
	}
	touched := 0
	for _, i := range selected {
		if !static.Nodes[i].HasGPU() {
			continue
		}
		v := clock
		out[i] = &v
		touched++
	}
	if touched == 0 {
		return nil, fmt.Errorf("none of the selected nodes has a GPU")
	}
	return out, nil
}

// FanCurvesFor keeps the current curves and sets the given fan (every fan
// when fan < 0) of the selected nodes to curve.
func FanCurvesFor(limits types.CurrentLimits, selected []int, fan int, curve types.FanCurve) ([][]types.FanCurve, error) {
	out := make([][]types.FanCurve, len(limits.Nodes))
	for i, n := range limits.Nodes {
		out[i] = make([]types.FanCurve, len(n.CurFanCurves))
		for j, c := range n.CurFanCurves {
			out[i][j] = c.Clone()
		}
	}
	touched := 0
	for _, i := range selected {
		if fan >= len(out[i]) {
			return nil, fmt.Errorf("node %d has %d fans, no fan %d", i, len(out[i]), fan)
		}
		for j := range out[i] {
			if fan < 0 || fan == j {
				out[i][j] = curve.Clone()
				touched++
			}
		}
	}
	if touched == 0 {
		return nil, fmt.Errorf("none of the selected nodes has a fan")
	}
	return out, nil
}
