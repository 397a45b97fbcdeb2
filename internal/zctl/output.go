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
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"

	"ZaychikServer/internal/util"
	"ZaychikServer/pkg/types"
)

// compactClocks renders per-core clocks as runs, e.g. "3000x6,2000x2".
func compactClocks(clocks []int) string {
	if len(clocks) == 0 {
		return "-"
	}
	var runs []string
	start := 0
	for i := 1; i <= len(clocks); i++ {
		if i < len(clocks) && clocks[i] == clocks[start] {
			continue
		}
		if n := i - start; n > 1 {
			runs = append(runs, fmt.Sprintf("%dx%d", clocks[start], n))
		} else {
			runs = append(runs, strconv.Itoa(clocks[start]))
		}
		start = i
	}
	return strings.Join(runs, ",")
}

func formatCurve(c types.FanCurve) string {
	points := make([]string, len(c))
	for i, p := range c {
		points[i] = fmt.Sprintf("%d:%d", p.Temp, p.Speed)
	}
	return strings.Join(points, ",")
}

func formatFloats(values []float64, unit string) string {
	if len(values) == 0 {
		return "-"
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%.1f%s", v, unit)
	}
	return strings.Join(out, " ")
}

func PrintCurrentLimits(w io.Writer, limits types.CurrentLimits) {
	table := tablewriter.NewWriter(w)
	util.SetBorderlessTable(table)
	table.SetHeader([]string{"Node", "CPU(MHz)", "GPU(MHz)", "FanCurves"})

	for i, n := range limits.Nodes {
		gpu := "-"
		if n.CurGPUFreqLimit != nil {
			gpu = strconv.Itoa(*n.CurGPUFreqLimit)
		}
		curves := make([]string, len(n.CurFanCurves))
		for j, c := range n.CurFanCurves {
			curves[j] = fmt.Sprintf("#%d[%s]", j, formatCurve(c))
		}
		fans := strings.Join(curves, " ")
		if fans == "" {
			fans = "-"
		}
		table.Append([]string{strconv.Itoa(i), compactClocks(n.CurCPUFreqLimits), gpu, fans})
	}
	table.Render()
}

func PrintStaticInfo(w io.Writer, info types.StaticInfo) {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Cluster (%d nodes)", len(info.Nodes)))
	for i, n := range info.Nodes {
		node := tree.AddBranch(fmt.Sprintf("Node %d", i))
		cpu := node.AddBranch(fmt.Sprintf("CPU: %d cores", n.NumCPUCores))
		cpu.AddNode("Clocks(MHz): " + joinInts(n.CPUSupportedClocks))
		if n.HasGPU() {
			gpu := node.AddBranch(fmt.Sprintf("GPU: %d cards", n.NumGPUs))
			gpu.AddNode("Clocks(MHz): " + joinInts(n.GPUSupportedClocks))
		} else {
			node.AddNode("GPU: none")
		}
		node.AddNode(fmt.Sprintf("Fans: %d (%s)", n.NumFans, n.FanStyle))
	}
	fmt.Fprint(w, tree.String())
}

func joinInts(values []int) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.Itoa(v)
	}
	return strings.Join(out, " ")
}

func PrintHistoryStat(w io.Writer, stat types.HistoryStat) {
	table := tablewriter.NewWriter(w)
	util.SetBorderlessTable(table)
	table.SetHeader([]string{"Node", "CPU", "GPU", "Fans", "Total"})

	for i, n := range stat.Nodes {
		table.Append([]string{
			strconv.Itoa(i),
			fmt.Sprintf("%.1fW", n.CPUPower),
			formatFloats(n.GPUPowers, "W"),
			formatFloats(n.FanSpeeds, "%"),
			fmt.Sprintf("%.1fW", n.NodePower),
		})
	}
	table.SetFooter([]string{"", "", "", "Cluster", fmt.Sprintf("%.1fW", stat.TotalNodePower())})
	table.Render()
}

func PrintConsultResult(w io.Writer, what string, res types.ConsultResult) {
	fmt.Fprintf(w, "%s limits applied. Estimated maximum power: %.1f W (%s).\n",
		what, res.TotalMaxPower, res.Verdict)
}
