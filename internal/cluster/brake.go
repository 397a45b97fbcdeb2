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
	"errors"
	"fmt"
	"slices"
	"sync"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/metrics"
)

// BrakeResult records the outcome of each sub-action on one node. GPU is nil
// and GPUSkipped is set for nodes without GPUs.
type BrakeResult struct {
	Node       string
	CPU        error
	GPU        error
	GPUSkipped bool
	Fan        error
}

func (r BrakeResult) Err() error {
	return errors.Join(r.CPU, r.GPU, r.Fan)
}

// Brake throttles every node to its minimum clocks and the minimum-safety fan
// curve. Every node and every sub-action runs regardless of the others'
// failures; failures are logged and reported per node, never returned.
func (c *Controller) Brake(ctx context.Context) []BrakeResult {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	log.Warnf("Braking %d nodes", len(c.nodes))

	results := make([]BrakeResult, len(c.nodes))
	var wg sync.WaitGroup
	for i, n := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = brakeNode(ctx, n)
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err() != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Errorf("Brake finished with %d of %d nodes failing", failed, len(results))
	} else {
		log.Infof("Brake finished on %d nodes", len(results))
	}
	return results
}

func brakeNode(ctx context.Context, n *agent.Node) BrakeResult {
	r := BrakeResult{Node: n.Name()}
	static := n.StaticInfo()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if len(static.CPUSupportedClocks) == 0 {
			r.CPU = fmt.Errorf("node %s reports no supported CPU clocks", r.Node)
		} else {
			clocks := make([]int, static.NumCPUCores)
			minCPU := slices.Min(static.CPUSupportedClocks)
			for i := range clocks {
				clocks[i] = minCPU
			}
			r.CPU = n.SetCPUClocks(ctx, clocks)
		}
		metrics.RecordBrakeAction("cpu", r.CPU)
		if r.CPU != nil {
			log.Errorf("Failed to brake CPU on node %s: %v", r.Node, r.CPU)
		}
	}()
	go func() {
		defer wg.Done()
		if !static.HasGPU() {
			r.GPUSkipped = true
			return
		}
		r.GPU = n.SetGPUClock(ctx, slices.Min(static.GPUSupportedClocks))
		metrics.RecordBrakeAction("gpu", r.GPU)
		if r.GPU != nil {
			log.Errorf("Failed to brake GPU on node %s: %v", r.Node, r.GPU)
		}
	}()
	go func() {
		defer wg.Done()
		r.Fan = n.SetAllFanCurves(ctx, agent.BrakeFanCurve())
		metrics.RecordBrakeAction("fan", r.Fan)
		if r.Fan != nil {
			log.Errorf("Failed to brake fans on node %s: %v", r.Node, r.Fan)
		}
	}()
	wg.Wait()

	return r
}
