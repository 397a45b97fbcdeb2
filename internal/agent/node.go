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

package agent

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"ZaychikServer/pkg/types"
)

// SetupError is fatal: the node could not be described or brought to its
// safe defaults.
type SetupError struct {
	Node  string
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to set up node %s (%s): %v", e.Node, e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Node is one compute node behind its agent. It mirrors the node's static
// capabilities and the limits last written to it.
//
// Writes are serialized by writeMu, held across the agent call and the mirror
// update. mu guards the mirror only, so readers never wait on I/O.
type Node struct {
	client *Client

	writeMu sync.Mutex

	mu     sync.RWMutex
	static types.NodeStaticInfo
	limits types.NodeCurrentLimits
}

func NewNode(client *Client, style types.FanStyle) *Node {
	return &Node{
		client: client,
		static: types.NodeStaticInfo{FanStyle: style},
	}
}

func (n *Node) Name() string {
	return n.client.Addr()
}

func (n *Node) StaticInfo() types.NodeStaticInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.static.Clone()
}

func (n *Node) CurrentLimits() types.NodeCurrentLimits {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.limits.Clone()
}

// Setup discovers the node's capabilities and applies the safe defaults.
// Any failure is fatal.
func (n *Node) Setup(ctx context.Context) error {
	var (
		cpu  cpuReply
		gpu  gpuReply
		fans fansReply
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.client.do(gctx, "GET", "/cpu", nil, &cpu); err != nil {
			return &SetupError{Node: n.Name(), Stage: "get CPU supported clocks", Err: err}
		}
		if len(cpu.SupportedClocks) == 0 || cpu.CoreCount <= 0 {
			return &SetupError{Node: n.Name(), Stage: "get CPU supported clocks",
				Err: fmt.Errorf("agent reported %d cores and %d supported clocks", cpu.CoreCount, len(cpu.SupportedClocks))}
		}
		return nil
	})
	g.Go(func() error {
		if err := n.client.do(gctx, "GET", "/gpu", nil, &gpu); err != nil {
			return &SetupError{Node: n.Name(), Stage: "get GPU supported clocks", Err: err}
		}
		if len(gpu.Powers) > 0 && len(gpu.SupportedClocks) == 0 {
			return &SetupError{Node: n.Name(), Stage: "get GPU supported clocks",
				Err: fmt.Errorf("agent reported %d GPUs but no supported clocks", len(gpu.Powers))}
		}
		return nil
	})
	g.Go(func() error {
		if err := n.client.do(gctx, "GET", "/fan", nil, &fans); err != nil {
			return &SetupError{Node: n.Name(), Stage: "get fan count", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	n.mu.Lock()
	n.static.CPUSupportedClocks = cpu.SupportedClocks
	n.static.NumCPUCores = cpu.CoreCount
	n.static.NumGPUs = len(gpu.Powers)
	if n.static.NumGPUs > 0 {
		n.static.GPUSupportedClocks = gpu.SupportedClocks
	} else {
		n.static.GPUSupportedClocks = nil
	}
	n.static.NumFans = len(fans.Speeds)
	static := n.static.Clone()
	n.mu.Unlock()

	log.Infof("Node %s: %d CPU cores, %d GPUs, %d fans (%s)",
		n.Name(), static.NumCPUCores, static.NumGPUs, static.NumFans, static.FanStyle)

	cpuClocks := make([]int, static.NumCPUCores)
	maxCPU := slices.Max(static.CPUSupportedClocks)
	for i := range cpuClocks {
		cpuClocks[i] = maxCPU
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.SetCPUClocks(gctx, cpuClocks); err != nil {
			return &SetupError{Node: n.Name(), Stage: "apply default CPU clocks", Err: err}
		}
		return nil
	})
	if static.HasGPU() {
		g.Go(func() error {
			clock := min(GPUClockCap, slices.Max(static.GPUSupportedClocks))
			if err := n.SetGPUClock(gctx, clock); err != nil {
				return &SetupError{Node: n.Name(), Stage: "apply default GPU clock", Err: err}
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := n.SetAllFanCurves(gctx, DefaultFanCurve(static.FanStyle)); err != nil {
			return &SetupError{Node: n.Name(), Stage: "apply default fan curves", Err: err}
		}
		return nil
	})
	return g.Wait()
}

func (n *Node) GetCPUPower(ctx context.Context) (float64, error) {
	var reply cpuReply
	if err := n.client.do(ctx, "GET", "/cpu", nil, &reply); err != nil {
		return 0, err
	}
	return reply.Power, nil
}

// GetGPUPowers returns one reading per GPU. Nodes without GPUs answer an
// empty list without contacting the agent.
func (n *Node) GetGPUPowers(ctx context.Context) ([]float64, error) {
	n.mu.RLock()
	numGPUs := n.static.NumGPUs
	n.mu.RUnlock()
	if numGPUs == 0 {
		return []float64{}, nil
	}

	var reply gpuReply
	if err := n.client.do(ctx, "GET", "/gpu", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Powers, nil
}

func (n *Node) GetFanSpeeds(ctx context.Context) ([]float64, error) {
	var reply fansReply
	if err := n.client.do(ctx, "GET", "/fan", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Speeds, nil
}

func (n *Node) GetFanSpeed(ctx context.Context, id int) (float64, error) {
	var reply fanReply
	if err := n.client.do(ctx, "GET", fmt.Sprintf("/fan/%d", id), nil, &reply); err != nil {
		return 0, err
	}
	return reply.Speed, nil
}

func (n *Node) GetNodePower(ctx context.Context) (float64, error) {
	var reply nodeReply
	if err := n.client.do(ctx, "GET", "/node", nil, &reply); err != nil {
		return 0, err
	}
	return reply.Power, nil
}

func (n *Node) SetCPUClocks(ctx context.Context, clocks []int) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "PUT", "/cpu", map[string]any{"clocks": clocks}, nil); err != nil {
		return err
	}

	n.mu.Lock()
	n.limits.CurCPUFreqLimits = append([]int(nil), clocks...)
	n.mu.Unlock()
	return nil
}

// ResetCPUClocks lifts the CPU limit; the node runs at its highest
// supported clock afterwards.
func (n *Node) ResetCPUClocks(ctx context.Context) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "DELETE", "/cpu", nil, nil); err != nil {
		return err
	}

	n.mu.Lock()
	if len(n.static.CPUSupportedClocks) > 0 {
		clocks := make([]int, n.static.NumCPUCores)
		maxCPU := slices.Max(n.static.CPUSupportedClocks)
		for i := range clocks {
			clocks[i] = maxCPU
		}
		n.limits.CurCPUFreqLimits = clocks
	}
	n.mu.Unlock()
	return nil
}

func (n *Node) SetGPUClock(ctx context.Context, clock int) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "PUT", "/gpu", map[string]any{"clock": clock}, nil); err != nil {
		return err
	}

	n.mu.Lock()
	n.limits.CurGPUFreqLimit = &clock
	n.mu.Unlock()
	return nil
}

func (n *Node) ResetGPUClock(ctx context.Context) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "DELETE", "/gpu", nil, nil); err != nil {
		return err
	}

	n.mu.Lock()
	if n.static.NumGPUs > 0 {
		clock := slices.Max(n.static.GPUSupportedClocks)
		n.limits.CurGPUFreqLimit = &clock
	}
	n.mu.Unlock()
	return nil
}

func (n *Node) SetFanCurve(ctx context.Context, id int, curve types.FanCurve) error {
	n.mu.RLock()
	numFans := n.static.NumFans
	n.mu.RUnlock()
	if id < 0 || id >= numFans {
		return fmt.Errorf("node %s has no fan %d", n.Name(), id)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "PUT", fmt.Sprintf("/fan/%d", id), map[string]any{"curve": curve}, nil); err != nil {
		return err
	}

	n.mu.Lock()
	if len(n.limits.CurFanCurves) != n.static.NumFans {
		curves := make([]types.FanCurve, n.static.NumFans)
		copy(curves, n.limits.CurFanCurves)
		n.limits.CurFanCurves = curves
	}
	n.limits.CurFanCurves[id] = curve.Clone()
	n.mu.Unlock()
	return nil
}

func (n *Node) SetAllFanCurves(ctx context.Context, curve types.FanCurve) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if err := n.client.do(ctx, "PUT", "/fan", map[string]any{"curve": curve}, nil); err != nil {
		return err
	}

	n.mu.Lock()
	curves := make([]types.FanCurve, n.static.NumFans)
	for i := range curves {
		curves[i] = curve.Clone()
	}
	n.limits.CurFanCurves = curves
	n.mu.Unlock()
	return nil
}
