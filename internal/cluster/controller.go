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

// Package cluster orchestrates every node of the cluster: aggregated reads,
// the validate, consult and apply protocol for control changes, and the
// emergency brake.
package cluster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/cache"
	"ZaychikServer/internal/metrics"
	"ZaychikServer/pkg/types"
)

var log = logrus.WithField("component", "Cluster")

// ValidationError rejects a malformed control request before anything is
// touched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Advisor judges a hypothetical cluster state.
type Advisor interface {
	Consult(snapshot types.ClusterSnapshot, confirmed bool) (types.ConsultResult, error)
}

type Controller struct {
	nodes   []*agent.Node
	caches  []*cache.Cache
	advisor Advisor

	// controlMu serializes control changes and the brake so the advisory
	// always judges the state the apply phase starts from.
	controlMu sync.Mutex
}

func New(nodes []*agent.Node, ttl cache.TTL, advisor Advisor, opts ...cache.Option) *Controller {
	c := &Controller{
		nodes:   nodes,
		caches:  make([]*cache.Cache, len(nodes)),
		advisor: advisor,
	}
	for i := range nodes {
		c.caches[i] = cache.New(ttl, opts...)
	}
	return c
}

func (c *Controller) Nodes() []*agent.Node {
	return c.nodes
}

// Setup sets up every node concurrently. Any failure is fatal.
func (c *Controller) Setup(ctx context.Context) error {
	start := time.Now()
	var g errgroup.Group
	for _, n := range c.nodes {
		g.Go(func() error {
			return n.Setup(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("%d nodes set up in %v", len(c.nodes), time.Since(start).Round(time.Millisecond))
	return nil
}

// GetHistoryStatWithCache reads the four metrics of every node through the
// node's cache. Any failed read fails the whole sample.
func (c *Controller) GetHistoryStatWithCache(ctx context.Context) (types.HistoryStat, error) {
	stats := make([]types.NodeHistoryStat, len(c.nodes))

	var g errgroup.Group
	for i, n := range c.nodes {
		cc := c.caches[i]
		st := &stats[i]
		g.Go(func() (err error) {
			st.CPUPower, err = cache.GetOrFetch(ctx, cc, cache.MetricCPUPower, n.GetCPUPower)
			return wrapNode(n, err)
		})
		g.Go(func() (err error) {
			st.GPUPowers, err = cache.GetOrFetch(ctx, cc, cache.MetricGPUPowers, n.GetGPUPowers)
			return wrapNode(n, err)
		})
		g.Go(func() (err error) {
			st.FanSpeeds, err = cache.GetOrFetch(ctx, cc, cache.MetricFanSpeeds, n.GetFanSpeeds)
			return wrapNode(n, err)
		})
		g.Go(func() (err error) {
			st.NodePower, err = cache.GetOrFetch(ctx, cc, cache.MetricNodePower, n.GetNodePower)
			return wrapNode(n, err)
		})
	}
	if err := g.Wait(); err != nil {
		return types.HistoryStat{}, err
	}

	for i, n := range c.nodes {
		metrics.NodePower.WithLabelValues(n.Name()).Set(stats[i].NodePower)
	}
	return types.HistoryStat{Timestamp: time.Now(), Nodes: stats}, nil
}

func wrapNode(n *agent.Node, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("node %s: %w", n.Name(), err)
}

func (c *Controller) GetCurrentLimits() types.CurrentLimits {
	out := types.CurrentLimits{Nodes: make([]types.NodeCurrentLimits, len(c.nodes))}
	for i, n := range c.nodes {
		out.Nodes[i] = n.CurrentLimits()
	}
	return out
}

func (c *Controller) GetStaticInfo() types.StaticInfo {
	out := types.StaticInfo{Nodes: make([]types.NodeStaticInfo, len(c.nodes))}
	for i, n := range c.nodes {
		out.Nodes[i] = n.StaticInfo()
	}
	return out
}

// change runs one control change under the control lock: validate against the
// static info, overlay the proposal on a copy of the current limits, consult
// the advisor, then apply. Apply failures are not rolled back.
//
// Once applying starts it runs to completion even if ctx is cancelled, so the
// mirrors never lag behind writes an agent already acted on. Each agent call
// is still bounded by its own timeout.
func (c *Controller) change(ctx context.Context, what string, confirmed bool,
	validate func(static types.StaticInfo) error,
	overlay func(limits *types.CurrentLimits),
	apply func(ctx context.Context, g *errgroup.Group)) (types.ConsultResult, error) {

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	static := c.GetStaticInfo()
	if err := validate(static); err != nil {
		return types.ConsultResult{}, err
	}

	proposed := c.GetCurrentLimits()
	overlay(&proposed)

	result, err := c.advisor.Consult(types.ClusterSnapshot{StaticInfo: static, CurrentLimits: proposed}, confirmed)
	if err != nil {
		log.Warnf("Rejected %s change: %v", what, err)
		return types.ConsultResult{}, err
	}

	var g errgroup.Group
	apply(context.WithoutCancel(ctx), &g)
	if err := g.Wait(); err != nil {
		log.Errorf("Failed to set %s: %v", what, err)
		return types.ConsultResult{}, err
	}

	log.Infof("Applied %s change, worst-case power %g W (%s)", what, result.TotalMaxPower, result.Verdict)
	return result, nil
}

func (c *Controller) checkNodeCount(n int) error {
	if n != len(c.nodes) {
		return invalid("wrong number of nodes: %d expected, %d given", len(c.nodes), n)
	}
	return nil
}

// SetCPUClocks sets per-core clock limits; clocks[i] covers every core of
// node i.
func (c *Controller) SetCPUClocks(ctx context.Context, clocks [][]int, confirmed bool) (types.ConsultResult, error) {
	validate := func(static types.StaticInfo) error {
		if err := c.checkNodeCount(len(clocks)); err != nil {
			return err
		}
		for i, node := range static.Nodes {
			if len(clocks[i]) != node.NumCPUCores {
				return invalid("wrong number of cores on node %d: %d expected, %d given",
					i, node.NumCPUCores, len(clocks[i]))
			}
		}
		for i, node := range static.Nodes {
			for _, clock := range clocks[i] {
				if !slices.Contains(node.CPUSupportedClocks, clock) {
					return invalid("unsupported CPU clock %d on node %d", clock, i)
				}
			}
		}
		return nil
	}
	overlay := func(limits *types.CurrentLimits) {
		for i := range limits.Nodes {
			limits.Nodes[i].CurCPUFreqLimits = slices.Clone(clocks[i])
		}
	}
	apply := func(ctx context.Context, g *errgroup.Group) {
		for i, n := range c.nodes {
			g.Go(func() error {
				return wrapNode(n, n.SetCPUClocks(ctx, clocks[i]))
			})
		}
	}
	return c.change(ctx, "CPU clocks", confirmed, validate, overlay, apply)
}

// SetGPUClocks sets one clock per node. Nodes without GPUs take nil.
func (c *Controller) SetGPUClocks(ctx context.Context, clocks []*int, confirmed bool) (types.ConsultResult, error) {
	validate := func(static types.StaticInfo) error {
		if err := c.checkNodeCount(len(clocks)); err != nil {
			return err
		}
		for i, node := range static.Nodes {
			if node.HasGPU() && clocks[i] == nil {
				return invalid("node %d has %d GPUs but no clock was given", i, node.NumGPUs)
			}
			if !node.HasGPU() && clocks[i] != nil {
				return invalid("node %d has no GPU but clock %d was given", i, *clocks[i])
			}
		}
		for i, node := range static.Nodes {
			if clocks[i] != nil && !slices.Contains(node.GPUSupportedClocks, *clocks[i]) {
				return invalid("unsupported GPU clock %d on node %d", *clocks[i], i)
			}
		}
		return nil
	}
	overlay := func(limits *types.CurrentLimits) {
		for i := range limits.Nodes {
			if clocks[i] != nil {
				v := *clocks[i]
				limits.Nodes[i].CurGPUFreqLimit = &v
			}
		}
	}
	apply := func(ctx context.Context, g *errgroup.Group) {
		for i, n := range c.nodes {
			if clocks[i] == nil {
				continue
			}
			clock := *clocks[i]
			g.Go(func() error {
				return wrapNode(n, n.SetGPUClock(ctx, clock))
			})
		}
	}
	return c.change(ctx, "GPU clocks", confirmed, validate, overlay, apply)
}

// SetFanSpeeds sets one curve per fan; curves[i][j] is fan j of node i.
func (c *Controller) SetFanSpeeds(ctx context.Context, curves [][]types.FanCurve, confirmed bool) (types.ConsultResult, error) {
	validate := func(static types.StaticInfo) error {
		if err := c.checkNodeCount(len(curves)); err != nil {
			return err
		}
		for i, node := range static.Nodes {
			if len(curves[i]) != node.NumFans {
				return invalid("wrong number of fans on node %d: %d expected, %d given",
					i, node.NumFans, len(curves[i]))
			}
		}
		for i := range static.Nodes {
			for j, curve := range curves[i] {
				if err := validateFanCurve(curve); err != nil {
					return invalid("fan %d of node %d: %v", j, i, err)
				}
			}
		}
		return nil
	}
	overlay := func(limits *types.CurrentLimits) {
		for i := range limits.Nodes {
			limits.Nodes[i].CurFanCurves = make([]types.FanCurve, len(curves[i]))
			for j, curve := range curves[i] {
				limits.Nodes[i].CurFanCurves[j] = curve.Clone()
			}
		}
	}
	apply := func(ctx context.Context, g *errgroup.Group) {
		for i, n := range c.nodes {
			for j, curve := range curves[i] {
				g.Go(func() error {
					return wrapNode(n, n.SetFanCurve(ctx, j, curve))
				})
			}
		}
	}
	return c.change(ctx, "fan curves", confirmed, validate, overlay, apply)
}

func validateFanCurve(curve types.FanCurve) error {
	if len(curve) == 0 {
		return fmt.Errorf("empty fan curve")
	}
	for k, p := range curve {
		if p.Temp < 0 || p.Temp > 100 {
			return fmt.Errorf("invalid temperature %d at point %d", p.Temp, k)
		}
		if p.Speed < 0 || p.Speed > 100 {
			return fmt.Errorf("invalid speed %d at point %d", p.Speed, k)
		}
		if k > 0 {
			if p.Temp < curve[k-1].Temp {
				return fmt.Errorf("temperature decreases at point %d", k)
			}
			if p.Speed < curve[k-1].Speed {
				return fmt.Errorf("speed decreases at point %d", k)
			}
		}
	}
	return nil
}
