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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/agent/agenttest"
	"ZaychikServer/internal/backhome"
	"ZaychikServer/internal/cache"
	"ZaychikServer/pkg/types"
)

type mockAdvisor struct {
	mu        sync.Mutex
	ConsultFn func(types.ClusterSnapshot, bool) (types.ConsultResult, error)
	snapshots []types.ClusterSnapshot
}

func (m *mockAdvisor) Consult(s types.ClusterSnapshot, confirmed bool) (types.ConsultResult, error) {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, s)
	m.mu.Unlock()
	if m.ConsultFn != nil {
		return m.ConsultFn(s, confirmed)
	}
	return types.ConsultResult{TotalMaxPower: 1, Verdict: types.VerdictOK}, nil
}

func (m *mockAdvisor) last() types.ClusterSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[len(m.snapshots)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var testTTL = cache.TTL{CPU: time.Second, GPU: time.Second, Fan: 10 * time.Second, Node: 2 * time.Second}

// cpuHardware is the 4-core, fanless, GPU-less node of the worked example.
func cpuHardware() agenttest.Hardware {
	return agenttest.Hardware{
		CPUSupportedClocks: []int{1000, 2000, 3000},
		CoreCount:          4,
		CPUPower:           90,
		NodePower:          300,
	}
}

func gpuHardware() agenttest.Hardware {
	return agenttest.Hardware{
		CPUSupportedClocks: []int{1000, 2000, 3000},
		CoreCount:          2,
		CPUPower:           60,
		GPUSupportedClocks: []int{300, 1410},
		GPUPowers:          []float64{200, 210},
		FanSpeeds:          []float64{40, 50},
		NodePower:          700,
	}
}

type testCluster struct {
	*Controller
	agents []*agenttest.Agent
	clock  *fakeClock
}

func newTestCluster(t *testing.T, advisor Advisor, hws ...agenttest.Hardware) *testCluster {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	var (
		nodes  []*agent.Node
		agents []*agenttest.Agent
	)
	for _, hw := range hws {
		a := agenttest.New(hw)
		t.Cleanup(a.Close)
		agents = append(agents, a)
		nodes = append(nodes, agent.NewNode(
			agent.NewClientWithBaseURL(a.Listener.Addr().String(), a.URL, 2*time.Second), types.FanStyleASC))
	}

	c := New(nodes, testTTL, advisor, cache.WithClock(clock.Now))
	require.NoError(t, c.Setup(context.Background()))
	return &testCluster{Controller: c, agents: agents, clock: clock}
}

func exampleAdvisor(t *testing.T) *backhome.Advisor {
	t.Helper()
	a, err := backhome.New(backhome.Config{
		CPUPowerPerCore:     types.PowerReferenceTable{{Metric: 1000, Power: 50}, {Metric: 2000, Power: 100}, {Metric: 3000, Power: 150}},
		GPUPowerPerCard:     types.PowerReferenceTable{{Metric: 1410, Power: 300}},
		FanPowerPerFan:      types.PowerReferenceTable{{Metric: 100, Power: 20}},
		BasePowerOfAllNodes: 200,
		WarnThreshold:       800,
		NotAllowedThreshold: 1000,
	})
	require.NoError(t, err)
	return a
}

func uniform(nodes, cores, clock int) [][]int {
	out := make([][]int, nodes)
	for i := range out {
		out[i] = make([]int, cores)
		for j := range out[i] {
			out[i][j] = clock
		}
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestSetupAndSnapshots(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())

	static := c.GetStaticInfo()
	require.Len(t, static.Nodes, 2)
	assert.Equal(t, 4, static.Nodes[0].NumCPUCores)
	assert.Equal(t, 0, static.Nodes[0].NumGPUs)
	assert.Equal(t, 2, static.Nodes[1].NumGPUs)
	assert.Equal(t, 2, static.Nodes[1].NumFans)

	limits := c.GetCurrentLimits()
	assert.Equal(t, []int{3000, 3000, 3000, 3000}, limits.Nodes[0].CurCPUFreqLimits)
	assert.Nil(t, limits.Nodes[0].CurGPUFreqLimit)
	assert.Equal(t, 1410, *limits.Nodes[1].CurGPUFreqLimit)

	// Snapshots are copies.
	limits.Nodes[0].CurCPUFreqLimits[0] = 1
	assert.Equal(t, 3000, c.GetCurrentLimits().Nodes[0].CurCPUFreqLimits[0])
}

func TestSetupFailsWhenAnyNodeFails(t *testing.T) {
	t.Parallel()

	good := agenttest.New(cpuHardware())
	t.Cleanup(good.Close)
	bad := agenttest.New(cpuHardware())
	t.Cleanup(bad.Close)
	bad.Fail("GET /fan", http.StatusServiceUnavailable)

	nodes := []*agent.Node{
		agent.NewNode(agent.NewClientWithBaseURL("good", good.URL, time.Second), types.FanStyleASC),
		agent.NewNode(agent.NewClientWithBaseURL("bad", bad.URL, time.Second), types.FanStyleASC),
	}
	err := New(nodes, testTTL, &mockAdvisor{}).Setup(context.Background())
	var se *agent.SetupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "bad", se.Node)
}

func TestSetCPUClocksBudgetExample(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, exampleAdvisor(t), cpuHardware(), cpuHardware())
	ctx := context.Background()
	putsBefore := c.agents[0].Calls("PUT /cpu")

	// 200 + 8 * 150 = 1400 > 1000
	_, err := c.SetCPUClocks(ctx, uniform(2, 4, 3000), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, backhome.ErrNotAllowed)
	assert.Contains(t, err.Error(), "1400")
	assert.Contains(t, err.Error(), "1000")
	assert.Equal(t, putsBefore, c.agents[0].Calls("PUT /cpu"))
}

func TestSetCPUClocksWarnNeedsConfirmation(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, exampleAdvisor(t), cpuHardware(), cpuHardware())
	ctx := context.Background()
	before := c.GetCurrentLimits()

	// 200 + 8 * 100 = 1000, within notallowed but above warn
	_, err := c.SetCPUClocks(ctx, uniform(2, 4, 2000), false)
	assert.ErrorIs(t, err, backhome.ErrWarnUnconfirmed)
	assert.Equal(t, before, c.GetCurrentLimits())

	res, err := c.SetCPUClocks(ctx, uniform(2, 4, 2000), true)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictWarn, res.Verdict)
	assert.Equal(t, 1000.0, res.TotalMaxPower)
	assert.Equal(t, uniform(2, 4, 2000)[0], c.GetCurrentLimits().Nodes[1].CurCPUFreqLimits)
	assert.Equal(t, uniform(2, 4, 2000)[0], c.agents[1].CPUClocks())

	res, err = c.SetCPUClocks(ctx, uniform(2, 4, 1000), false)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictOK, res.Verdict)
	assert.Equal(t, 600.0, res.TotalMaxPower)
}

func TestSetCPUClocksValidation(t *testing.T) {
	t.Parallel()

	adv := &mockAdvisor{}
	c := newTestCluster(t, adv, cpuHardware(), gpuHardware())
	before := c.GetCurrentLimits()

	tests := []struct {
		name   string
		clocks [][]int
	}{
		{"too few nodes", [][]int{{1000, 1000, 1000, 1000}}},
		{"too many nodes", [][]int{{1000, 1000, 1000, 1000}, {1000, 1000}, {1000}}},
		{"wrong core count", [][]int{{1000, 1000, 1000}, {1000, 1000}}},
		{"unsupported clock", [][]int{{1000, 1000, 1000, 1000}, {1000, 1500}}},
	}
	for _, tt := range tests {
		_, err := c.SetCPUClocks(context.Background(), tt.clocks, true)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), tt.name)
	}

	assert.Empty(t, adv.snapshots)
	assert.Equal(t, before, c.GetCurrentLimits())
}

func TestHypotheticalStateOverlaysOnlyTheChange(t *testing.T) {
	t.Parallel()

	adv := &mockAdvisor{}
	c := newTestCluster(t, adv, cpuHardware(), gpuHardware())
	before := c.GetCurrentLimits()

	_, err := c.SetGPUClocks(context.Background(), []*int{nil, intPtr(300)}, false)
	require.NoError(t, err)

	s := adv.last()
	assert.Equal(t, c.GetStaticInfo(), s.StaticInfo)
	assert.Equal(t, before.Nodes[0], s.CurrentLimits.Nodes[0])
	assert.Equal(t, before.Nodes[1].CurCPUFreqLimits, s.CurrentLimits.Nodes[1].CurCPUFreqLimits)
	assert.Equal(t, before.Nodes[1].CurFanCurves, s.CurrentLimits.Nodes[1].CurFanCurves)
	assert.Equal(t, 300, *s.CurrentLimits.Nodes[1].CurGPUFreqLimit)
}

func TestAdvisorRejectionMutatesNothing(t *testing.T) {
	t.Parallel()

	adv := &mockAdvisor{ConsultFn: func(types.ClusterSnapshot, bool) (types.ConsultResult, error) {
		return types.ConsultResult{}, &backhome.BudgetError{Verdict: types.VerdictNotAllowed, Total: 5000, Threshold: 1000}
	}}
	c := newTestCluster(t, adv, gpuHardware())
	before := c.GetCurrentLimits()
	fanPuts := c.agents[0].Calls("PUT /fan/0")

	_, err := c.SetFanSpeeds(context.Background(),
		[][]types.FanCurve{{agent.BrakeFanCurve(), agent.BrakeFanCurve()}}, true)
	assert.ErrorIs(t, err, backhome.ErrNotAllowed)
	assert.Equal(t, before, c.GetCurrentLimits())
	assert.Equal(t, fanPuts, c.agents[0].Calls("PUT /fan/0"))
}

func TestApplyFailureKeepsSucceededNodes(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), cpuHardware())
	c.agents[1].Fail("PUT /cpu", http.StatusInternalServerError)

	_, err := c.SetCPUClocks(context.Background(), uniform(2, 4, 1000), false)
	var ce *agent.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusInternalServerError, ce.StatusCode)

	limits := c.GetCurrentLimits()
	assert.Equal(t, []int{1000, 1000, 1000, 1000}, limits.Nodes[0].CurCPUFreqLimits)
	assert.Equal(t, []int{3000, 3000, 3000, 3000}, limits.Nodes[1].CurCPUFreqLimits)
}

func TestApplySurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), cpuHardware())
	release := c.agents[1].Block()
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.SetCPUClocks(ctx, uniform(2, 4, 1000), false)
		done <- err
	}()

	// One PUT /cpu came from setup; wait for the blocked one.
	require.Eventually(t, func() bool {
		return c.agents[1].Calls("PUT /cpu") == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SetCPUClocks did not return")
	}

	limits := c.GetCurrentLimits()
	for i, a := range c.agents {
		assert.Equal(t, []int{1000, 1000, 1000, 1000}, limits.Nodes[i].CurCPUFreqLimits, "node %d", i)
		assert.Equal(t, []int{1000, 1000, 1000, 1000}, a.CPUClocks(), "agent %d", i)
	}
}

func TestSetGPUClocks(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	ctx := context.Background()

	invalidRequests := map[string][]*int{
		"wrong node count":       {intPtr(300)},
		"missing clock for gpus": {nil, nil},
		"clock for gpu-less":     {intPtr(300), intPtr(300)},
		"unsupported clock":      {nil, intPtr(500)},
	}
	for name, clocks := range invalidRequests {
		_, err := c.SetGPUClocks(ctx, clocks, false)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), name)
	}

	gpuPuts := c.agents[0].Calls("PUT /gpu")
	_, err := c.SetGPUClocks(ctx, []*int{nil, intPtr(300)}, false)
	require.NoError(t, err)
	assert.Equal(t, gpuPuts, c.agents[0].Calls("PUT /gpu"))
	assert.Equal(t, 300, *c.agents[1].GPUClock())
	assert.Equal(t, 300, *c.GetCurrentLimits().Nodes[1].CurGPUFreqLimit)
}

func TestSetFanSpeeds(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	ctx := context.Background()

	good := types.FanCurve{{Temp: 20, Speed: 20}, {Temp: 60, Speed: 50}, {Temp: 90, Speed: 100}}
	invalidRequests := map[string][][]types.FanCurve{
		"wrong node count":   {{good, good}},
		"wrong fan count":    {{}, {good}},
		"speed decreases":    {{}, {good, {{Temp: 10, Speed: 50}, {Temp: 20, Speed: 30}}}},
		"temp decreases":     {{}, {good, {{Temp: 50, Speed: 50}, {Temp: 40, Speed: 60}}}},
		"temp out of range":  {{}, {good, {{Temp: 101, Speed: 50}}}},
		"speed out of range": {{}, {good, {{Temp: 50, Speed: -1}}}},
		"empty curve":        {{}, {good, {}}},
	}
	for name, curves := range invalidRequests {
		_, err := c.SetFanSpeeds(ctx, curves, false)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), name)
	}

	other := types.FanCurve{{Temp: 30, Speed: 30}, {Temp: 30, Speed: 30}}
	_, err := c.SetFanSpeeds(ctx, [][]types.FanCurve{{}, {good, other}}, false)
	require.NoError(t, err)
	assert.Equal(t, good, c.agents[1].FanCurve("0"))
	assert.Equal(t, other, c.agents[1].FanCurve("1"))
	assert.Equal(t, []types.FanCurve{good, other}, c.GetCurrentLimits().Nodes[1].CurFanCurves)
}

func TestHistoryStatUsesCache(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	ctx := context.Background()
	cpuGets := c.agents[1].Calls("GET /cpu")

	stat, err := c.GetHistoryStatWithCache(ctx)
	require.NoError(t, err)
	require.Len(t, stat.Nodes, 2)
	assert.Equal(t, 90.0, stat.Nodes[0].CPUPower)
	assert.Equal(t, []float64{}, stat.Nodes[0].GPUPowers)
	assert.Equal(t, []float64{200, 210}, stat.Nodes[1].GPUPowers)
	assert.Equal(t, []float64{40, 50}, stat.Nodes[1].FanSpeeds)
	assert.Equal(t, 1000.0, stat.TotalNodePower())

	_, err = c.GetHistoryStatWithCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.agents[1].Calls("GET /node"))
	assert.Equal(t, cpuGets+1, c.agents[1].Calls("GET /cpu"))

	c.clock.Advance(2 * time.Second)
	_, err = c.GetHistoryStatWithCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.agents[1].Calls("GET /node"))
	assert.Equal(t, cpuGets+2, c.agents[1].Calls("GET /cpu"))
	assert.Equal(t, 2, c.agents[1].Calls("GET /fan")) // setup + first read, fan TTL is 10s
}

func TestHistoryStatFailurePropagates(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	c.agents[1].Fail("GET /node", http.StatusBadGateway)

	_, err := c.GetHistoryStatWithCache(context.Background())
	var ce *agent.CallError
	assert.True(t, errors.As(err, &ce))
}

func TestBrake(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())

	results := c.Brake(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err())
	}
	assert.True(t, results[0].GPUSkipped)
	assert.False(t, results[1].GPUSkipped)

	limits := c.GetCurrentLimits()
	assert.Equal(t, []int{1000, 1000, 1000, 1000}, limits.Nodes[0].CurCPUFreqLimits)
	assert.Equal(t, 300, *limits.Nodes[1].CurGPUFreqLimit)
	assert.Equal(t, []types.FanCurve{agent.BrakeFanCurve(), agent.BrakeFanCurve()}, limits.Nodes[1].CurFanCurves)
	assert.Equal(t, agent.BrakeFanCurve(), c.agents[1].FanCurve("all"))
}

func TestBrakeToleratesFailures(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	before := c.GetCurrentLimits()
	for _, a := range c.agents {
		a.Fail("PUT /cpu", http.StatusInternalServerError)
		a.Fail("PUT /gpu", http.StatusInternalServerError)
		a.Fail("PUT /fan", http.StatusInternalServerError)
	}

	results := c.Brake(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.CPU)
		assert.Error(t, r.Fan)
		assert.Error(t, r.Err())
	}
	assert.True(t, results[0].GPUSkipped)
	assert.NoError(t, results[0].GPU)
	assert.Error(t, results[1].GPU)

	// Every write was attempted and none touched the mirrors.
	assert.Equal(t, 2, c.agents[1].Calls("PUT /gpu"))
	assert.Equal(t, before, c.GetCurrentLimits())
}

func TestBrakeSubActionsAreIndependent(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	for _, a := range c.agents {
		a.Fail("PUT /cpu", http.StatusInternalServerError)
		a.Fail("PUT /fan", http.StatusInternalServerError)
	}

	results := c.Brake(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.CPU)
		assert.Error(t, r.Fan)
	}
	assert.NoError(t, results[1].GPU)
	assert.Equal(t, 300, *c.agents[1].GPUClock())
}

func TestCheckBrake(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), gpuHardware())
	ctx := context.Background()

	braked, err := c.CheckBrake(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, braked)
	assert.Equal(t, []int{3000, 3000, 3000, 3000}, c.GetCurrentLimits().Nodes[0].CurCPUFreqLimits)

	braked, err = c.CheckBrake(ctx, 999)
	require.NoError(t, err)
	assert.True(t, braked)
	assert.Equal(t, []int{1000, 1000, 1000, 1000}, c.GetCurrentLimits().Nodes[0].CurCPUFreqLimits)
}

type sinkFunc func(context.Context, types.HistoryStat) error

func (f sinkFunc) SaveHistoryStat(ctx context.Context, s types.HistoryStat) error {
	return f(ctx, s)
}

func TestRunHistoryRecorder(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware())
	ctx, cancel := context.WithCancel(context.Background())

	saved := make(chan types.HistoryStat, 16)
	done := make(chan struct{})
	go func() {
		c.RunHistoryRecorder(ctx, 10*time.Millisecond, sinkFunc(func(_ context.Context, s types.HistoryStat) error {
			select {
			case saved <- s:
			default:
			}
			return nil
		}))
		close(done)
	}()

	select {
	case s := <-saved:
		require.Len(t, s.Nodes, 1)
		assert.Equal(t, 300.0, s.Nodes[0].NodePower)
	case <-time.After(5 * time.Second):
		t.Fatal("no history stat recorded")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestConcurrentControlChangesStayConsistent(t *testing.T) {
	t.Parallel()

	c := newTestCluster(t, &mockAdvisor{}, cpuHardware(), cpuHardware())
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, clock := range []int{1000, 2000, 3000, 1000, 2000} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SetCPUClocks(ctx, uniform(2, 4, clock), false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	limits := c.GetCurrentLimits()
	assert.Equal(t, limits.Nodes[0].CurCPUFreqLimits, limits.Nodes[1].CurCPUFreqLimits)
	for i, a := range c.agents {
		assert.Equal(t, limits.Nodes[i].CurCPUFreqLimits, a.CPUClocks())
	}
}
