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

package backhome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZaychikServer/pkg/types"
)

func intPtr(v int) *int { return &v }

func testConfig() Config {
	return Config{
		CPUPowerPerCore: types.PowerReferenceTable{{Metric: 1000, Power: 50}, {Metric: 3000, Power: 150}},
		GPUPowerPerCard: types.PowerReferenceTable{{Metric: 800, Power: 100}, {Metric: 1500, Power: 300}},
		FanPowerPerFan:  types.PowerReferenceTable{{Metric: 50, Power: 5}, {Metric: 100, Power: 20}},

		BasePowerOfAllNodes: 200,
		WarnThreshold:       800,
		NotAllowedThreshold: 1000,
	}
}

func cpuOnlySnapshot(nodes, cores, clock int) types.ClusterSnapshot {
	var s types.ClusterSnapshot
	for i := 0; i < nodes; i++ {
		s.StaticInfo.Nodes = append(s.StaticInfo.Nodes, types.NodeStaticInfo{
			CPUSupportedClocks: []int{1000, 3000},
			NumCPUCores:        cores,
		})
		limits := make([]int, cores)
		for j := range limits {
			limits[j] = clock
		}
		s.CurrentLimits.Nodes = append(s.CurrentLimits.Nodes, types.NodeCurrentLimits{CurCPUFreqLimits: limits})
	}
	return s
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing base power", func(c *Config) { c.BasePowerOfAllNodes = 0 }, true},
		{"missing warn threshold", func(c *Config) { c.WarnThreshold = 0 }, true},
		{"missing notallowed threshold", func(c *Config) { c.NotAllowedThreshold = 0 }, true},
		{"warn above notallowed", func(c *Config) { c.WarnThreshold = 2000 }, true},
		{"empty cpu table", func(c *Config) { c.CPUPowerPerCore = nil }, true},
		{"unsorted fan table", func(c *Config) {
			c.FanPowerPerFan = types.PowerReferenceTable{{Metric: 100, Power: 20}, {Metric: 50, Power: 5}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEstimatePower(t *testing.T) {
	t.Parallel()

	table := types.PowerReferenceTable{{Metric: 1000, Power: 50}, {Metric: 2000, Power: 100}, {Metric: 3000, Power: 150}}
	tests := []struct {
		metric int
		want   float64
	}{
		{0, 50},
		{1000, 50},
		{1001, 100},
		{2000, 100},
		{2999, 150},
		{3000, 150},
		{9000, 150},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimatePower(tt.metric, table), "metric %d", tt.metric)
	}
}

func TestConsultVerdicts(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig())
	require.NoError(t, err)

	tests := []struct {
		name      string
		snapshot  types.ClusterSnapshot
		confirmed bool
		wantTotal float64
		want      types.Verdict
		wantErr   error
	}{
		{
			name:      "ok under warn",
			snapshot:  cpuOnlySnapshot(2, 4, 1000),
			wantTotal: 600,
			want:      types.VerdictOK,
		},
		{
			name:      "equal to warn is ok",
			snapshot:  cpuOnlySnapshot(3, 4, 1000),
			wantTotal: 800,
			want:      types.VerdictOK,
		},
		{
			name:     "warn unconfirmed",
			snapshot: cpuOnlySnapshot(1, 5, 3000),
			wantErr:  ErrWarnUnconfirmed,
		},
		{
			name:      "warn confirmed",
			snapshot:  cpuOnlySnapshot(1, 5, 3000),
			confirmed: true,
			wantTotal: 950,
			want:      types.VerdictWarn,
		},
		{
			name:      "notallowed even when confirmed",
			snapshot:  cpuOnlySnapshot(2, 4, 3000),
			confirmed: true,
			wantErr:   ErrNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := a.Consult(tt.snapshot, tt.confirmed)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, res.TotalMaxPower)
			assert.Equal(t, tt.want, res.Verdict)
		})
	}
}

func TestConsultNotAllowedMessage(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig())
	require.NoError(t, err)

	// 200 + 8 * 150
	_, err = a.Consult(cpuOnlySnapshot(2, 4, 3000), false)
	var be *BudgetError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, types.VerdictNotAllowed, be.Verdict)
	assert.Equal(t, 1400.0, be.Total)
	assert.Equal(t, 1000.0, be.Threshold)
	assert.Contains(t, err.Error(), "1400")
	assert.Contains(t, err.Error(), "1000")
}

func TestEstimateGPUAndFans(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig())
	require.NoError(t, err)

	snapshot := types.ClusterSnapshot{
		StaticInfo: types.StaticInfo{Nodes: []types.NodeStaticInfo{
			{NumCPUCores: 1, NumGPUs: 2, NumFans: 2},
			{NumCPUCores: 1, NumGPUs: 0, NumFans: 1},
		}},
		CurrentLimits: types.CurrentLimits{Nodes: []types.NodeCurrentLimits{
			{
				CurCPUFreqLimits: []int{1000},
				CurGPUFreqLimit:  intPtr(800),
				CurFanCurves: []types.FanCurve{
					{{Temp: 30, Speed: 30}, {Temp: 90, Speed: 65}},
					{{Temp: 40, Speed: 30}},
				},
			},
			{
				CurCPUFreqLimits: []int{1000},
				CurFanCurves:     []types.FanCurve{{{Temp: 10, Speed: 60}}},
			},
		}},
	}

	// base 200, cpu 2*50, gpu 2*100, fans 20 + 5 + 20
	total, err := a.Estimate(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 545.0, total)
}

func mixedSnapshot() types.ClusterSnapshot {
	return types.ClusterSnapshot{
		StaticInfo: types.StaticInfo{Nodes: []types.NodeStaticInfo{
			{NumCPUCores: 2, NumGPUs: 2, NumFans: 1},
		}},
		CurrentLimits: types.CurrentLimits{Nodes: []types.NodeCurrentLimits{{
			CurCPUFreqLimits: []int{1000, 1000},
			CurGPUFreqLimit:  intPtr(800),
			CurFanCurves:     []types.FanCurve{{{Temp: 30, Speed: 30}, {Temp: 80, Speed: 40}}},
		}}},
	}
}

func TestEstimateNeverDropsWhenAMetricRises(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig())
	require.NoError(t, err)

	base, err := a.Estimate(mixedSnapshot())
	require.NoError(t, err)

	tests := []struct {
		name  string
		raise func(*types.NodeCurrentLimits)
	}{
		{"one core", func(l *types.NodeCurrentLimits) { l.CurCPUFreqLimits[1] = 2000 }},
		{"one core past the table", func(l *types.NodeCurrentLimits) { l.CurCPUFreqLimits[0] = 5000 }},
		{"gpu clock", func(l *types.NodeCurrentLimits) { l.CurGPUFreqLimit = intPtr(1200) }},
		{"gpu clock past the table", func(l *types.NodeCurrentLimits) { l.CurGPUFreqLimit = intPtr(2100) }},
		{"fan low point", func(l *types.NodeCurrentLimits) { l.CurFanCurves[0][0].Speed = 35 }},
		{"fan top point", func(l *types.NodeCurrentLimits) { l.CurFanCurves[0][1].Speed = 90 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := mixedSnapshot()
			tt.raise(&s.CurrentLimits.Nodes[0])
			total, err := a.Estimate(s)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, total, base)
		})
	}
}

func TestEstimateMismatchedSnapshot(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig())
	require.NoError(t, err)

	s := cpuOnlySnapshot(2, 1, 1000)
	s.CurrentLimits.Nodes = s.CurrentLimits.Nodes[:1]
	_, err = a.Estimate(s)
	assert.Error(t, err)
}
