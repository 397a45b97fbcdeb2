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

// Package agenttest provides an in-process node agent for tests.
package agenttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"

	"ZaychikServer/pkg/types"
)

// Hardware describes what the fake agent reports.
type Hardware struct {
	CPUSupportedClocks []int
	CoreCount          int
	CPUPower           float64

	GPUSupportedClocks []int
	GPUPowers          []float64

	FanSpeeds []float64
	NodePower float64
}

// Agent is a node agent backed by an httptest.Server. Routes listed in
// failures answer with the given status code.
type Agent struct {
	*httptest.Server

	mu        sync.Mutex
	hw        Hardware
	failures  map[string]int
	calls     map[string]int
	cpuClocks []int
	gpuClock  *int
	fanCurves map[string]types.FanCurve

	inflight atomic.Int32
	maxSeen  atomic.Int32
	block    chan struct{}
}

func New(hw Hardware) *Agent {
	a := &Agent{
		hw:        hw,
		failures:  map[string]int{},
		calls:     map[string]int{},
		fanCurves: map[string]types.FanCurve{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		writeJSON(w, map[string]any{
			"supported_clocks": a.hw.CPUSupportedClocks,
			"core_count":       a.hw.CoreCount,
			"power":            a.hw.CPUPower,
		})
	}))
	mux.HandleFunc("PUT /cpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Clocks []int `json:"clocks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.cpuClocks = body.Clocks
		a.mu.Unlock()
	}))
	mux.HandleFunc("DELETE /cpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.cpuClocks = nil
		a.mu.Unlock()
	}))
	mux.HandleFunc("GET /gpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		powers := a.hw.GPUPowers
		if powers == nil {
			powers = []float64{}
		}
		writeJSON(w, map[string]any{
			"supported_clocks": a.hw.GPUSupportedClocks,
			"powers":           powers,
		})
	}))
	mux.HandleFunc("PUT /gpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Clock int `json:"clock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.gpuClock = &body.Clock
		a.mu.Unlock()
	}))
	mux.HandleFunc("DELETE /gpu", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.gpuClock = nil
		a.mu.Unlock()
	}))
	mux.HandleFunc("GET /fan", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		speeds := a.hw.FanSpeeds
		if speeds == nil {
			speeds = []float64{}
		}
		writeJSON(w, map[string]any{"speeds": speeds})
	}))
	mux.HandleFunc("GET /fan/{id}", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		a.mu.Lock()
		defer a.mu.Unlock()
		if err != nil || id < 0 || id >= len(a.hw.FanSpeeds) {
			http.Error(w, "no such fan", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"speed": a.hw.FanSpeeds[id]})
	}))
	putCurve := func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Curve types.FanCurve `json:"curve"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := r.PathValue("id")
		if key == "" {
			key = "all"
		}
		a.mu.Lock()
		a.fanCurves[key] = body.Curve
		a.mu.Unlock()
	}
	mux.HandleFunc("PUT /fan", a.wrap(putCurve))
	mux.HandleFunc("PUT /fan/{id}", a.wrap(putCurve))
	mux.HandleFunc("GET /node", a.wrap(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		writeJSON(w, map[string]any{"power": a.hw.NodePower})
	}))

	a.Server = httptest.NewServer(mux)
	return a
}

func (a *Agent) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path

		n := a.inflight.Add(1)
		defer a.inflight.Add(-1)
		for {
			seen := a.maxSeen.Load()
			if n <= seen || a.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}

		a.mu.Lock()
		a.calls[route]++
		status, fail := a.failures[route]
		block := a.block
		a.mu.Unlock()

		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}

		if fail {
			http.Error(w, fmt.Sprintf("injected failure on %s", route), status)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Fail makes route (e.g. "PUT /cpu") answer with status until cleared.
func (a *Agent) Fail(route string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[route] = status
}

func (a *Agent) ClearFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = map[string]int{}
}

// Block holds every request until the returned release func is called.
func (a *Agent) Block() (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.block = ch
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.block = nil
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Agent) Calls(route string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[route]
}

// MaxConcurrent is the highest number of requests seen in flight at once.
func (a *Agent) MaxConcurrent() int {
	return int(a.maxSeen.Load())
}

func (a *Agent) ResetMaxConcurrent() {
	a.maxSeen.Store(0)
}

func (a *Agent) SetHardware(update func(*Hardware)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	update(&a.hw)
}

func (a *Agent) CPUClocks() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.cpuClocks...)
}

func (a *Agent) GPUClock() *int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gpuClock == nil {
		return nil
	}
	v := *a.gpuClock
	return &v
}

// FanCurve returns the last curve written for fan id, or for every fan when
// id is "all".
func (a *Agent) FanCurve(id string) types.FanCurve {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fanCurves[id].Clone()
}
