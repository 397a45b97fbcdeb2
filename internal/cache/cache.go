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

// Package cache keeps the last telemetry reading of one node per metric,
// each metric with its own time-to-live.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ZaychikServer/internal/metrics"
)

type Metric string

const (
	MetricCPUPower  Metric = "cpu_power"
	MetricGPUPowers Metric = "gpu_powers"
	MetricFanSpeeds Metric = "fan_speeds"
	MetricNodePower Metric = "node_power"
)

// TTL holds the time-to-live of each metric class. IPMI-backed readings such
// as fan speeds are slow, so they usually live longer.
type TTL struct {
	CPU  time.Duration
	GPU  time.Duration
	Fan  time.Duration
	Node time.Duration
}

func (t TTL) of(m Metric) time.Duration {
	switch m {
	case MetricCPUPower:
		return t.CPU
	case MetricGPUPowers:
		return t.GPU
	case MetricFanSpeeds:
		return t.Fan
	case MetricNodePower:
		return t.Node
	}
	return 0
}

type entry struct {
	value   any
	expires time.Time
}

type Cache struct {
	ttl TTL
	now func() time.Time

	mu      sync.Mutex
	entries map[Metric]entry

	flight singleflight.Group
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(ttl TTL, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Metric]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) lookup(m Metric) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[m]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) store(m Metric, v any) {
	ttl := c.ttl.of(m)
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[m] = entry{value: v, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrFetch returns the cached value of m while it is fresh. Otherwise it
// calls fetch, caches a successful result for the metric's TTL and returns
// it. Concurrent misses on the same metric share one fetch. Errors are not
// cached. Returned values are shared and must not be modified.
func GetOrFetch[T any](ctx context.Context, c *Cache, m Metric, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.lookup(m); ok {
		metrics.RecordCacheLookup(string(m), true)
		return v.(T), nil
	}
	metrics.RecordCacheLookup(string(m), false)

	v, err, _ := c.flight.Do(string(m), func() (any, error) {
		if v, ok := c.lookup(m); ok {
			return v, nil
		}
		// Shared by every waiter, so detached from the first caller's cancellation.
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(m, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to fetch %s: %w", m, err)
	}
	return v.(T), nil
}
