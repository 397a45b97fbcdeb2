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

// Package agent talks to the per-node hardware agent over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"ZaychikServer/internal/metrics"
)

var log = logrus.WithField("component", "Agent")

const DefaultRequestTimeout = 10 * time.Second

// CallError reports a transport failure or a non-2xx reply from an agent.
type CallError struct {
	Node       string
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s on %s failed: %v", e.Method, e.Path, e.Node, e.Err)
	}
	return fmt.Sprintf("%s %s on %s failed: status code %d, response body: %s",
		e.Method, e.Path, e.Node, e.StatusCode, e.Body)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

type Client struct {
	addr    string
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a client for the agent at host:port. Each call made through
// it is bounded by timeout; a non-positive timeout disables the bound.
func NewClient(host string, port int, timeout time.Duration) *Client {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return NewClientWithBaseURL(addr, "http://"+addr, timeout)
}

func NewClientWithBaseURL(addr, baseURL string, timeout time.Duration) *Client {
	return &Client{
		addr:    addr,
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

func (c *Client) Addr() string {
	return c.addr
}

// do sends one request. in is marshalled as the JSON body when non-nil, and a
// 2xx reply is decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	callErr := &CallError{Node: c.addr, Method: method, Path: path}
	fail := func(err error) error {
		callErr.Err = err
		metrics.AgentCallFailures.WithLabelValues(c.addr, method, path).Inc()
		log.Debugf("%v", callErr)
		return callErr
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fail(fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fail(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		callErr.StatusCode = resp.StatusCode
		callErr.Body = string(data)
		metrics.AgentCallFailures.WithLabelValues(c.addr, method, path).Inc()
		log.Debugf("%v", callErr)
		return callErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fail(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

type cpuReply struct {
	SupportedClocks []int   `json:"supported_clocks"`
	CoreCount       int     `json:"core_count"`
	Power           float64 `json:"power"`
}

type gpuReply struct {
	SupportedClocks []int     `json:"supported_clocks"`
	Powers          []float64 `json:"powers"`
}

type fansReply struct {
	Speeds []float64 `json:"speeds"`
}

type fanReply struct {
	Speed float64 `json:"speed"`
}

type nodeReply struct {
	Power float64 `json:"power"`
}
