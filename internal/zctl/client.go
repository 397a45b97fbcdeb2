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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"ZaychikServer/pkg/types"
)

// ServerError is a non-2xx reply from zaychikd.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("zaychikd replied %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejected reports whether zaychikd refused the request itself rather than
// failing to carry it out.
func (e *ServerError) Rejected() bool {
	return e.StatusCode == http.StatusBadRequest
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach zaychikd: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		serr := &ServerError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		if gjson.ValidBytes(data) {
			serr.Code = gjson.GetBytes(data, "code").String()
			serr.Message = gjson.GetBytes(data, "error").String()
		}
		return nil, serr
	}
	return data, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unexpected reply from %s: %w", path, err)
	}
	return out, nil
}

func (c *Client) GetCurrentLimits(ctx context.Context) (types.CurrentLimits, error) {
	return getJSON[types.CurrentLimits](ctx, c, "/api/current-limits")
}

func (c *Client) GetStaticInfo(ctx context.Context) (types.StaticInfo, error) {
	return getJSON[types.StaticInfo](ctx, c, "/api/static-info")
}

func (c *Client) GetHistoryStat(ctx context.Context) (types.HistoryStat, error) {
	return getJSON[types.HistoryStat](ctx, c, "/api/history-stat")
}

// put sends {key: value, is_confirmed_to_warning: confirmed}.
func (c *Client) put(ctx context.Context, path, key string, value any, confirmed bool) (types.ConsultResult, error) {
	body, err := sjson.SetBytes([]byte(`{}`), key, value)
	if err != nil {
		return types.ConsultResult{}, err
	}
	body, err = sjson.SetBytes(body, "is_confirmed_to_warning", confirmed)
	if err != nil {
		return types.ConsultResult{}, err
	}

	data, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return types.ConsultResult{}, err
	}
	if !gjson.ValidBytes(data) {
		return types.ConsultResult{}, fmt.Errorf("unexpected reply from %s: %s", path, data)
	}

	res := types.ConsultResult{TotalMaxPower: gjson.GetBytes(data, "total_max_power").Float()}
	if err := res.Verdict.UnmarshalText([]byte(gjson.GetBytes(data, "verdict").String())); err != nil {
		return types.ConsultResult{}, fmt.Errorf("unexpected reply from %s: %w", path, err)
	}
	return res, nil
}

func (c *Client) SetCPUClocks(ctx context.Context, clocks [][]int, confirmed bool) (types.ConsultResult, error) {
	return c.put(ctx, "/api/cpu", "clocks", clocks, confirmed)
}

func (c *Client) SetGPUClocks(ctx context.Context, clocks []*int, confirmed bool) (types.ConsultResult, error) {
	return c.put(ctx, "/api/gpu", "clocks", clocks, confirmed)
}

func (c *Client) SetFanSpeeds(ctx context.Context, curves [][]types.FanCurve, confirmed bool) (types.ConsultResult, error) {
	return c.put(ctx, "/api/fan", "curves", curves, confirmed)
}
