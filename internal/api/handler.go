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

// Package api is the HTTP façade of zaychikd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/backhome"
	"ZaychikServer/internal/cluster"
	"ZaychikServer/pkg/types"
)

var log = logrus.WithField("component", "API")

const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeValidationFailed        = "VALIDATION_FAILED"
	CodeBackhomeNotAllowed      = "BACKHOME_NOTALLOWED"
	CodeBackhomeWarnUnconfirmed = "BACKHOME_WARN_UNCONFIRMED"
	CodeAgentCallFailed         = "AGENT_CALL_FAILED"
	CodeInternalError           = "INTERNAL_ERROR"
)

// ClusterService is what the façade needs from the cluster controller.
type ClusterService interface {
	GetCurrentLimits() types.CurrentLimits
	GetStaticInfo() types.StaticInfo
	GetHistoryStatWithCache(ctx context.Context) (types.HistoryStat, error)
	SetCPUClocks(ctx context.Context, clocks [][]int, confirmed bool) (types.ConsultResult, error)
	SetGPUClocks(ctx context.Context, clocks []*int, confirmed bool) (types.ConsultResult, error)
	SetFanSpeeds(ctx context.Context, curves [][]types.FanCurve, confirmed bool) (types.ConsultResult, error)
}

type CPURequest struct {
	Clocks               [][]int `json:"clocks"`
	IsConfirmedToWarning bool    `json:"is_confirmed_to_warning"`
}

// GPURequest holds one clock per node; null for nodes without a GPU.
type GPURequest struct {
	Clocks               []*int `json:"clocks"`
	IsConfirmedToWarning bool   `json:"is_confirmed_to_warning"`
}

// FanRequest holds one curve per fan per node.
type FanRequest struct {
	Curves               [][]types.FanCurve `json:"curves"`
	IsConfirmedToWarning bool               `json:"is_confirmed_to_warning"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Handler struct {
	cluster ClusterService
}

func NewHandler(svc ClusterService) *Handler {
	return &Handler{cluster: svc}
}

// Routes returns the mux serving the façade and /metrics.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/current-limits", h.HandleGetCurrentLimits)
	mux.HandleFunc("GET /api/static-info", h.HandleGetStaticInfo)
	mux.HandleFunc("GET /api/history-stat", h.HandleGetHistoryStat)
	mux.HandleFunc("PUT /api/cpu", h.HandleSetCPU)
	mux.HandleFunc("PUT /api/gpu", h.HandleSetGPU)
	mux.HandleFunc("PUT /api/fan", h.HandleSetFan)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *Handler) HandleGetCurrentLimits(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cluster.GetCurrentLimits())
}

func (h *Handler) HandleGetStaticInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cluster.GetStaticInfo())
}

func (h *Handler) HandleGetHistoryStat(w http.ResponseWriter, r *http.Request) {
	stat, err := h.cluster.GetHistoryStatWithCache(r.Context())
	if err != nil {
		h.writeClusterError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stat)
}

func (h *Handler) HandleSetCPU(w http.ResponseWriter, r *http.Request) {
	var req CPURequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.cluster.SetCPUClocks(r.Context(), req.Clocks, req.IsConfirmedToWarning)
	h.writeConsult(w, "cpu", res, err)
}

func (h *Handler) HandleSetGPU(w http.ResponseWriter, r *http.Request) {
	var req GPURequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.cluster.SetGPUClocks(r.Context(), req.Clocks, req.IsConfirmedToWarning)
	h.writeConsult(w, "gpu", res, err)
}

func (h *Handler) HandleSetFan(w http.ResponseWriter, r *http.Request) {
	var req FanRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.cluster.SetFanSpeeds(r.Context(), req.Curves, req.IsConfirmedToWarning)
	h.writeConsult(w, "fan", res, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), CodeInvalidRequest)
		return false
	}
	return true
}

func (h *Handler) writeConsult(w http.ResponseWriter, what string, res types.ConsultResult, err error) {
	if err != nil {
		log.Debugf("PUT %s failed: %v", what, err)
		h.writeClusterError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// writeClusterError maps controller errors to status codes.
func (h *Handler) writeClusterError(w http.ResponseWriter, err error) {
	var validationErr *cluster.ValidationError
	var callErr *agent.CallError
	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, err.Error(), CodeValidationFailed)
	case errors.Is(err, backhome.ErrNotAllowed):
		h.writeError(w, http.StatusBadRequest, err.Error(), CodeBackhomeNotAllowed)
	case errors.Is(err, backhome.ErrWarnUnconfirmed):
		h.writeError(w, http.StatusBadRequest, err.Error(), CodeBackhomeWarnUnconfirmed)
	case errors.As(err, &callErr):
		h.writeError(w, http.StatusBadGateway, err.Error(), CodeAgentCallFailed)
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error(), CodeInternalError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
