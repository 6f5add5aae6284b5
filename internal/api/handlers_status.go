// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/marketscope/internal/logging"
	ws "github.com/tomtom215/marketscope/internal/websocket"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status            string  `json:"status"`
	DatabaseConnected bool    `json:"database_connected"`
	RunningSyncs      int     `json:"running_syncs"`
	QueueDepth        int     `json:"queue_depth"`
	WebSocketClients  int     `json:"websocket_clients"`
	Uptime            float64 `json:"uptime_seconds"`
}

// Health reports database connectivity and scheduler load. It answers 503
// when the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := h.Store != nil && h.Store.Ping(ctx) == nil
	health := HealthStatus{
		Status:            "healthy",
		DatabaseConnected: dbOK,
		Uptime:            time.Since(h.startTime).Seconds(),
	}
	if h.Scheduler != nil {
		st := h.Scheduler.Status()
		health.RunningSyncs, health.QueueDepth = len(st.Running), st.QueueDepth
	}
	if h.Hub != nil {
		health.WebSocketClients = h.Hub.ClientCount()
	}

	rw := NewResponseWriter(w, r)
	if !dbOK {
		health.Status = "degraded"
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: health, Meta: rw.meta()})
		return
	}
	rw.Success(health)
}

// SyncStatus returns running sources, queue depth and the next due time.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.Scheduler.Status())
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin allows browsers only from configured CORS origins.
// Requests without an Origin header come from non-browser clients and
// still need a valid token.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.Config == nil {
		return true
	}
	for _, allowed := range h.Config.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Ctx(r.Context()).Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades an authenticated request. The client then subscribes
// to projects it can view.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		WriteError(w, r, http.StatusServiceUnavailable, ErrCodeServiceDisabled, "WebSocket service unavailable")
		return
	}
	uid := userID(r)
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	ws.NewClient(h.Hub, conn, uid, h.Authz).Start()
}
