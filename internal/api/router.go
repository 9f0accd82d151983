// Package api exposes the HTTP surface: WebSocket mounts for devices and
// clients, the admin/ops endpoints, and the log RPC bridge that turns
// device request/response exchanges into plain HTTP calls.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/brewlink/brewlink/internal/message"
	"github.com/brewlink/brewlink/internal/proxy"
	"github.com/brewlink/brewlink/internal/relay"
)

// Router wires handlers onto a ServeMux.
type Router struct {
	relay    *relay.Relay
	proxy    *proxy.Proxy
	logger   zerolog.Logger
	adminKey string
	started  time.Time
}

// NewRouter builds the HTTP handler tree. adminKey guards the admin and
// metrics endpoints; empty disables the guard.
func NewRouter(rl *relay.Relay, px *proxy.Proxy, adminKey string, logger zerolog.Logger) http.Handler {
	rt := &Router{
		relay:    rl,
		proxy:    px,
		logger:   logger.With().Str("component", "api").Logger(),
		adminKey: adminKey,
		started:  time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", rt.handleHealth)
	mux.Handle("GET /metrics", rt.requireAdmin(promhttp.Handler()))

	// WebSocket mounts. Devices may put the id in the query or the path.
	mux.HandleFunc("GET /ws", px.HandleClient)
	mux.HandleFunc("GET /ws/device", rl.HandleDevice)
	mux.HandleFunc("GET /ws/device/{id}", rl.HandleDevice)

	mux.Handle("GET /api/stats", rt.requireAdmin(http.HandlerFunc(rt.handleStats)))
	mux.Handle("GET /api/devices", rt.requireAdmin(http.HandlerFunc(rt.handleDevices)))
	mux.Handle("POST /api/devices/{id}/disconnect", rt.requireAdmin(http.HandlerFunc(rt.handleDisconnect)))

	// Log RPC bridge.
	mux.Handle("GET /api/devices/{id}/logs/info", rt.requireAdmin(rt.deviceRPC("get_log_info", nil)))
	mux.Handle("GET /api/devices/{id}/logs", rt.requireAdmin(rt.deviceRPC("get_logs", nil)))
	mux.Handle("DELETE /api/devices/{id}/logs", rt.requireAdmin(rt.deviceRPC("clear_logs", nil)))
	mux.Handle("POST /api/devices/{id}/logs/enabled",
		rt.requireAdmin(rt.deviceRPC("set_log_enabled", []string{"enabled"})))
	mux.Handle("POST /api/devices/{id}/logs/pico-forwarding",
		rt.requireAdmin(rt.deviceRPC("set_pico_log_forwarding", []string{"enabled"})))
	mux.Handle("POST /api/devices/{id}/logs/debug",
		rt.requireAdmin(rt.deviceRPC("set_debug_logs_enabled", []string{"enabled"})))

	return rt.logRequests(mux)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(rt.started).Milliseconds(),
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"relay":     rt.relay.Stats(),
		"proxy":     rt.proxy.Stats(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (rt *Router) handleDevices(w http.ResponseWriter, r *http.Request) {
	ids := rt.relay.ConnectedDevices()
	devices := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		d := map[string]any{"deviceId": id, "online": true}
		if t, ok := rt.relay.DeviceLastSeen(id); ok {
			d["lastSeen"] = t.UnixMilli()
		}
		devices = append(devices, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (rt *Router) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !rt.relay.DisconnectDevice(id) {
		writeError(w, http.StatusNotFound, "device not connected")
		return
	}
	rt.logger.Info().Str("device", id).Msg("Device disconnected by admin")
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true, "deviceId": id})
}

// deviceRPC builds a handler that relays an HTTP call to the named device
// as a correlated WebSocket request. bodyFields names the JSON body fields
// copied into the request; nil means no body is read.
func (rt *Router) deviceRPC(msgType string, bodyFields []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !relay.ValidDeviceID(id) {
			writeError(w, http.StatusBadRequest, "invalid device id")
			return
		}

		req := message.Message{"type": msgType}
		if len(bodyFields) > 0 {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			for _, f := range bodyFields {
				v, ok := body[f]
				if !ok {
					writeError(w, http.StatusBadRequest, "missing field: "+f)
					return
				}
				req[f] = v
			}
		}

		reply, err := rt.relay.Request(r.Context(), id, req)
		if err != nil {
			switch {
			case errors.Is(err, relay.ErrRequestTimeout):
				writeError(w, http.StatusGatewayTimeout, err.Error())
			case errors.Is(err, relay.ErrDeviceNotConnected):
				writeError(w, http.StatusBadGateway, err.Error())
			default:
				writeError(w, http.StatusBadGateway, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, reply)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
