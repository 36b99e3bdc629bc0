package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Operator surface, expected to sit behind localhost or a VPN.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	bot    Bot
	hub    *Hub
	logger *slog.Logger
}

func NewHandlers(bot Bot, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		bot:    bot,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

// HandleHealth reports liveness and the one-line state an uptime probe
// cares about.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.bot.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    snap.Uptime,
		"connected": snap.Stream.Connected,
		"paused":    snap.Paused,
	})
}

// HandleStats returns the full status snapshot.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.bot.Snapshot())
}

// HandleExport streams the trade journal as CSV, newest day first.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			http.Error(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="trades.csv"`)
	if err := h.bot.ExportCSV(r.Context(), w, days); err != nil {
		// Headers already went out; log and cut the stream.
		h.logger.Error("csv export failed", "error", err, "days", days)
	}
}

// HandlePause stops discretionary order submission. Protective exits and
// the data plane keep running.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.bot.Pause()
	h.logger.Warn("trading paused by operator")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// HandleResume lifts an operator pause.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.bot.Resume()
	h.logger.Info("trading resumed by operator")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// HandleRefresh makes the scheduler tear down and rebuild the current
// slot on its next tick.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	h.bot.ForceRefresh()
	h.logger.Info("slot refresh requested by operator")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "refreshing"})
}

// HandleShutdown begins a graceful stop. The ack goes out before the
// engine starts tearing down.
func (h *Handlers) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("shutdown requested by operator")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	h.bot.RequestShutdown()
}

// HandleWebSocket upgrades to the live status stream. The first frame is
// a full snapshot so the client can render without waiting for the beat.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	if client == nil {
		return
	}

	evt := Event{Type: "status", Timestamp: time.Now(), Data: h.bot.Snapshot()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
