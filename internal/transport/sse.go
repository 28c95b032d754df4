package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/pnl"
)

// handlePnLStream streams P&L snapshots as Server-Sent Events. The current
// snapshot is sent first, then one event per tracker cycle, with comment pings
// between them so idle proxies keep the connection open.
func (s *Server) handlePnLStream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the initial write so no cycle falls between the two.
	updates := s.deps.PnL.Subscribe(s.cfg.StreamBuffer)
	defer s.deps.PnL.Unsubscribe(updates)

	observ.IncCounter("sse_connections_total", map[string]string{"stream": "pnl"})
	observ.Log("sse_client_connected", map[string]any{"remote": c.ClientIP()})
	defer observ.Log("sse_client_disconnected", map[string]any{"remote": c.ClientIP()})

	if err := writeSnapshot(w, s.deps.PnL.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSnapshot(w, snap); err != nil {
				observ.LogError("sse_write_failed", err, nil)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSnapshot writes one "snapshot" event; its id is the cycle time in unix nanos.
func writeSnapshot(w http.ResponseWriter, snap pnl.Snapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\nid: %s\ndata: %s\n\n",
		strconv.FormatInt(snap.At.UnixNano(), 10), data); err != nil {
		return err
	}
	return nil
}
