package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/syncerr"
)

// SSE event names beyond the broadcast kinds.
const (
	eventConnected = "connected"
	eventHeartbeat = "heartbeat"
	eventDropped   = "dropped"
)

// handleEvents streams a session's committed events. The subscription is
// opened before the connected frame is written, so a client that fetches a
// snapshot after seeing it misses nothing.
func handleEvents(svc *session.Service, heartbeat time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session")
		sub, err := svc.Subscribe(sessionID)
		if err != nil {
			if errors.Is(err, broadcast.ErrHubClosed) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "kind": "store_unavailable"})
				return
			}
			respondError(c, err)
			return
		}
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		writeSSE(c.Writer, "", eventConnected, map[string]string{"session": sessionID})
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeSSE(c.Writer, "", eventHeartbeat, map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case evt, ok := <-sub.C():
				if !ok {
					if errors.Is(sub.Err(), syncerr.ErrSubscriptionDropped) {
						writeSSE(c.Writer, "", eventDropped, map[string]string{"reason": sub.Err().Error()})
						c.Writer.Flush()
					}
					return
				}
				writeSSE(c.Writer, evt.ID, string(evt.Kind), evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, id, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
