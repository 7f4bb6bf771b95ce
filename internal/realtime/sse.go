package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pricealerts/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// ServeSSE streams events to a single user as server-sent events. The user
// comes from the userId query parameter; it can not be changed mid-stream.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := newBufferedConn(uuid.NewString(), sendBuffer)
	userID := h.Attach(conn, r.URL.Query().Get("userId"))
	defer func() {
		h.Detach(conn.ID())
		conn.close()
	}()

	_ = conn.Send(Event{Name: EventConnectionAck, Data: ackPayload{SocketID: conn.ID(), UserID: userID}})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-conn.send:
			data, err := json.Marshal(event.Data)
			if err != nil {
				logger.Log.Error("Failed to marshal event data", zap.String("event", event.Name), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
