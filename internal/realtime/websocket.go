package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"pricealerts/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sockets are not authenticated; any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type registerPayload struct {
	UserID string `json:"userId"`
}

type ackPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
}

// ServeWS upgrades the request and binds the socket to the userId query
// parameter (guest when absent). Clients may later send
// {"event":"client:register","data":{"userId":"..."}} to switch user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := newBufferedConn(uuid.NewString(), sendBuffer)
	userID := h.Attach(conn, r.URL.Query().Get("userId"))
	_ = conn.Send(Event{Name: EventConnectionAck, Data: ackPayload{SocketID: conn.ID(), UserID: userID}})

	go writePump(ws, conn)
	h.readPump(ws, conn)
}

func (h *Hub) readPump(ws *websocket.Conn, conn *bufferedConn) {
	defer func() {
		h.Detach(conn.ID())
		conn.close()
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("WebSocket read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}

		switch msg.Event {
		case EventClientRegister:
			var payload registerPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				logger.Log.Debug("Ignoring malformed register payload", zap.String("conn_id", conn.ID()), zap.Error(err))
				continue
			}
			h.Reregister(conn.ID(), payload.UserID)
		default:
			logger.Log.Debug("Ignoring unknown client event", zap.String("event", msg.Event))
		}
	}
}

func writePump(ws *websocket.Conn, conn *bufferedConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-conn.done:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				logger.Log.Debug("WebSocket write failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				conn.close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		}
	}
}
