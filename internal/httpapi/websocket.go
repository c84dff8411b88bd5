package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/metrics"
	"github.com/flybeeper/geoquery/internal/query"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventFrame is the JSON shape relayed over the WebSocket for every
// ready/key_entered/key_exited/key_moved transition.
type eventFrame struct {
	Type       string   `json:"type"`
	Key        string   `json:"key,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

// streamQuery handles GET /queries/:id/stream: it upgrades to a WebSocket
// and relays the query's events as JSON frames until the client disconnects
// or the query is cancelled, mirroring the teacher's one-send-goroutine
// per client shape in internal/handler/websocket.go.
func (s *Server) streamQuery(c *gin.Context) {
	id := c.Param("id")
	q, ok := s.registry.get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "query not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("failed to upgrade to websocket")
		return
	}

	metrics.WebSocketConnections.Inc()
	send := make(chan eventFrame, 64)
	done := make(chan struct{})

	registerAll := func(et query.EventType) *query.Registration {
		reg, err := q.On(et, func(ev query.MembershipEvent) {
			frame := eventFrame{Type: string(et), Key: ev.Key, DistanceKm: ev.DistanceKm}
			if ev.Location != nil {
				frame.Lat, frame.Lon = &ev.Location.Lat, &ev.Location.Lon
			}
			select {
			case send <- frame:
			case <-done:
			}
		})
		if err != nil {
			s.logger.WithError(err).Error("failed to register websocket listener")
		}
		return reg
	}

	regs := []*query.Registration{
		registerAll(query.EventReady),
		registerAll(query.EventEntered),
		registerAll(query.EventExited),
		registerAll(query.EventMoved),
	}

	go s.writePump(conn, send, done)
	s.readPump(conn, id)

	close(done)
	for _, reg := range regs {
		if reg != nil {
			reg.Cancel()
		}
	}
	conn.Close()
	metrics.WebSocketConnections.Dec()
}

// writePump serializes every frame and heartbeat ping onto the connection.
// Exactly one goroutine ever calls conn.WriteMessage, matching
// gorilla/websocket's single-writer requirement.
func (s *Server) writePump(conn *websocket.Conn, send <-chan eventFrame, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.WithError(err).Error("failed to marshal event frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				metrics.WebSocketErrors.Inc()
				return
			}
			metrics.WebSocketMessagesOut.WithLabelValues(frame.Type).Inc()

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketErrors.Inc()
				return
			}

		case <-done:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump blocks reading from the client solely to detect disconnects and
// keep the read deadline fed by pong frames; this stream never accepts
// client-to-server messages.
func (s *Server) readPump(conn *websocket.Conn, queryID string) {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithFields(logrus.Fields{"query_id": queryID, "error": err}).Warn("websocket read error")
			}
			return
		}
	}
}
