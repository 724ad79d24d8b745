package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"signal-core/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard runs on a different origin in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTopics is the set of bus topics streamed to websocket clients.
var wsTopics = []events.Event{
	events.EventSignalApproved,
	events.EventSignalRejected,
	events.EventPolicyChanged,
	events.EventOpEnqueued,
	events.EventOpDropped,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventPositionOpened,
	events.EventPositionClosed,
	events.EventCommissionPaid,
	events.EventPipelineAlert,
}

type wsFrame struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// websocket streams pipeline events to a client. Each connection gets its own
// subscriptions; a slow client drops messages at the bus, not here.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	merged := make(chan wsFrame, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range wsTopics {
		ch, cancel := s.Bus.Subscribe(topic, 64)
		defer cancel()
		go func(topic events.Event, ch <-chan any) {
			for {
				select {
				case payload, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- wsFrame{Event: string(topic), Payload: payload, SentAt: time.Now().UTC()}:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(topic, ch)
	}

	// reader only to detect close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case frame := <-merged:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
