package webui

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"venus-influx-loader/logic"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Erlaube alle Ursprünge
	},
}

// stream sendet zuerst den letzten Stand jedes Event-Typs, dann das Log und danach
// alle neuen Events.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Errorf("Failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close()

	// vor dem Snapshot abonnieren, damit nichts dazwischen verloren geht
	events, cancel := s.deps.Hub.Subscribe(streamBuffer)
	defer cancel()

	s.log.Debugf("Stream client connected from %s", c.ClientIP())

	for _, event := range s.deps.Hub.Snapshot() {
		if err := writeEvent(conn, event); err != nil {
			return
		}
	}
	for _, entry := range s.deps.Logs.Entries() {
		if err := writeEvent(conn, logic.Event{Type: logic.EventLog, Data: entry}); err != nil {
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			s.log.Debugf("Stream client %s disconnected", c.ClientIP())
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event logic.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}
