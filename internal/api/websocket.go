package api

import (
	"log"
	"net/http"
	"time"

	"execution-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsBuffer       = 256
	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams every bus event to the client as {topic, payload}.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.bus.SubscribeMany(events.All, wsBuffer)
	defer unsub()

	// Reader goroutine notices the client going away.
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
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
