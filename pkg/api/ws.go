package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sema4ai/actionserver/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server is bearer-authenticated; browser origins are the
	// embedding UI's concern
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeWait bounds a single websocket write
const writeWait = 10 * time.Second

// subscribe upgrades the connection and streams bus events for the
// requested topics: one snapshot per topic, then deltas. A client that
// cannot keep up is disconnected after a terminal lost event.
func (s *Server) subscribe(c echo.Context) error {
	topicsParam := c.QueryParam("topics")
	if topicsParam == "" {
		topicsParam = types.TopicRuns
	}
	topics := strings.Split(topicsParam, ",")
	for i := range topics {
		topics[i] = strings.TrimSpace(topics[i])
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := s.broker.Subscribe(topics...)
	defer s.broker.Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine: drains client frames and surfaces disconnects
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped for slow consumption or broker shutdown; the
				// lost event, if any, was already queued
				return nil
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-disconnected:
			return nil
		}
	}
}
