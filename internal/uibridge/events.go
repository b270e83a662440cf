package uibridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meshchat/internal/debuglog"
	"meshchat/internal/mesh"
)

// events upgrades to a websocket and streams every engine event as one JSON
// text message. Anything the client sends is read and discarded.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debuglog.Warnf("bridge: upgrade: %v", err)
		return
	}
	sub := s.cmds.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	writePump(conn, sub.C(), done)
	sub.Close()
	conn.Close()
	<-done
}

func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debuglog.Debugf("bridge: read: %v", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, events <-chan mesh.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				debuglog.Debugf("bridge: write: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
