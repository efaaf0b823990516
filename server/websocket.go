package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/docflow/progress"
)

const wsWriteWait = 10 * time.Second

// serveWebSocket upgrades the connection and writes every event of the
// subscription as a JSON text message. The socket is closed normally once
// the stream ends.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, sub *progress.Subscription) {
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket.upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	// Read messages from the client only to notice when it goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.NewTimer(s.opts.StreamMaxDuration)
	defer deadline.Stop()
	ping := time.NewTicker(s.opts.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-deadline.C:
			s.closeSocket(conn, "stream timeout")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				s.closeSocket(conn, "stream closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev.Payload()); err != nil {
				s.log.Warn("websocket.write_failed", "subject_id", ev.SubjectID, "error", err)
				return
			}
		}
	}
}

func (s *Server) closeSocket(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
