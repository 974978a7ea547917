package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

// WSHandler serves hub subscriptions over websocket.
type WSHandler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewWSHandler checks the Origin header against allowedOrigins; an empty
// list accepts every origin.
func NewWSHandler(h *Hub, allowedOrigins []string, pingInterval time.Duration) *WSHandler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return &WSHandler{
		hub:          h,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := strings.TrimRight(strings.ToLower(r.Header.Get("Origin")), "/")
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (w *WSHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade rejected")
		return
	}
	sub := w.hub.Subscribe(r.Context())
	log.Debug().Str("remote", r.RemoteAddr).Uint64("subscriber", sub.id).Msg("websocket subscriber connected")

	done := make(chan struct{})
	go w.readPump(conn, done)
	w.writePump(conn, sub, done)
	w.hub.Unsubscribe(sub)
	conn.Close()
}

// readPump discards client frames and keeps the pong deadline fresh. It
// closes done when the peer goes away.
func (w *WSHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxInboundSize)
	pongWait := w.pingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case m, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := "server closing"
				if sub.Evicted() {
					reason = "subscriber too slow"
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
				return
			}
			if err := conn.WriteJSON(ToEnvelope(m)); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
