package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/book"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 30 * time.Second
	wsClientBuf  = 256
	wsMaxMsgSize = 1024
)

// wsControl is a client-to-server control message on the stream socket.
type wsControl struct {
	Type  string `json:"type"`
	Speed int    `json:"speed,omitempty"`
}

// handleWebSocket attaches a streaming client to a session, creating the
// session on first connect. The client first receives the buffered history,
// then live enriched snapshots as they are produced.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.GetOrCreate(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	stream, history := sess.AttachClient(wsClientBuf)
	defer sess.DetachClient(stream)

	log.Info().Str("session", id).Int("history", len(history)).
		Msg("websocket client attached")

	if err := writeWS(conn, map[string]interface{}{
		"type":       "history",
		"session_id": id,
		"data":       history,
	}); err != nil {
		return
	}

	// All writes happen in this goroutine; the read loop only parses
	// control messages and asks for pongs through the channel.
	done := make(chan struct{})
	pongReq := make(chan struct{}, 1)
	go s.wsReadLoop(conn, sess.SetSpeed, pongReq, done)

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case enriched, ok := <-stream:
			if !ok {
				return
			}
			if err := writeWSSnapshot(conn, enriched); err != nil {
				log.Debug().Err(err).Str("session", id).Msg("websocket write failed")
				return
			}
		case <-pongReq:
			if err := writeWS(conn, map[string]string{"type": "pong"}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// wsReadLoop consumes client control messages until the connection drops.
func (s *Server) wsReadLoop(conn *websocket.Conn, setSpeed func(int) int,
	pongReq chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsMaxMsgSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsControl
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "set_speed":
			// In-band speed changes stay in the low range; the REST
			// endpoint covers the full one.
			speed := msg.Speed
			if speed < 1 {
				speed = 1
			}
			if speed > 10 {
				speed = 10
			}
			setSpeed(speed)
		case "ping":
			select {
			case pongReq <- struct{}{}:
			default:
			}
		case "pong", "subscribe", "unsubscribe":
			// Accepted for client compatibility; the stream is always on.
		}
	}
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func writeWSSnapshot(conn *websocket.Conn, e *book.EnrichedSnapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}
