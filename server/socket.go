package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// check if the request is for websockets
func IsWebSocket(r *http.Request) bool {
	contains := func(key, val string) bool {
		vv := strings.Split(r.Header.Get(key), ",")
		for _, v := range vv {
			if val == strings.ToLower(strings.TrimSpace(v)) {
				return true
			}
		}
		return false
	}

	if contains("Connection", "upgrade") && contains("Upgrade", "websocket") {
		return true
	}

	return false
}

// serve an actual websocket for the session
func ServeWebSocket(w http.ResponseWriter, r *http.Request, srv *Server, sess *Session) {
	// upgrade the connection
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// create a stream
	s := stream{
		ctx:         r.Context(),
		conn:        conn,
		server:      srv,
		session:     sess,
		acks:        make(chan *Ack, 8),
		messageType: websocket.TextMessage,
	}

	// start processing the stream
	s.run()
}

type stream struct {
	// message type requested (binary or text)
	messageType int
	// request context
	ctx context.Context
	// the websocket connection.
	conn *websocket.Conn
	// the hub
	server *Server
	// this connection's session
	session *Session
	// acks for this sender only, written alongside broadcasts
	acks chan *Ack
}

func (s *stream) run() {
	defer func() {
		s.conn.Close()
	}()

	// to cancel everything
	stopCtx, cancel := context.WithCancel(context.Background())

	// wait for things to exit
	wg := sync.WaitGroup{}
	wg.Add(2)

	// establish the loops
	go s.serverToClientLoop(cancel, &wg, stopCtx)
	go s.clientToServerLoop(cancel, &wg, stopCtx)
	wg.Wait()
}

func (s *stream) clientToServerLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		cancel()
		wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.server.log.Debug().Str("session", s.session.Id).Err(err).Msg("read failed")
			}
			return
		}

		// a bad message is this session's problem only; log and move on
		var m Message
		if err := json.Unmarshal(msg, &m); err != nil {
			s.server.log.Warn().Str("session", s.session.Id).Err(err).Msg("dropping malformed message")
			continue
		}

		switch m.Type {
		case MessageSetUsername:
			s.server.SetUsername(s.session, m.Name)
		case MessageSendLocation:
			var fix Fix
			var ack *Ack
			if err := json.Unmarshal(msg, &fix); err != nil {
				// non-numeric coordinates decode as an error, reject
				ack = &Ack{Type: TypeAck, Ok: false, Error: ErrInvalidCoordinates.Error()}
			} else {
				ack = s.server.SendLocation(s.session, &fix)
			}
			select {
			case s.acks <- ack:
			default:
				s.server.log.Warn().Str("session", s.session.Id).Msg("dropping ack for slow session")
			}
		default:
			s.server.log.Debug().Str("session", s.session.Id).Str("type", m.Type).Msg("ignoring unknown message")
		}
	}
}

func (s *stream) serverToClientLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		s.conn.Close()
		cancel()
		wg.Done()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stopCtx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-s.session.Kill:
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ack := <-s.acks:
			if err := s.write(ack); err != nil {
				return
			}
		case ev := <-s.session.Events:
			if err := s.write(ev); err != nil {
				return
			}
		}
	}
}

func (s *stream) write(v interface{}) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := s.conn.NextWriter(s.messageType)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(v)
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Close()
}
