// Package server implements the Waypoint presence hub.
//
// Every live connection gets one session. Clients stream location fixes
// which the hub validates, stamps with the sender's identity and fans out
// to every connected session, including the sender - the sender's own
// marker is driven by the echoed broadcast, never by local state.
//
// All session state is owned by a single dispatch loop (Run). Connection
// goroutines talk to it over the commands channel, so the registry needs
// no locking and per-session ordering falls out of channel order.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultUsername is used for sessions that never set a name, and
	// for any name that normalizes to nothing.
	DefaultUsername = "Guest"

	// MaxUsernameLength is the cap on display names, in runes.
	MaxUsernameLength = 32

	// Buffered events per session. A session that falls this far behind
	// starts dropping broadcasts rather than blocking everyone else.
	sessionBuffer = 64

	// How long command submission waits for the dispatch loop.
	commandWait = time.Second
)

// Event types sent to every session.
const (
	EventSession      = "session"
	EventLocation     = "receive-location"
	EventUserInfo     = "user-info"
	EventDisconnected = "user-disconnected"
)

// Message types accepted from clients, and the ack sent back.
const (
	MessageSetUsername  = "set-username"
	MessageSendLocation = "send-location"
	TypeAck             = "ack"
)

// ErrTimeout means the dispatch loop did not pick a command up in time.
var ErrTimeout = errors.New("timed out waiting for the server")

// Session is the server side state for one live connection.
type Session struct {
	// A unique id, assigned at connect time, never reused
	Id string
	// Display name, default "Guest"
	Username string
	// In nanoseconds
	Created int64
	// Outbound events for this connection
	Events chan *Event
	// Closed when the hub shuts down
	Kill chan bool
}

// Event is one outbound wire message. Optional telemetry is carried as
// pointers so absent values stay absent instead of becoming zero.
type Event struct {
	Type      string   `json:"type"`
	Id        string   `json:"id,omitempty"`
	Username  string   `json:"username,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// Ack is the synchronous reply to a send-location message. It only ever
// goes to the sender.
type Ack struct {
	Type  string `json:"type"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Message is one inbound wire message. For send-location the coordinate
// fields are decoded separately as a Fix.
type Message struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Info describes a live session for the listing endpoint.
type Info struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Created  int64  `json:"created"`
}

type command struct {
	kind    string
	session *Session
	name    string
	fix     *Fix
	done    chan bool
	reply   chan string
	ack     chan *Ack
	list    chan []Info
}

// Server is the presence hub: the session registry and the broadcast
// coordinator around it.
type Server struct {
	Created int64

	commands chan *command
	sessions map[string]*Session
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Server {
	return &Server{
		Created:  time.Now().UnixNano(),
		commands: make(chan *command, 128),
		sessions: make(map[string]*Session),
		log:      log.With().Str("component", "server").Logger(),
	}
}

func NewSession() *Session {
	return &Session{
		Id:       uuid.New().String(),
		Username: DefaultUsername,
		Created:  time.Now().UnixNano(),
		Events:   make(chan *Event, sessionBuffer),
		Kill:     make(chan bool),
	}
}

// Connect registers a new session with the hub. The session's first
// event is a hello carrying its own id.
func (s *Server) Connect() (*Session, error) {
	sess := NewSession()

	c := &command{kind: "connect", session: sess, done: make(chan bool, 1)}
	if err := s.submit(c); err != nil {
		return nil, err
	}

	select {
	case <-c.done:
		return sess, nil
	case <-time.After(commandWait):
		return nil, ErrTimeout
	}
}

// Disconnect removes the session and tells everyone else. Safe to call
// twice; the second call is a no-op.
func (s *Server) Disconnect(sess *Session) {
	c := &command{kind: "disconnect", session: sess}
	if err := s.submit(c); err != nil {
		s.log.Debug().Str("session", sess.Id).Msg("disconnect after shutdown")
	}
}

// SetUsername normalizes and stores the session's display name, then
// broadcasts a user-info event. Any input coerces to a valid name, so
// there is no failure path; the normalized name is returned.
func (s *Server) SetUsername(sess *Session, raw string) string {
	c := &command{kind: "username", session: sess, name: raw, reply: make(chan string, 1)}
	if err := s.submit(c); err != nil {
		return normalizeUsername(raw)
	}

	select {
	case name := <-c.reply:
		return name
	case <-time.After(commandWait):
		return normalizeUsername(raw)
	}
}

// SendLocation validates the fix and, if it's good, broadcasts it to
// every session stamped with the sender's id and current username. The
// returned ack goes to the sender only.
func (s *Server) SendLocation(sess *Session, fix *Fix) *Ack {
	c := &command{kind: "location", session: sess, fix: fix, ack: make(chan *Ack, 1)}
	if err := s.submit(c); err != nil {
		return &Ack{Type: TypeAck, Ok: false, Error: "Timed out sending location"}
	}

	select {
	case ack := <-c.ack:
		return ack
	case <-time.After(commandWait):
		return &Ack{Type: TypeAck, Ok: false, Error: "Timed out sending location"}
	}
}

// Sessions lists the live sessions.
func (s *Server) Sessions() []Info {
	c := &command{kind: "list", list: make(chan []Info, 1)}
	if err := s.submit(c); err != nil {
		return nil
	}

	select {
	case infos := <-c.list:
		return infos
	case <-time.After(commandWait):
		return nil
	}
}

func (s *Server) submit(c *command) error {
	select {
	case s.commands <- c:
		return nil
	case <-time.After(commandWait):
		return ErrTimeout
	}
}

// Run is the dispatch loop. It owns the registry: every mutation happens
// here, one command at a time, so events from a single session are
// processed and broadcast in the order they arrived.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case c := <-s.commands:
			s.process(c)
		case <-ctx.Done():
			for id, sess := range s.sessions {
				delete(s.sessions, id)
				close(sess.Kill)
			}
			return
		}
	}
}

func (s *Server) process(c *command) {
	switch c.kind {
	case "connect":
		s.sessions[c.session.Id] = c.session
		// tell the session who it is before anything else arrives
		s.send(c.session, &Event{Type: EventSession, Id: c.session.Id})
		s.log.Debug().Str("session", c.session.Id).Int("sessions", len(s.sessions)).Msg("connected")
		c.done <- true

	case "disconnect":
		if _, ok := s.sessions[c.session.Id]; !ok {
			return
		}
		delete(s.sessions, c.session.Id)
		s.broadcast(&Event{Type: EventDisconnected, Id: c.session.Id})
		s.log.Debug().Str("session", c.session.Id).Int("sessions", len(s.sessions)).Msg("disconnected")

	case "username":
		name := normalizeUsername(c.name)
		if sess, ok := s.sessions[c.session.Id]; ok {
			sess.Username = name
			s.broadcast(&Event{Type: EventUserInfo, Id: sess.Id, Username: name})
		}
		c.reply <- name

	case "location":
		loc, err := Validate(c.fix)
		if err != nil {
			c.ack <- &Ack{Type: TypeAck, Ok: false, Error: err.Error()}
			return
		}

		// resolve the name at broadcast time, not from the fix
		ts := loc.Timestamp
		if ts == nil {
			now := float64(time.Now().UnixMilli())
			ts = &now
		}
		s.broadcast(&Event{
			Type:      EventLocation,
			Id:        c.session.Id,
			Username:  s.username(c.session.Id),
			Latitude:  &loc.Latitude,
			Longitude: &loc.Longitude,
			Accuracy:  loc.Accuracy,
			Speed:     loc.Speed,
			Heading:   loc.Heading,
			Timestamp: ts,
		})
		c.ack <- &Ack{Type: TypeAck, Ok: true}

	case "list":
		infos := make([]Info, 0, len(s.sessions))
		for _, sess := range s.sessions {
			infos = append(infos, Info{Id: sess.Id, Username: sess.Username, Created: sess.Created})
		}
		c.list <- infos
	}
}

// username returns the session's current name, or the default if the
// session is gone. Never fails.
func (s *Server) username(id string) string {
	if sess, ok := s.sessions[id]; ok {
		return sess.Username
	}
	return DefaultUsername
}

// broadcast fans the event out to every session. Sends never block: a
// session that can't keep up loses this event, the rest still get it.
func (s *Server) broadcast(ev *Event) {
	for _, sess := range s.sessions {
		s.send(sess, ev)
	}
}

func (s *Server) send(sess *Session, ev *Event) {
	select {
	case sess.Events <- ev:
	default:
		s.log.Warn().Str("session", sess.Id).Str("type", ev.Type).Msg("dropping event for slow session")
	}
}

func normalizeUsername(raw string) string {
	name := strings.TrimSpace(raw)
	if runes := []rune(name); len(runes) > MaxUsernameLength {
		name = string(runes[:MaxUsernameLength])
	}
	if name == "" {
		return DefaultUsername
	}
	return name
}
