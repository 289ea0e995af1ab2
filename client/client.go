package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"waypoint.live/server"
)

const writeWait = 10 * time.Second

// Locator is a cancellable subscription to the local position source.
// The channel closes when the context is cancelled and no further fixes
// are produced after that.
type Locator interface {
	Watch(ctx context.Context) <-chan server.Fix
}

// message is one outbound wire message. Fix fields sit alongside the
// type, matching what the server decodes.
type message struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	server.Fix
}

// Client connects to a hub and runs the reconciliation loop. Inbound
// events and the location source are two independent asynchronous
// sources; Run serializes both onto one goroutine so presence state is
// never mutated concurrently.
type Client struct {
	conn       *websocket.Conn
	reconciler *Reconciler
	locator    Locator
	log        zerolog.Logger

	events chan *server.Event
	send   chan *message
	share  chan bool
	follow chan bool

	readErr error
}

// Dial connects to the hub's events endpoint. The url is the websocket
// address, e.g. ws://localhost:3000/events.
func Dial(ctx context.Context, url string, view View, locator Locator, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:       conn,
		reconciler: NewReconciler(view),
		locator:    locator,
		log:        log.With().Str("component", "client").Logger(),
		events:     make(chan *server.Event, 64),
		send:       make(chan *message, 16),
		share:      make(chan bool, 4),
		follow:     make(chan bool, 4),
	}, nil
}

// SetUsername asks the hub to rename this session. The new name comes
// back to everyone, us included, as a user-info broadcast.
func (c *Client) SetUsername(name string) {
	c.send <- &message{Type: server.MessageSetUsername, Name: name}
}

// SendLocation submits one fix. The local marker only moves when the
// hub echoes the broadcast back; there is no optimistic update.
func (c *Client) SendLocation(fix server.Fix) {
	c.send <- &message{Type: server.MessageSendLocation, Fix: fix}
}

// Share starts or stops the location watch. Stopping cancels the
// subscription outright, nothing keeps running in the background.
func (c *Client) Share(on bool) {
	c.share <- on
}

// Follow toggles recentering on our own confirmed position.
func (c *Client) Follow(on bool) {
	c.follow <- on
}

// Reconciler exposes the client's view state.
func (c *Client) Reconciler() *Reconciler {
	return c.reconciler
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run drives the client until the context is cancelled or the
// connection drops. Must be the only goroutine touching the reconciler.
func (c *Client) Run(ctx context.Context) error {
	go c.readLoop()

	var fixes <-chan server.Fix
	var stopWatch context.CancelFunc
	defer func() {
		if stopWatch != nil {
			stopWatch()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.conn.Close()
			return nil

		case ev, ok := <-c.events:
			if !ok {
				if c.readErr != nil {
					return c.readErr
				}
				return errors.New("connection closed")
			}
			c.reconciler.Apply(ev)

		case m := <-c.send:
			if err := c.write(m); err != nil {
				return err
			}

		case on := <-c.share:
			if on && fixes == nil {
				if stopWatch != nil {
					stopWatch()
				}
				var wctx context.Context
				wctx, stopWatch = context.WithCancel(ctx)
				fixes = c.locator.Watch(wctx)
			}
			if !on && stopWatch != nil {
				stopWatch()
				stopWatch = nil
				fixes = nil
			}

		case on := <-c.follow:
			c.reconciler.SetFollow(on)

		case fix, ok := <-fixes:
			if !ok {
				fixes = nil
				continue
			}
			if err := c.write(&message{Type: server.MessageSendLocation, Fix: fix}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(m *message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(m)
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.readErr = err
			}
			return
		}

		var m server.Message
		if err := json.Unmarshal(msg, &m); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}

		// rejections are fire and forget: warn and move on
		if m.Type == server.TypeAck {
			var ack server.Ack
			if err := json.Unmarshal(msg, &ack); err == nil && !ack.Ok {
				c.log.Warn().Str("error", ack.Error).Msg("server rejected location")
			}
			continue
		}

		var ev server.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		c.events <- &ev
	}
}
