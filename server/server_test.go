package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

// connect registers a session and consumes its hello event.
func connect(t *testing.T, s *Server) *Session {
	t.Helper()
	sess, err := s.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	hello := recvEvent(t, sess)
	if hello.Type != EventSession {
		t.Fatalf("first event = %q, want %q", hello.Type, EventSession)
	}
	if hello.Id != sess.Id {
		t.Fatalf("hello id = %q, want %q", hello.Id, sess.Id)
	}
	return sess
}

func recvEvent(t *testing.T, sess *Session) *Event {
	t.Helper()
	select {
	case ev := <-sess.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for session %s", sess.Id)
		return nil
	}
}

func noEvent(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case ev := <-sess.Events:
		t.Fatalf("unexpected %q event for session %s", ev.Type, sess.Id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendLocationBroadcastsToAll(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	b := connect(t, s)

	ack := s.SendLocation(a, &Fix{Latitude: f(12.9), Longitude: f(77.6), Accuracy: f(15)})
	if !ack.Ok {
		t.Fatalf("ack = %+v, want ok", ack)
	}

	// everyone gets the broadcast, the sender included
	for _, sess := range []*Session{a, b} {
		ev := recvEvent(t, sess)
		if ev.Type != EventLocation {
			t.Fatalf("event type = %q, want %q", ev.Type, EventLocation)
		}
		if ev.Id != a.Id {
			t.Errorf("event id = %q, want sender %q", ev.Id, a.Id)
		}
		if ev.Username != DefaultUsername {
			t.Errorf("event username = %q, want %q", ev.Username, DefaultUsername)
		}
		if *ev.Latitude != 12.9 || *ev.Longitude != 77.6 {
			t.Errorf("event coords = (%v, %v), want (12.9, 77.6)", *ev.Latitude, *ev.Longitude)
		}
		if ev.Accuracy == nil || *ev.Accuracy != 15 {
			t.Errorf("event accuracy = %v, want 15", ev.Accuracy)
		}
		if ev.Speed != nil || ev.Heading != nil {
			t.Errorf("event speed/heading = %v/%v, want absent", ev.Speed, ev.Heading)
		}
		// exactly one broadcast per fix
		noEvent(t, sess)
	}
}

func TestSendLocationRejected(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	b := connect(t, s)

	ack := s.SendLocation(a, &Fix{Latitude: f(91), Longitude: f(0)})
	if ack.Ok {
		t.Fatal("ack ok for out of range latitude, want rejection")
	}
	if ack.Error != "Invalid coordinates" {
		t.Errorf("ack error = %q, want %q", ack.Error, "Invalid coordinates")
	}

	// a rejected fix is never broadcast, not even to the sender
	noEvent(t, a)
	noEvent(t, b)
}

func TestSetUsername(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"trimmed", "  Alice  ", "Alice"},
		{"empty becomes guest", "", DefaultUsername},
		{"whitespace becomes guest", "   \t ", DefaultUsername},
		{"truncated to 32", strings.Repeat("x", 40), strings.Repeat("x", 32)},
		{"exactly 32 kept", strings.Repeat("y", 32), strings.Repeat("y", 32)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t)
			a := connect(t, s)
			b := connect(t, s)

			got := s.SetUsername(a, tc.raw)
			if got != tc.want {
				t.Fatalf("SetUsername(%q) = %q, want %q", tc.raw, got, tc.want)
			}

			// everyone hears about the rename, the sender included
			for _, sess := range []*Session{a, b} {
				ev := recvEvent(t, sess)
				if ev.Type != EventUserInfo {
					t.Fatalf("event type = %q, want %q", ev.Type, EventUserInfo)
				}
				if ev.Id != a.Id || ev.Username != tc.want {
					t.Errorf("user-info = (%q, %q), want (%q, %q)", ev.Id, ev.Username, a.Id, tc.want)
				}
			}
		})
	}
}

func TestUsernameResolvedAtBroadcastTime(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)

	s.SetUsername(a, "Alice")
	recvEvent(t, a) // user-info

	ack := s.SendLocation(a, &Fix{Latitude: f(1), Longitude: f(2)})
	if !ack.Ok {
		t.Fatalf("ack = %+v", ack)
	}

	ev := recvEvent(t, a)
	if ev.Username != "Alice" {
		t.Errorf("event username = %q, want %q", ev.Username, "Alice")
	}
}

func TestTimestampSubstituted(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)

	before := float64(time.Now().UnixMilli())
	s.SendLocation(a, &Fix{Latitude: f(1), Longitude: f(2)})
	after := float64(time.Now().UnixMilli())

	ev := recvEvent(t, a)
	if ev.Timestamp == nil {
		t.Fatal("event timestamp absent, want receipt time")
	}
	if *ev.Timestamp < before || *ev.Timestamp > after {
		t.Errorf("event timestamp = %v, want within [%v, %v]", *ev.Timestamp, before, after)
	}

	// a finite client timestamp is passed through untouched
	s.SendLocation(a, &Fix{Latitude: f(1), Longitude: f(2), Timestamp: f(12345)})
	ev = recvEvent(t, a)
	if ev.Timestamp == nil || *ev.Timestamp != 12345 {
		t.Errorf("event timestamp = %v, want 12345", ev.Timestamp)
	}
}

func TestDisconnectBroadcast(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	b := connect(t, s)

	s.Disconnect(a)

	ev := recvEvent(t, b)
	if ev.Type != EventDisconnected {
		t.Fatalf("event type = %q, want %q", ev.Type, EventDisconnected)
	}
	if ev.Id != a.Id {
		t.Errorf("event id = %q, want %q", ev.Id, a.Id)
	}

	// a second disconnect for the same session is a no-op
	s.Disconnect(a)
	noEvent(t, b)
}

func TestUnknownSessionIsSafe(t *testing.T) {
	s := newTestServer(t)
	b := connect(t, s)

	// a session the registry has never seen
	ghost := NewSession()

	// username lookups default rather than fail
	if got := s.SetUsername(ghost, "Nobody"); got != "Nobody" {
		t.Errorf("SetUsername = %q, want %q", got, "Nobody")
	}
	// no user-info broadcast for an unknown session
	noEvent(t, b)

	// a fix from an unknown session still broadcasts defensively, with
	// the default name
	ack := s.SendLocation(ghost, &Fix{Latitude: f(1), Longitude: f(2)})
	if !ack.Ok {
		t.Fatalf("ack = %+v", ack)
	}
	ev := recvEvent(t, b)
	if ev.Username != DefaultUsername {
		t.Errorf("event username = %q, want %q", ev.Username, DefaultUsername)
	}
}

func TestSlowSessionDoesNotBlockOthers(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	b := connect(t, s)

	// jam b's event buffer
	for i := 0; i < sessionBuffer; i++ {
		b.Events <- &Event{Type: "noise"}
	}

	done := make(chan *Ack, 1)
	go func() {
		done <- s.SendLocation(a, &Fix{Latitude: f(1), Longitude: f(2)})
	}()

	select {
	case ack := <-done:
		if !ack.Ok {
			t.Fatalf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full session buffer")
	}

	// a still gets its echo
	ev := recvEvent(t, a)
	if ev.Type != EventLocation {
		t.Fatalf("event type = %q, want %q", ev.Type, EventLocation)
	}
}

func TestSessions(t *testing.T) {
	s := newTestServer(t)
	a := connect(t, s)
	b := connect(t, s)
	s.SetUsername(a, "Alice")

	infos := s.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Sessions() = %d entries, want 2", len(infos))
	}

	names := map[string]string{}
	for _, info := range infos {
		names[info.Id] = info.Username
	}
	if names[a.Id] != "Alice" {
		t.Errorf("session %s username = %q, want Alice", a.Id, names[a.Id])
	}
	if names[b.Id] != DefaultUsername {
		t.Errorf("session %s username = %q, want %q", b.Id, names[b.Id], DefaultUsername)
	}

	s.Disconnect(a)
	if infos := s.Sessions(); len(infos) != 1 {
		t.Errorf("Sessions() after disconnect = %d entries, want 1", len(infos))
	}
}

func TestShutdownKillsSessions(t *testing.T) {
	s := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	sess, err := s.Connect()
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	cancel()

	select {
	case <-sess.Kill:
	case <-time.After(time.Second):
		t.Fatal("session not killed on shutdown")
	}
}
