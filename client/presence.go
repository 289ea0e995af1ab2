// Package client implements the Waypoint client side: the websocket
// transport loop, the presence store and the map reconciler that turns
// broadcast events into markers, accuracy circles, a self trail and a
// user list.
package client

import "sort"

// Presence is the last known state for one remote session. Entries
// created by a user-info event have a name but no coordinates yet.
type Presence struct {
	Username  string
	Latitude  float64
	Longitude float64
	// In milliseconds
	Timestamp float64
	// whether a location has been seen for this session
	Located bool
}

// User is one row of the user list.
type User struct {
	Id string
	Presence
}

// PresenceStore maps session ids to their last known state. It is owned
// by the client's event loop and is not safe for concurrent use; there
// is no separate slot for the local session, self shows up here only
// via the self-echoed location broadcast.
type PresenceStore struct {
	entries map[string]*Presence
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		entries: make(map[string]*Presence),
	}
}

// ApplyLocation replaces the entry for the id wholesale. Nothing from a
// prior event survives except what the new event carries.
func (p *PresenceStore) ApplyLocation(id, username string, lat, lon, ts float64) {
	p.entries[id] = &Presence{
		Username:  username,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: ts,
		Located:   true,
	}
}

// ApplyUserInfo updates only the username, creating a placeholder entry
// if the session hasn't been seen yet. Coordinates are left untouched.
func (p *PresenceStore) ApplyUserInfo(id, username string) {
	if entry, ok := p.entries[id]; ok {
		entry.Username = username
		return
	}
	p.entries[id] = &Presence{Username: username}
}

// ApplyDisconnect removes the entry. A second notice for the same id is
// a no-op.
func (p *PresenceStore) ApplyDisconnect(id string) {
	delete(p.entries, id)
}

// Get returns a copy of the entry for the id.
func (p *PresenceStore) Get(id string) (Presence, bool) {
	entry, ok := p.entries[id]
	if !ok {
		return Presence{}, false
	}
	return *entry, true
}

// List returns every known user, sorted by id for a stable render.
func (p *PresenceStore) List() []User {
	users := make([]User, 0, len(p.entries))
	for id, entry := range p.entries {
		users = append(users, User{Id: id, Presence: *entry})
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Id < users[j].Id
	})
	return users
}

func (p *PresenceStore) Len() int {
	return len(p.entries)
}
