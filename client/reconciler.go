package client

import (
	"waypoint.live/server"
)

// MaxTrailPoints caps the self trail; the oldest point goes first.
const MaxTrailPoints = 500

// View is the set of map primitives the reconciler drives. The tile
// layer behind it is someone else's problem.
type View interface {
	// SetMarker creates or repositions the marker for a session.
	SetMarker(id, label string, lat, lon float64)
	// SetMarkerLabel relabels an existing marker.
	SetMarkerLabel(id, label string)
	RemoveMarker(id string)

	// SetAccuracy creates or repositions the accuracy circle for a
	// session. Self gets a different colour, hence the flag.
	SetAccuracy(id string, lat, lon, radius float64, self bool)
	RemoveAccuracy(id string)

	// SetTrail replaces the self trail outline.
	SetTrail(points [][2]float64)
	// Recenter moves the viewport, used in follow mode.
	Recenter(lat, lon float64)

	// RenderUserList replaces the whole user list.
	RenderUserList(users []User)
}

// Reconciler maps presence deltas onto the view: one marker and at most
// one accuracy circle per session, a trail for self only. Owned by the
// client's event loop; events are applied one at a time and re-applying
// an identical event is harmless.
type Reconciler struct {
	store *PresenceStore
	view  View

	selfId string
	follow bool

	trail   [][2]float64
	markers map[string]bool
	circles map[string]bool
}

func NewReconciler(view View) *Reconciler {
	return &Reconciler{
		store:   NewPresenceStore(),
		view:    view,
		markers: make(map[string]bool),
		circles: make(map[string]bool),
	}
}

// SetSelf records the local session id from the server's hello.
func (r *Reconciler) SetSelf(id string) {
	r.selfId = id
}

// SetFollow toggles recentering and trail capture on the local session's
// own confirmed positions.
func (r *Reconciler) SetFollow(on bool) {
	r.follow = on
}

// Store exposes the presence store for inspection.
func (r *Reconciler) Store() *PresenceStore {
	return r.store
}

// Trail returns the current self trail.
func (r *Reconciler) Trail() [][2]float64 {
	return r.trail
}

// Apply folds one broadcast event into the view.
func (r *Reconciler) Apply(ev *server.Event) {
	switch ev.Type {
	case server.EventSession:
		r.SetSelf(ev.Id)
	case server.EventLocation:
		r.applyLocation(ev)
	case server.EventUserInfo:
		r.applyUserInfo(ev)
	case server.EventDisconnected:
		r.applyDisconnect(ev.Id)
	}
}

func (r *Reconciler) applyLocation(ev *server.Event) {
	if ev.Latitude == nil || ev.Longitude == nil {
		return
	}
	lat, lon := *ev.Latitude, *ev.Longitude

	var ts float64
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
	}
	r.store.ApplyLocation(ev.Id, ev.Username, lat, lon, ts)

	self := ev.Id == r.selfId

	r.markers[ev.Id] = true
	r.view.SetMarker(ev.Id, r.label(ev.Id, ev.Username), lat, lon)

	if ev.Accuracy != nil {
		r.circles[ev.Id] = true
		r.view.SetAccuracy(ev.Id, lat, lon, *ev.Accuracy, self)
	}

	// the trail follows confirmed broadcasts only, never the raw source
	if self && r.follow {
		r.trail = append(r.trail, [2]float64{lat, lon})
		if len(r.trail) > MaxTrailPoints {
			r.trail = r.trail[len(r.trail)-MaxTrailPoints:]
		}
		r.view.SetTrail(r.trail)
		r.view.Recenter(lat, lon)
	}

	r.view.RenderUserList(r.store.List())
}

func (r *Reconciler) applyUserInfo(ev *server.Event) {
	r.store.ApplyUserInfo(ev.Id, ev.Username)
	if r.markers[ev.Id] {
		r.view.SetMarkerLabel(ev.Id, r.label(ev.Id, ev.Username))
	}
	r.view.RenderUserList(r.store.List())
}

// applyDisconnect tears down everything for the session in one step:
// marker, circle, presence entry, user list.
func (r *Reconciler) applyDisconnect(id string) {
	if r.markers[id] {
		delete(r.markers, id)
		r.view.RemoveMarker(id)
	}
	if r.circles[id] {
		delete(r.circles, id)
		r.view.RemoveAccuracy(id)
	}
	r.store.ApplyDisconnect(id)
	r.view.RenderUserList(r.store.List())
}

func (r *Reconciler) label(id, username string) string {
	if id == r.selfId {
		if username != "" && username != server.DefaultUsername {
			return "You (" + username + ")"
		}
		return "You"
	}
	if username != "" {
		return username
	}
	if len(id) > 6 {
		id = id[:6]
	}
	return "User " + id
}
