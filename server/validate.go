package server

import (
	"errors"
	"math"
)

// ErrInvalidCoordinates is the rejection reason sent back to the client
// when a fix has missing, non-finite or out of range coordinates.
var ErrInvalidCoordinates = errors.New("Invalid coordinates")

// Fix is one raw location sample as submitted by a client. Pointer
// fields distinguish absent from zero.
type Fix struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// Location is a validated fix. Coordinates are guaranteed finite and in
// range; optional telemetry is present only when it was a finite number
// in the fix. Timestamp is nil when the fix carried none - substituting
// receipt time is the caller's job, this stays a pure function.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Speed     *float64
	Heading   *float64
	Timestamp *float64
}

// Validate accepts a fix iff latitude and longitude are finite numbers
// within [-90,90] and [-180,180]. Anything else is rejected whole: no
// partial result, no state change.
func Validate(fix *Fix) (*Location, error) {
	if fix == nil {
		return nil, ErrInvalidCoordinates
	}

	lat, ok := finite(fix.Latitude)
	if !ok || lat < -90 || lat > 90 {
		return nil, ErrInvalidCoordinates
	}

	lon, ok := finite(fix.Longitude)
	if !ok || lon < -180 || lon > 180 {
		return nil, ErrInvalidCoordinates
	}

	loc := &Location{Latitude: lat, Longitude: lon}
	loc.Accuracy = optional(fix.Accuracy)
	loc.Speed = optional(fix.Speed)
	loc.Heading = optional(fix.Heading)
	loc.Timestamp = optional(fix.Timestamp)

	return loc, nil
}

func finite(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// optional copies a telemetry value if it's a finite number, otherwise
// drops it. Never coerced to zero.
func optional(v *float64) *float64 {
	f, ok := finite(v)
	if !ok {
		return nil
	}
	return &f
}
