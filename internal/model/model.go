package model

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by task stores when a calendar or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned when writing to a subscription calendar.
	ErrReadOnly = errors.New("calendar is read-only")
)

// DefaultTimezone is the zone assigned to new sessions.
const DefaultTimezone = "UTC"

// Task is a single scheduled event as observed in a backing calendar.
// The store owns it; the bot only references it.
type Task struct {
	ID         string
	Name       string
	Start      time.Time
	End        time.Time // zero when the store has no end
	CalendarID string
}

// Calendar is one entry of a user's calendar list.
type Calendar struct {
	ID       string
	Name     string
	TimeZone string
	ReadOnly bool
}

// Session is the per-user dialog aggregate. Values of this type are
// snapshots; the session registry owns the live copy.
type Session struct {
	UserID int64

	State State

	// DraftTaskName holds the name captured by /add until a date is picked.
	DraftTaskName string

	// TimezoneName is an IANA zone used for display and for interpreting
	// picker input.
	TimezoneName string

	// TimezoneDeclared is set once the user chose a zone with /tz; the
	// calendar's own zone then no longer overrides it.
	TimezoneDeclared bool

	// CalendarRef caches the id of the user's working calendar.
	CalendarRef string

	UpdatedAt time.Time
}

// NewSession returns the default session for a first-contact user.
func NewSession(userID int64) Session {
	return Session{
		UserID:       userID,
		State:        StateIdle,
		TimezoneName: DefaultTimezone,
	}
}

// Location resolves TimezoneName, falling back to UTC for unknown zones.
func (s Session) Location() *time.Location {
	if s.TimezoneName == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.TimezoneName)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MessageRef identifies a message previously delivered by the gateway.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline keyboard cell. Payload is the opaque string echoed
// back by the transport when the button is pressed.
type Button struct {
	Text    string
	Payload string
}

// Keyboard is a grid of buttons, row-major.
type Keyboard [][]Button
