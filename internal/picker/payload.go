// Package picker implements the inline date/time picker. The picker keeps no
// server-side state: every button carries the complete cursor in its
// payload, and Step turns (cursor, action) into either a new keyboard or a
// finished date-time.
package picker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the canonical, sortable cursor encoding (YYYY.MM.DD.HH.mm).
const TimestampLayout = "2006.01.02.15.04"

const sep = ":"

// Kind is the first payload token.
type Kind string

const (
	KindConfirm  Kind = "dt"
	KindCalendar Kind = "calendar"
	KindDay      Kind = "calendar_day"
	KindMonth    Kind = "calendar_month"
	KindToday    Kind = "today"
	KindTomorrow Kind = "tomorrow"
	KindEdit     Kind = "edit"
	KindInert    Kind = "empty"
)

type Field string

const (
	FieldYear   Field = "year"
	FieldMonth  Field = "month"
	FieldDay    Field = "day"
	FieldHour   Field = "hour"
	FieldMinute Field = "minute"
)

// Direction is "prev" (decrement) or "next" (increment).
type Direction string

const (
	Prev Direction = "prev"
	Next Direction = "next"
)

var ErrMalformed = errors.New("picker: malformed payload")

// Cursor is the value displayed by the picker. Time is a zone-free wall
// clock kept in UTC with minute precision; DateOnly closes the picker as
// soon as a day is chosen.
type Cursor struct {
	Time     time.Time
	DateOnly bool
}

// NewCursor truncates t to its wall-clock minute and drops the zone.
func NewCursor(t time.Time, dateOnly bool) Cursor {
	return Cursor{Time: wallClock(t), DateOnly: dateOnly}
}

// Action is one decoded button press.
type Action struct {
	Kind   Kind
	Field  Field     // KindEdit only
	Dir    Direction // KindEdit and KindMonth
	Cursor Cursor
}

// IsPickerPayload reports whether payload belongs to the picker grammar,
// judging only by its first token.
func IsPickerPayload(payload string) bool {
	head, _, _ := strings.Cut(payload, sep)
	switch Kind(head) {
	case KindConfirm, KindCalendar, KindDay, KindMonth, KindToday, KindTomorrow, KindEdit, KindInert:
		return true
	}
	return false
}

// Encode serializes an action. Kinds whose grammar has no date-only token
// (dt, calendar, edit) always belong to the full date-time view.
func Encode(a Action) string {
	ts := a.Cursor.Time.Format(TimestampLayout)
	flag := encodeFlag(a.Cursor.DateOnly)

	switch a.Kind {
	case KindConfirm, KindCalendar:
		return join(string(a.Kind), ts)
	case KindDay, KindToday, KindTomorrow:
		return join(string(a.Kind), ts, flag)
	case KindMonth:
		return join(string(a.Kind), string(a.Dir), ts, flag)
	case KindEdit:
		return join(string(a.Kind), string(a.Field), string(a.Dir), ts)
	default:
		return string(KindInert)
	}
}

// Decode parses a payload produced by Encode. Any deviation from the
// grammar (token count, kind, field, direction, timestamp, flag) yields
// ErrMalformed.
func Decode(payload string) (Action, error) {
	tokens := strings.Split(payload, sep)
	kind := Kind(tokens[0])

	var (
		a   Action
		err error
	)
	a.Kind = kind

	switch kind {
	case KindInert:
		if len(tokens) != 1 {
			return Action{}, malformed(payload)
		}
		return a, nil

	case KindConfirm, KindCalendar:
		if len(tokens) != 2 {
			return Action{}, malformed(payload)
		}
		a.Cursor.Time, err = parseTimestamp(tokens[1])

	case KindDay, KindToday, KindTomorrow:
		if len(tokens) != 3 {
			return Action{}, malformed(payload)
		}
		if a.Cursor.Time, err = parseTimestamp(tokens[1]); err == nil {
			a.Cursor.DateOnly, err = decodeFlag(tokens[2])
		}

	case KindMonth:
		if len(tokens) != 4 {
			return Action{}, malformed(payload)
		}
		if a.Dir, err = parseDirection(tokens[1]); err == nil {
			if a.Cursor.Time, err = parseTimestamp(tokens[2]); err == nil {
				a.Cursor.DateOnly, err = decodeFlag(tokens[3])
			}
		}

	case KindEdit:
		if len(tokens) != 4 {
			return Action{}, malformed(payload)
		}
		if a.Field, err = parseField(tokens[1]); err == nil {
			if a.Dir, err = parseDirection(tokens[2]); err == nil {
				a.Cursor.Time, err = parseTimestamp(tokens[3])
			}
		}

	default:
		return Action{}, malformed(payload)
	}

	if err != nil {
		return Action{}, fmt.Errorf("%w: %q: %v", ErrMalformed, payload, err)
	}
	return a, nil
}

func malformed(payload string) error {
	return fmt.Errorf("%w: %q", ErrMalformed, payload)
}

func join(tokens ...string) string {
	return strings.Join(tokens, sep)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

func encodeFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeFlag(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("bad flag %q", s)
}

func parseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Prev, Next:
		return d, nil
	}
	return "", fmt.Errorf("bad direction %q", s)
}

func parseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldYear, FieldMonth, FieldDay, FieldHour, FieldMinute:
		return f, nil
	}
	return "", fmt.Errorf("bad field %q", s)
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

// InLocation reinterprets a picker wall-clock value in loc.
func InLocation(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
