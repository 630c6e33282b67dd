package picker

import (
	"time"

	"calbot/internal/model"
)

const (
	minYear = 1970
	maxYear = 9999
)

type OutcomeKind int

const (
	// NoChange leaves the message untouched; the transport only needs the
	// interaction acknowledged.
	NoChange OutcomeKind = iota
	// Render replaces the message keyboard with Outcome.Keyboard.
	Render
	// Final closes the picker with Outcome.Time.
	Final
)

// Outcome is the result of one picker step.
type Outcome struct {
	Kind     OutcomeKind
	Keyboard model.Keyboard

	// Time is the chosen wall-clock value (UTC container) when Kind == Final.
	// Date-only results are at midnight.
	Time     time.Time
	DateOnly bool
}

// Advance decodes payload and applies it. It never panics and never returns
// an error: anything it cannot interpret is NoChange.
func Advance(payload string, now time.Time, opts Options) Outcome {
	a, err := Decode(payload)
	if err != nil {
		return Outcome{Kind: NoChange}
	}
	return Step(a, now, opts)
}

// Step applies a decoded action. now supplies the date for today/tomorrow
// and should already be expressed in the user's zone.
func Step(a Action, now time.Time, opts Options) Outcome {
	cur := a.Cursor
	cur.Time = wallClock(cur.Time)

	switch a.Kind {
	case KindConfirm:
		return final(cur.Time, false)

	case KindCalendar:
		return render(CalendarView(Cursor{Time: cur.Time}, opts))

	case KindDay:
		return pickDay(cur, cur.Time, opts)

	case KindToday, KindTomorrow:
		day := wallClock(now)
		if a.Kind == KindTomorrow {
			day = day.AddDate(0, 0, 1)
		}
		return pickDay(cur, day, opts)

	case KindMonth:
		n := 1
		if a.Dir == Prev {
			n = -1
		}
		t := addMonths(cur.Time, n)
		if !inRange(t) {
			return Outcome{Kind: NoChange}
		}
		return render(CalendarView(Cursor{Time: t, DateOnly: cur.DateOnly}, opts))

	case KindEdit:
		t, ok := Shift(cur.Time, a.Field, a.Dir)
		if !ok || !inRange(t) {
			return Outcome{Kind: NoChange}
		}
		return render(TimeView(Cursor{Time: t}, opts))
	}

	// KindInert and anything unknown.
	return Outcome{Kind: NoChange}
}

// pickDay takes the calendar date from day and the time of day from cur.
func pickDay(cur Cursor, day time.Time, opts Options) Outcome {
	if cur.DateOnly {
		return final(time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), true)
	}
	t := time.Date(day.Year(), day.Month(), day.Day(), cur.Time.Hour(), cur.Time.Minute(), 0, 0, time.UTC)
	return render(TimeView(Cursor{Time: t}, opts))
}

// Shift moves t by one unit of field in dir. Carries propagate the way a
// calendar does (Dec → Jan of the next year, day 31 → day 1 of the next
// month); month and year steps clamp to the last day of the target month.
func Shift(t time.Time, field Field, dir Direction) (time.Time, bool) {
	n := 1
	switch dir {
	case Next:
	case Prev:
		n = -1
	default:
		return t, false
	}

	switch field {
	case FieldYear:
		return addMonths(t, 12*n), true
	case FieldMonth:
		return addMonths(t, n), true
	case FieldDay:
		return t.AddDate(0, 0, n), true
	case FieldHour:
		return t.Add(time.Duration(n) * time.Hour), true
	case FieldMinute:
		return t.Add(time.Duration(n) * time.Minute), true
	}
	return t, false
}

// addMonths shifts by whole calendar months, keeping the day of month
// unless the target month is shorter.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), 0, 0, t.Location())
	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), 0, 0, t.Location())
}

// daysIn relies on time.Date normalizing day 0 to the previous month's end.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func inRange(t time.Time) bool {
	return t.Year() >= minYear && t.Year() <= maxYear
}

func final(t time.Time, dateOnly bool) Outcome {
	return Outcome{Kind: Final, Time: t, DateOnly: dateOnly}
}

func render(kb model.Keyboard) Outcome {
	return Outcome{Kind: Render, Keyboard: kb}
}
