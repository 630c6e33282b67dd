package picker

import (
	"strconv"
	"time"

	"calbot/internal/model"
)

// gridRows is fixed so the keyboard keeps its height across months.
const gridRows = 6

// Options carries presentation settings that are server configuration, not
// picker state.
type Options struct {
	WeekStart time.Weekday
	Labels    Labels
}

// Labels holds the user-visible button captions.
type Labels struct {
	Today, Tomorrow, Calendar, Done string
	PrevMonth, NextMonth            string
	Up, Down                        string
	Day, Month, Year, Hour, Minute  string
}

var DefaultLabels = Labels{
	Today:     "Today",
	Tomorrow:  "Tomorrow",
	Calendar:  "Calendar",
	Done:      "Done",
	PrevMonth: "<",
	NextMonth: ">",
	Up:        "▲",
	Down:      "▼",
	Day:       "Day",
	Month:     "Month",
	Year:      "Year",
	Hour:      "Hour",
	Minute:    "Min",
}

// DefaultOptions starts weeks on Monday.
func DefaultOptions() Options {
	return Options{WeekStart: time.Monday, Labels: DefaultLabels}
}

// OptionsFor maps the config week_start value to Options.
func OptionsFor(weekStart string) Options {
	opts := DefaultOptions()
	if weekStart == "sunday" {
		opts.WeekStart = time.Sunday
	}
	return opts
}

// Open returns the first keyboard for a new picker: the month grid for
// date-only pickers, the fine adjustment view otherwise.
func Open(now time.Time, dateOnly bool, opts Options) model.Keyboard {
	cur := NewCursor(now, dateOnly)
	if dateOnly {
		return CalendarView(cur, opts)
	}
	return TimeView(Cursor{Time: cur.Time}, opts)
}

// CalendarView renders the month containing cur.Time.
//
//	[ June 2024 ]
//	[ Mo Tu We Th Fr Sa Su ]
//	6 x [ day cells, blanks are inert ]
//	[ < ] [ > ]
//	[ Today ] [ Tomorrow ]
func CalendarView(cur Cursor, opts Options) model.Keyboard {
	labels := opts.Labels
	t := cur.Time
	inert := inertPayload()

	kb := make(model.Keyboard, 0, gridRows+4)

	kb = append(kb, []model.Button{{
		Text:    t.Month().String() + " " + strconv.Itoa(t.Year()),
		Payload: inert,
	}})

	header := make([]model.Button, 0, 7)
	for i := 0; i < 7; i++ {
		wd := time.Weekday((int(opts.WeekStart) + i) % 7)
		header = append(header, model.Button{Text: wd.String()[:2], Payload: inert})
	}
	kb = append(kb, header)

	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), 0, 0, time.UTC)
	offset := (int(first.Weekday()) - int(opts.WeekStart) + 7) % 7
	last := daysIn(t.Year(), t.Month())

	for row := 0; row < gridRows; row++ {
		cells := make([]model.Button, 0, 7)
		for col := 0; col < 7; col++ {
			day := row*7 + col - offset + 1
			if day < 1 || day > last {
				cells = append(cells, model.Button{Text: " ", Payload: inert})
				continue
			}
			dayCur := Cursor{Time: first.AddDate(0, 0, day-1), DateOnly: cur.DateOnly}
			cells = append(cells, model.Button{
				Text:    strconv.Itoa(day),
				Payload: Encode(Action{Kind: KindDay, Cursor: dayCur}),
			})
		}
		kb = append(kb, cells)
	}

	kb = append(kb, []model.Button{
		{Text: labels.PrevMonth, Payload: Encode(Action{Kind: KindMonth, Dir: Prev, Cursor: cur})},
		{Text: labels.NextMonth, Payload: Encode(Action{Kind: KindMonth, Dir: Next, Cursor: cur})},
	})
	kb = append(kb, []model.Button{
		{Text: labels.Today, Payload: Encode(Action{Kind: KindToday, Cursor: cur})},
		{Text: labels.Tomorrow, Payload: Encode(Action{Kind: KindTomorrow, Cursor: cur})},
	})

	return kb
}

// TimeView renders the fine adjustment screen: one column per field with
// increment and decrement buttons around the current value.
func TimeView(cur Cursor, opts Options) model.Keyboard {
	labels := opts.Labels
	t := cur.Time
	cur.DateOnly = false
	inert := inertPayload()

	fields := []Field{FieldDay, FieldMonth, FieldYear, FieldHour, FieldMinute}
	headers := []string{labels.Day, labels.Month, labels.Year, labels.Hour, labels.Minute}
	values := []int{t.Day(), int(t.Month()), t.Year(), t.Hour(), t.Minute()}

	headerRow := make([]model.Button, 0, len(fields))
	upRow := make([]model.Button, 0, len(fields))
	valueRow := make([]model.Button, 0, len(fields))
	downRow := make([]model.Button, 0, len(fields))

	for i, f := range fields {
		headerRow = append(headerRow, model.Button{Text: headers[i], Payload: inert})
		upRow = append(upRow, model.Button{
			Text:    labels.Up,
			Payload: Encode(Action{Kind: KindEdit, Field: f, Dir: Next, Cursor: cur}),
		})
		valueRow = append(valueRow, model.Button{Text: strconv.Itoa(values[i]), Payload: inert})
		downRow = append(downRow, model.Button{
			Text:    labels.Down,
			Payload: Encode(Action{Kind: KindEdit, Field: f, Dir: Prev, Cursor: cur}),
		})
	}

	return model.Keyboard{
		headerRow,
		upRow,
		valueRow,
		downRow,
		{{Text: labels.Calendar, Payload: Encode(Action{Kind: KindCalendar, Cursor: cur})}},
		{{Text: labels.Done, Payload: Encode(Action{Kind: KindConfirm, Cursor: cur})}},
	}
}

func inertPayload() string {
	return string(KindInert)
}
