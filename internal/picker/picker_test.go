package picker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"calbot/internal/model"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := date(2024, time.June, 1, 9, 5)
	actions := []Action{
		{Kind: KindInert},
		{Kind: KindConfirm, Cursor: Cursor{Time: ts}},
		{Kind: KindCalendar, Cursor: Cursor{Time: ts}},
		{Kind: KindDay, Cursor: Cursor{Time: ts, DateOnly: true}},
		{Kind: KindDay, Cursor: Cursor{Time: ts}},
		{Kind: KindToday, Cursor: Cursor{Time: ts, DateOnly: true}},
		{Kind: KindTomorrow, Cursor: Cursor{Time: ts}},
		{Kind: KindMonth, Dir: Prev, Cursor: Cursor{Time: ts, DateOnly: true}},
		{Kind: KindMonth, Dir: Next, Cursor: Cursor{Time: ts}},
		{Kind: KindEdit, Field: FieldMinute, Dir: Next, Cursor: Cursor{Time: ts}},
		{Kind: KindEdit, Field: FieldYear, Dir: Prev, Cursor: Cursor{Time: ts}},
	}
	for _, a := range actions {
		payload := Encode(a)
		got, err := Decode(payload)
		if err != nil {
			t.Errorf("Decode(%q): %v", payload, err)
			continue
		}
		if got != a {
			t.Errorf("round trip of %q: got %+v, want %+v", payload, got, a)
		}
		if len(payload) > 64 {
			t.Errorf("payload %q exceeds 64 bytes", payload)
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	got := Encode(Action{Kind: KindMonth, Dir: Next, Cursor: Cursor{Time: date(2024, time.March, 7, 18, 30), DateOnly: true}})
	if want := "calendar_month:next:2024.03.07.18.30:1"; got != want {
		t.Errorf("Encode: got %q, want %q", got, want)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	payloads := []string{
		"",
		"bogus:2024.01.01.00.00",
		"dt",
		"dt:2024-01-01",
		"dt:2024.13.01.00.00",
		"dt:2024.01.01.00.00:extra",
		"calendar_day:2024.01.01.00.00",
		"calendar_day:2024.01.01.00.00:True",
		"calendar_month:sideways:2024.01.01.00.00:1",
		"edit:second:next:2024.01.01.00.00",
		"edit:day:up:2024.01.01.00.00",
		"empty:1",
		"today:2024.02.30.00.00:0",
	}
	for _, p := range payloads {
		if _, err := Decode(p); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): expected ErrMalformed, got %v", p, err)
		}
		if out := Advance(p, time.Now(), DefaultOptions()); out.Kind != NoChange {
			t.Errorf("Advance(%q): expected NoChange, got %v", p, out.Kind)
		}
	}
}

func TestShiftCalendarArithmetic(t *testing.T) {
	cases := []struct {
		name  string
		from  time.Time
		field Field
		dir   Direction
		want  time.Time
	}{
		{"month rolls into next year", date(2024, 12, 15, 10, 0), FieldMonth, Next, date(2025, 1, 15, 10, 0)},
		{"day back into leap february", date(2024, 3, 1, 10, 0), FieldDay, Prev, date(2024, 2, 29, 10, 0)},
		{"day back into common february", date(2023, 3, 1, 10, 0), FieldDay, Prev, date(2023, 2, 28, 10, 0)},
		{"day past month end", date(2024, 4, 30, 0, 0), FieldDay, Next, date(2024, 5, 1, 0, 0)},
		{"month clamps to shorter month", date(2024, 1, 31, 8, 0), FieldMonth, Next, date(2024, 2, 29, 8, 0)},
		{"year from leap day", date(2024, 2, 29, 8, 0), FieldYear, Next, date(2025, 2, 28, 8, 0)},
		{"hour past midnight", date(2024, 6, 1, 23, 0), FieldHour, Next, date(2024, 6, 2, 0, 0)},
		{"minute before midnight", date(2024, 6, 1, 0, 0), FieldMinute, Prev, date(2024, 5, 31, 23, 59)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Shift(c.from, c.field, c.dir)
			if !ok {
				t.Fatal("Shift reported failure")
			}
			if !got.Equal(c.want) {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestEditRendersShiftedTimeView(t *testing.T) {
	payload := Encode(Action{Kind: KindEdit, Field: FieldMonth, Dir: Next, Cursor: Cursor{Time: date(2024, 12, 15, 9, 0)}})
	out := Advance(payload, time.Now(), DefaultOptions())
	if out.Kind != Render {
		t.Fatalf("expected Render, got %v", out.Kind)
	}
	done := out.Keyboard[len(out.Keyboard)-1][0].Payload
	if done != "dt:2025.01.15.09.00" {
		t.Errorf("done payload: got %q", done)
	}
}

func TestConfirmFinalizesVerbatim(t *testing.T) {
	out := Advance("dt:2024.06.01.09.00", time.Now(), DefaultOptions())
	if out.Kind != Final || out.DateOnly {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !out.Time.Equal(date(2024, 6, 1, 9, 0)) {
		t.Errorf("Time: got %v", out.Time)
	}
}

func TestPickDayDateOnlyFinalizesAtMidnight(t *testing.T) {
	out := Advance("calendar_day:2024.06.12.17.45:1", time.Now(), DefaultOptions())
	if out.Kind != Final || !out.DateOnly {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !out.Time.Equal(date(2024, 6, 12, 0, 0)) {
		t.Errorf("Time: got %v", out.Time)
	}
}

func TestPickDayFullModeOpensTimeView(t *testing.T) {
	out := Advance("calendar_day:2024.06.12.17.45:0", time.Now(), DefaultOptions())
	if out.Kind != Render {
		t.Fatalf("expected Render, got %v", out.Kind)
	}
	if got := out.Keyboard[len(out.Keyboard)-1][0].Payload; got != "dt:2024.06.12.17.45" {
		t.Errorf("done payload: got %q", got)
	}
}

func TestTodayTomorrowUseNow(t *testing.T) {
	now := date(2024, 2, 28, 13, 0)

	out := Advance("tomorrow:2024.06.01.00.00:1", now, DefaultOptions())
	if out.Kind != Final || !out.Time.Equal(date(2024, 2, 29, 0, 0)) {
		t.Errorf("tomorrow date-only: %+v", out)
	}

	out = Advance("today:2024.06.01.07.30:0", now, DefaultOptions())
	if out.Kind != Render {
		t.Fatalf("today full mode: expected Render, got %v", out.Kind)
	}
	if got := out.Keyboard[len(out.Keyboard)-1][0].Payload; got != "dt:2024.02.28.07.30" {
		t.Errorf("today keeps time of day: got %q", got)
	}
}

func TestMonthNavigationShiftsOneCalendarMonth(t *testing.T) {
	out := Advance("calendar_month:next:2024.01.31.00.00:1", time.Now(), DefaultOptions())
	if out.Kind != Render {
		t.Fatalf("expected Render, got %v", out.Kind)
	}
	if title := out.Keyboard[0][0].Text; title != "February 2024" {
		t.Errorf("title: got %q", title)
	}

	out = Advance("calendar_month:prev:2024.03.31.00.00:1", time.Now(), DefaultOptions())
	if title := out.Keyboard[0][0].Text; title != "February 2024" {
		t.Errorf("title after prev: got %q", title)
	}
}

func TestCalendarViewGrid(t *testing.T) {
	// June 2024 starts on a Saturday.
	kb := CalendarView(Cursor{Time: date(2024, 6, 10, 0, 0), DateOnly: true}, DefaultOptions())
	if len(kb) != 2+gridRows+2 {
		t.Fatalf("rows: got %d", len(kb))
	}
	if kb[1][0].Text != "Mo" || kb[1][6].Text != "Su" {
		t.Errorf("weekday header: %q..%q", kb[1][0].Text, kb[1][6].Text)
	}

	firstWeek := kb[2]
	for col := 0; col < 5; col++ {
		if firstWeek[col].Payload != "empty" || firstWeek[col].Text != " " {
			t.Errorf("leading cell %d should be inert, got %+v", col, firstWeek[col])
		}
	}
	if firstWeek[5].Text != "1" || firstWeek[5].Payload != "calendar_day:2024.06.01.00.00:1" {
		t.Errorf("June 1 cell: %+v", firstWeek[5])
	}

	days := 0
	for _, row := range kb[2 : 2+gridRows] {
		if len(row) != 7 {
			t.Fatalf("week row has %d cells", len(row))
		}
		for _, b := range row {
			if strings.HasPrefix(b.Payload, string(KindDay)) {
				days++
			}
		}
	}
	if days != 30 {
		t.Errorf("day cells: got %d, want 30", days)
	}
}

func TestCalendarViewSundayStart(t *testing.T) {
	kb := CalendarView(Cursor{Time: date(2024, 6, 10, 0, 0)}, OptionsFor("sunday"))
	if kb[1][0].Text != "Su" {
		t.Errorf("first header: got %q", kb[1][0].Text)
	}
	if kb[2][6].Text != "1" {
		t.Errorf("June 1 should be last cell of first row with sunday start, got %q", kb[2][6].Text)
	}
}

func TestEveryRenderedPayloadDecodes(t *testing.T) {
	keyboards := []model.Keyboard{
		CalendarView(Cursor{Time: date(2024, 2, 1, 0, 0), DateOnly: true}, DefaultOptions()),
		TimeView(Cursor{Time: date(2024, 2, 1, 12, 0)}, DefaultOptions()),
	}
	for _, kb := range keyboards {
		for _, row := range kb {
			for _, b := range row {
				if _, err := Decode(b.Payload); err != nil {
					t.Errorf("rendered payload %q does not decode: %v", b.Payload, err)
				}
			}
		}
	}
}

func TestInertIsNoChange(t *testing.T) {
	if out := Advance("empty", time.Now(), DefaultOptions()); out.Kind != NoChange {
		t.Errorf("inert: got %v", out.Kind)
	}
}

func TestOpen(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 7, 33, 0, time.FixedZone("X", 3*3600))
	kb := Open(now, false, DefaultOptions())
	if got := kb[len(kb)-1][0].Payload; got != "dt:2024.06.01.09.07" {
		t.Errorf("full picker done payload: got %q", got)
	}
	kb = Open(now, true, DefaultOptions())
	if kb[0][0].Text != "June 2024" {
		t.Errorf("date-only picker title: got %q", kb[0][0].Text)
	}
}

func TestInLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := InLocation(date(2024, 6, 1, 9, 0), loc)
	if got.Hour() != 9 || got.Location() != loc {
		t.Errorf("InLocation: got %v", got)
	}
	if !got.Equal(date(2024, 6, 1, 6, 0)) {
		t.Errorf("instant: got %v", got.UTC())
	}
}

func TestIsPickerPayload(t *testing.T) {
	if !IsPickerPayload("edit:day:next:2024.01.01.00.00") || !IsPickerPayload("empty") {
		t.Error("picker payloads not recognized")
	}
	if IsPickerPayload("del:abc") || IsPickerPayload("") {
		t.Error("non-picker payload recognized")
	}
}
