package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// ParseTasks turns an ICS payload into tasks of calendarID. Events without a
// UID or a readable DTSTART are skipped. Recurrence rules are not expanded;
// only the first occurrence of a recurring event is reported.
func ParseTasks(calendarID string, body []byte) ([]model.Task, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	loc := calendarLocation(cal)
	tasks := make([]model.Task, 0)
	for _, ev := range cal.Events() {
		task, perr := toTask(calendarID, ev, loc)
		if perr != nil {
			appLog.Debug("ics vevent skipped", "calendar_id", calendarID, "reason", perr.Error())
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func toTask(calendarID string, ev *ical.VEvent, loc *time.Location) (model.Task, error) {
	uid := ev.Id()
	if uid == "" {
		return model.Task{}, errors.New("missing UID")
	}

	start, err := ev.GetStartAt()
	if err != nil {
		return model.Task{}, err
	}
	// Floating and all-day values are parsed in the process zone; reinterpret
	// the wall clock in the calendar's own zone.
	if p := ev.GetProperty(ical.ComponentPropertyDtStart); p != nil && isFloating(p) {
		start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), start.Second(), 0, loc)
	}
	end, _ := ev.GetEndAt()

	var name string
	if p := ev.GetProperty(ical.ComponentPropertySummary); p != nil {
		name = p.Value
	}

	return model.Task{
		ID:         uid,
		Name:       name,
		Start:      start,
		End:        end,
		CalendarID: calendarID,
	}, nil
}

// isFloating reports whether a DTSTART has neither a UTC suffix nor a TZID.
func isFloating(p *ical.IANAProperty) bool {
	if strings.HasSuffix(p.Value, "Z") {
		return false
	}
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) > 0 {
		return false
	}
	return true
}

// calendarLocation reads X-WR-TIMEZONE, defaulting to UTC.
func calendarLocation(cal *ical.Calendar) *time.Location {
	name := calendarProperty(cal, ical.PropertyXWRTimezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func calendarProperty(cal *ical.Calendar, prop ical.Property) string {
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(prop) {
			return p.Value
		}
	}
	return ""
}
