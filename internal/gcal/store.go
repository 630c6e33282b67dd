// Package gcal is the Google Calendar task store.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// DefaultDuration is used for tasks created without an end.
const DefaultDuration = time.Hour

// ClientSource hands out per-user authorized HTTP clients.
type ClientSource interface {
	Client(ctx context.Context, userID int64) (*http.Client, error)
}

// Store talks to the Calendar v3 API on behalf of each user.
type Store struct {
	clients ClientSource
	// extra options, e.g. an endpoint override in tests
	opts []option.ClientOption
}

func NewStore(clients ClientSource, opts ...option.ClientOption) *Store {
	return &Store{clients: clients, opts: opts}
}

func (s *Store) service(ctx context.Context, userID int64) (*calendar.Service, error) {
	hc, err := s.clients.Client(ctx, userID)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(hc)}, s.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: new service: %w", err)
	}
	return svc, nil
}

func (s *Store) ListCalendars(ctx context.Context, userID int64) ([]model.Calendar, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []model.Calendar
	err = svc.CalendarList.List().Pages(ctx, func(page *calendar.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted {
				continue
			}
			out = append(out, model.Calendar{
				ID:       item.Id,
				Name:     item.Summary,
				TimeZone: item.TimeZone,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list calendars", err)
	}
	return out, nil
}

// Query returns tasks starting in [from, to) ordered by start.
func (s *Store) Query(ctx context.Context, userID int64, calendarID string, from, to time.Time) ([]model.Task, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []model.Task
	call := svc.Events.List(calendarID).
		TimeMin(from.Truncate(time.Second).Format(time.RFC3339)).
		TimeMax(ceilSecond(to).Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			if ev.Status == "cancelled" {
				continue
			}
			task, perr := toTask(calendarID, ev)
			if perr != nil {
				appLog.Warn("gcal: skipping event with unreadable start", "calendar_id", calendarID, "event_id", ev.Id, "error", perr.Error())
				continue
			}
			// timeMin bounds the end, not the start.
			if task.Start.Before(from) || !task.Start.Before(to) {
				continue
			}
			out = append(out, task)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("query "+calendarID, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// ceilSecond rounds t up to a whole second. The API bounds are sent at
// second precision and the exact half-open window is applied locally.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}

func (s *Store) Create(ctx context.Context, userID int64, calendarID, name string, start, end time.Time) (model.Task, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return model.Task{}, err
	}
	if end.IsZero() || end.Before(start) {
		end = start.Add(DefaultDuration)
	}

	ev := &calendar.Event{
		Summary: name,
		Start:   eventTime(start),
		End:     eventTime(end),
	}
	created, err := svc.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return model.Task{}, mapErr("create event", err)
	}
	task, err := toTask(calendarID, created)
	if err != nil {
		return model.Task{ID: created.Id, Name: name, Start: start, End: end, CalendarID: calendarID}, nil
	}
	return task, nil
}

func (s *Store) Delete(ctx context.Context, userID int64, calendarID, taskID string) error {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, taskID).Context(ctx).Do(); err != nil {
		return mapErr("delete event", err)
	}
	return nil
}

func (s *Store) CreateCalendar(ctx context.Context, userID int64, name, tz string) (model.Calendar, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return model.Calendar{}, err
	}
	created, err := svc.Calendars.Insert(&calendar.Calendar{Summary: name, TimeZone: tz}).Context(ctx).Do()
	if err != nil {
		return model.Calendar{}, mapErr("create calendar", err)
	}
	appLog.Info("gcal: calendar created", "user_id", userID, "calendar_id", created.Id)
	return model.Calendar{ID: created.Id, Name: created.Summary, TimeZone: created.TimeZone}, nil
}

// PrimaryTimeZone reads the zone of the user's primary calendar.
func (s *Store) PrimaryTimeZone(ctx context.Context, userID int64) (string, error) {
	svc, err := s.service(ctx, userID)
	if err != nil {
		return "", err
	}
	cal, err := svc.Calendars.Get("primary").Context(ctx).Do()
	if err != nil {
		return "", mapErr("get primary calendar", err)
	}
	return cal.TimeZone, nil
}

func eventTime(t time.Time) *calendar.EventDateTime {
	return &calendar.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: t.Location().String(),
	}
}

func toTask(calendarID string, ev *calendar.Event) (model.Task, error) {
	start, err := parseEventTime(ev.Start)
	if err != nil {
		return model.Task{}, err
	}
	end, err := parseEventTime(ev.End)
	if err != nil {
		end = time.Time{}
	}
	return model.Task{
		ID:         ev.Id,
		Name:       ev.Summary,
		Start:      start,
		End:        end,
		CalendarID: calendarID,
	}, nil
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, error) {
	if edt == nil {
		return time.Time{}, errors.New("missing time")
	}
	if edt.DateTime != "" {
		return time.Parse(time.RFC3339, edt.DateTime)
	}
	if edt.Date != "" {
		loc := time.UTC
		if edt.TimeZone != "" {
			if l, err := time.LoadLocation(edt.TimeZone); err == nil {
				loc = l
			}
		}
		return time.ParseInLocation("2006-01-02", edt.Date, loc)
	}
	return time.Time{}, errors.New("empty time")
}

func mapErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("gcal: %s: %w", op, model.ErrNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("gcal: %s: %w: %v", op, model.ErrReadOnly, gerr)
		}
	}
	return fmt.Errorf("gcal: %s: %w", op, err)
}
