// Package ics is the local calendar backend: one .ics file per calendar,
// plus read-only subscriptions to remote ICS feeds.
package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

const (
	fileExt = ".ics"
	// DefaultDuration is used for tasks created without an end.
	DefaultDuration = time.Hour
)

// Store keeps each user's calendars under <dir>/<user id>/<calendar id>.ics.
type Store struct {
	dir  string
	subs *Subscriptions // nil when no subscriptions are configured
	now  func() time.Time

	// mu serializes read-modify-write cycles on calendar files.
	mu sync.Mutex
}

func NewStore(dir string, subs *Subscriptions) *Store {
	return &Store{dir: dir, subs: subs, now: time.Now}
}

func (s *Store) userDir(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10))
}

func (s *Store) calendarPath(userID int64, calendarID string) (string, error) {
	if calendarID == "" || strings.ContainsAny(calendarID, `/\.`) {
		return "", fmt.Errorf("ics: calendar %q: %w", calendarID, model.ErrNotFound)
	}
	return filepath.Join(s.userDir(userID), calendarID+fileExt), nil
}

func (s *Store) ListCalendars(ctx context.Context, userID int64) ([]model.Calendar, error) {
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ics: list calendars: %w", err)
	}

	var out []model.Calendar
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		id := strings.TrimSuffix(e.Name(), fileExt)
		cal, err := s.load(userID, id)
		if err != nil {
			appLog.Error("ics: unreadable calendar file skipped", err, "user_id", userID, "calendar_id", id)
			continue
		}
		out = append(out, model.Calendar{
			ID:       id,
			Name:     calendarProperty(cal, ical.PropertyXWRCalName),
			TimeZone: calendarProperty(cal, ical.PropertyXWRTimezone),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if s.subs != nil {
		out = append(out, s.subs.Calendars()...)
	}
	return out, nil
}

// Query returns tasks starting in [from, to) ordered by start.
func (s *Store) Query(ctx context.Context, userID int64, calendarID string, from, to time.Time) ([]model.Task, error) {
	var (
		all []model.Task
		err error
	)
	if s.subs != nil && s.subs.Owns(calendarID) {
		all, err = s.subs.Tasks(ctx, calendarID)
	} else {
		all, err = s.tasks(userID, calendarID)
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.Task, 0, len(all))
	for _, t := range all {
		if t.Start.Before(from) || !t.Start.Before(to) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) Create(ctx context.Context, userID int64, calendarID, name string, start, end time.Time) (model.Task, error) {
	if s.subs != nil && s.subs.Owns(calendarID) {
		return model.Task{}, fmt.Errorf("ics: create in %s: %w", calendarID, model.ErrReadOnly)
	}
	if end.IsZero() || end.Before(start) {
		end = start.Add(DefaultDuration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load(userID, calendarID)
	if err != nil {
		return model.Task{}, err
	}

	id := uuid.NewString()
	ev := cal.AddEvent(id)
	ev.SetSummary(name)
	ev.SetStartAt(start)
	ev.SetEndAt(end)
	ev.SetDtStampTime(s.now())

	if err := s.save(userID, calendarID, cal); err != nil {
		return model.Task{}, err
	}
	return model.Task{
		ID:         id,
		Name:       name,
		Start:      start,
		End:        end,
		CalendarID: calendarID,
	}, nil
}

func (s *Store) Delete(ctx context.Context, userID int64, calendarID, taskID string) error {
	if s.subs != nil && s.subs.Owns(calendarID) {
		return fmt.Errorf("ics: delete in %s: %w", calendarID, model.ErrReadOnly)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load(userID, calendarID)
	if err != nil {
		return err
	}
	found := false
	for _, ev := range cal.Events() {
		if ev.Id() == taskID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("ics: task %s: %w", taskID, model.ErrNotFound)
	}
	cal.RemoveEvent(taskID)
	return s.save(userID, calendarID, cal)
}

func (s *Store) CreateCalendar(ctx context.Context, userID int64, name, tz string) (model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.userDir(userID), 0o700); err != nil {
		return model.Calendar{}, fmt.Errorf("ics: create user dir: %w", err)
	}

	cal := ical.NewCalendarFor("calbot")
	cal.SetXWRCalName(name)
	if tz != "" {
		cal.SetXWRTimezone(tz)
	}

	id := uuid.NewString()
	if err := s.save(userID, id, cal); err != nil {
		return model.Calendar{}, err
	}
	appLog.Info("ics: calendar created", "user_id", userID, "calendar_id", id)
	return model.Calendar{ID: id, Name: name, TimeZone: tz}, nil
}

// PrimaryTimeZone returns "" because local calendars have no owner profile;
// the caller keeps the session's zone.
func (s *Store) PrimaryTimeZone(ctx context.Context, userID int64) (string, error) {
	return "", nil
}

func (s *Store) tasks(userID int64, calendarID string) ([]model.Task, error) {
	path, err := s.calendarPath(userID, calendarID)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ics: calendar %s: %w", calendarID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ics: read %s: %w", calendarID, err)
	}
	return ParseTasks(calendarID, body)
}

func (s *Store) load(userID int64, calendarID string) (*ical.Calendar, error) {
	path, err := s.calendarPath(userID, calendarID)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("ics: calendar %s: %w", calendarID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ics: read %s: %w", calendarID, err)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", calendarID, err)
	}
	return cal, nil
}

func (s *Store) save(userID int64, calendarID string, cal *ical.Calendar) error {
	path, err := s.calendarPath(userID, calendarID)
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(path, []byte(cal.Serialize()), 0o600); err != nil {
		return fmt.Errorf("ics: write %s: %w", calendarID, err)
	}
	return nil
}
