package dialog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// resolveCalendar returns the user's working calendar id, validating the
// cached reference, then looking the bot calendar up by name, then creating
// it. Concurrent resolutions for one user are serialized so at most one
// calendar is created.
func (d *Dispatcher) resolveCalendar(ctx context.Context, t *turn) (string, error) {
	uid := t.ev.UserID
	unlock, err := d.sessions.LockResolve(ctx, uid)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-read: another resolution may have finished while we waited.
	sess, err := d.sessions.Get(ctx, uid)
	if err != nil {
		return "", err
	}

	cals, err := d.store.ListCalendars(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}

	if ref := sess.CalendarRef; ref != "" {
		for _, c := range cals {
			if c.ID == ref && !c.ReadOnly {
				t.sess.CalendarRef = ref
				return ref, nil
			}
		}
		appLog.Warn("cached calendar is gone; resolving again", "user_id", uid, "calendar_id", ref)
	}

	id := ""
	for _, c := range cals {
		if !c.ReadOnly && c.Name == d.opts.BotCalendarName {
			id = c.ID
			break
		}
	}
	if id == "" {
		created, err := d.store.CreateCalendar(ctx, uid, d.opts.BotCalendarName, sess.TimezoneName)
		if err != nil {
			return "", fmt.Errorf("create calendar: %w", err)
		}
		id = created.ID
	}

	updated, err := d.sessions.Update(ctx, uid, func(s *model.Session) { s.CalendarRef = id })
	if err != nil {
		return "", err
	}
	t.sess.CalendarRef = updated.CalendarRef
	return id, nil
}

// tasksBetween merges tasks starting in [from, to) across the user's
// calendars, ordered by start.
func (d *Dispatcher) tasksBetween(ctx context.Context, t *turn, from, to time.Time, writableOnly bool) ([]model.Task, error) {
	cals, err := d.store.ListCalendars(ctx, t.ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var all []model.Task
	for _, c := range cals {
		if writableOnly && c.ReadOnly {
			continue
		}
		tasks, err := d.store.Query(ctx, t.ev.UserID, c.ID, from, to)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", c.ID, err)
		}
		all = append(all, tasks...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })
	return all, nil
}

func (d *Dispatcher) upcoming(ctx context.Context, t *turn) ([]model.Task, error) {
	return d.tasksBetween(ctx, t, t.now, t.now.Add(d.opts.UpcomingHorizon), false)
}

// randomUpcoming picks one future task for the idle reply. Failures only
// drop the suggestion.
func (d *Dispatcher) randomUpcoming(ctx context.Context, t *turn) (model.Task, bool) {
	tasks, err := d.upcoming(ctx, t)
	if err != nil {
		appLog.Debug("suggestion lookup failed", "user_id", t.ev.UserID, "error", err.Error())
		return model.Task{}, false
	}
	if len(tasks) == 0 {
		return model.Task{}, false
	}
	return tasks[d.intn(len(tasks))], true
}
