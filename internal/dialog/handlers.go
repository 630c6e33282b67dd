package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calbot/internal/auth"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/picker"
)

const (
	deletePrefix  = "del:"
	deleteCancel  = "del_cancel"
	maxPayloadLen = 64
)

func (d *Dispatcher) handleIdle(ctx context.Context, t *turn) error {
	if t.ev.IsButton() {
		// A stale keyboard from an abandoned dialog.
		return nil
	}

	text := msgFallback
	if ok, err := d.auth.Authorized(ctx, t.ev.UserID); err == nil && ok {
		if task, found := d.randomUpcoming(ctx, t); found {
			text = fmt.Sprintf(msgFallbackSuggest, task.Name, formatWhen(task.Start, t.loc))
		}
	}
	d.reply(ctx, t, text, nil)
	return nil
}

func (d *Dispatcher) handleAuthCode(ctx context.Context, t *turn) error {
	if t.ev.IsButton() {
		return nil
	}

	err := d.auth.Exchange(ctx, t.ev.UserID, t.ev.Text)
	if errors.Is(err, auth.ErrInvalidCode) {
		appLog.Info("authorization code rejected", "user_id", t.ev.UserID)
		d.reply(ctx, t, msgAuthInvalid, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	tz := t.sess.TimezoneName
	if !t.sess.TimezoneDeclared {
		primary, err := d.store.PrimaryTimeZone(ctx, t.ev.UserID)
		if err != nil {
			appLog.Error("read primary calendar zone failed", err, "user_id", t.ev.UserID)
		} else if primary != "" {
			if _, lerr := time.LoadLocation(primary); lerr == nil {
				tz = primary
			}
		}
	}
	if err := d.setState(ctx, t, model.StateIdle, func(s *model.Session) { s.TimezoneName = tz }); err != nil {
		return err
	}

	// Reminders need a resolved calendar; failures here are retried lazily.
	if _, err := d.resolveCalendar(ctx, t); err != nil {
		appLog.Error("resolve calendar after auth failed", err, "user_id", t.ev.UserID)
	}
	d.reply(ctx, t, fmt.Sprintf(msgAuthOK, tz), nil)
	return nil
}

func (d *Dispatcher) handleTaskName(ctx context.Context, t *turn) error {
	if t.ev.IsButton() {
		return nil
	}
	name := strings.TrimSpace(t.ev.Text)
	if name == "" {
		d.reply(ctx, t, msgAskName, nil)
		return nil
	}

	if err := d.setState(ctx, t, model.StateAwaitingTaskDate, func(s *model.Session) { s.DraftTaskName = name }); err != nil {
		return err
	}
	d.reply(ctx, t, fmt.Sprintf(msgAskDate, name), picker.Open(t.now, false, d.opts.Picker))
	return nil
}

// handleDate serves every state that waits for a picker result.
func (d *Dispatcher) handleDate(ctx context.Context, t *turn) error {
	if !t.ev.IsButton() {
		when, dateOnly, ok := parseTypedDate(t.ev.Text)
		if !ok {
			d.reply(ctx, t, msgUseButtons, nil)
			return nil
		}
		return d.finishDate(ctx, t, picker.InLocation(when, t.loc), dateOnly)
	}

	out := picker.Advance(t.ev.Payload, t.now, d.opts.Picker)
	switch out.Kind {
	case picker.Render:
		if err := d.out.Edit(ctx, *t.ev.Message, "", out.Keyboard); err != nil {
			appLog.Error("picker render failed", err, "user_id", t.ev.UserID)
		}
		return nil
	case picker.Final:
		if out.DateOnly && t.sess.State == model.StateAwaitingTaskDate {
			// Day button left over from a /list or /delete picker.
			appLog.Debug("date-only pick ignored for new task", "user_id", t.ev.UserID, "payload", t.ev.Payload)
			return nil
		}
		return d.finishDate(ctx, t, picker.InLocation(out.Time, t.loc), out.DateOnly)
	}
	if !picker.IsPickerPayload(t.ev.Payload) {
		appLog.Debug("foreign payload ignored", "user_id", t.ev.UserID, "state", string(t.sess.State), "payload", t.ev.Payload)
	}
	return nil
}

// finishDate completes the dialog step waiting for a date. when is already
// in the user's zone.
func (d *Dispatcher) finishDate(ctx context.Context, t *turn, when time.Time, dateOnly bool) error {
	switch t.sess.State {
	case model.StateAwaitingTaskDate:
		return d.createTask(ctx, t, when)
	case model.StateAwaitingListDay:
		return d.listDay(ctx, t, dayStart(when))
	case model.StateAwaitingDeleteDay:
		return d.offerDeletion(ctx, t, dayStart(when))
	}
	return fmt.Errorf("%w: date for %q", errUnknownState, t.sess.State)
}

func (d *Dispatcher) createTask(ctx context.Context, t *turn, start time.Time) error {
	name := t.sess.DraftTaskName
	if name == "" {
		// Draft lost (e.g. hand-edited session); ask again rather than
		// creating an unnamed task.
		if err := d.setState(ctx, t, model.StateAwaitingTaskName); err != nil {
			return err
		}
		d.reply(ctx, t, msgAskName, nil)
		return nil
	}

	calID, err := d.resolveCalendar(ctx, t)
	if err != nil {
		return err
	}
	task, err := d.store.Create(ctx, t.ev.UserID, calID, name, start, time.Time{})
	if errors.Is(err, model.ErrNotFound) {
		// The calendar vanished behind our back; forget it so the next
		// attempt resolves a fresh one.
		_ = d.setState(ctx, t, model.StateIdle, func(s *model.Session) { s.CalendarRef = "" })
		return fmt.Errorf("create task: %w", err)
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	appLog.Info("task created", "user_id", t.ev.UserID, "task_id", task.ID)
	d.reply(ctx, t, fmt.Sprintf(msgTaskAdded, name, formatWhen(start, t.loc)), nil)
	return nil
}

func (d *Dispatcher) listDay(ctx context.Context, t *turn, day time.Time) error {
	tasks, err := d.tasksBetween(ctx, t, day, day.AddDate(0, 0, 1), false)
	if err != nil {
		return err
	}
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	if len(tasks) == 0 {
		d.reply(ctx, t, msgNoTasks, nil)
		return nil
	}
	d.reply(ctx, t, formatDay(day, tasks, t.loc), nil)
	return nil
}

func (d *Dispatcher) offerDeletion(ctx context.Context, t *turn, day time.Time) error {
	tasks, err := d.tasksBetween(ctx, t, day, day.AddDate(0, 0, 1), true)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		if err := d.setState(ctx, t, model.StateIdle); err != nil {
			return err
		}
		d.reply(ctx, t, msgNoTasks, nil)
		return nil
	}

	kb := make(model.Keyboard, 0, len(tasks)+1)
	for _, task := range tasks {
		payload := deletePrefix + task.ID
		if len(payload) > maxPayloadLen {
			appLog.Warn("task id too long for a button; not offered", "user_id", t.ev.UserID, "task_id", task.ID)
			continue
		}
		kb = append(kb, []model.Button{{
			Text:    task.Start.In(t.loc).Format("15:04") + " " + task.Name,
			Payload: payload,
		}})
	}
	kb = append(kb, []model.Button{{Text: msgCancelButton, Payload: deleteCancel}})

	if err := d.setState(ctx, t, model.StateAwaitingDeleteChoice); err != nil {
		return err
	}
	d.reply(ctx, t, fmt.Sprintf(msgChooseDelete, formatDate(day)), kb)
	return nil
}

func (d *Dispatcher) handleDeleteChoice(ctx context.Context, t *turn) error {
	if !t.ev.IsButton() {
		d.reply(ctx, t, msgUseButtons, nil)
		return nil
	}
	if t.ev.Payload == deleteCancel {
		if err := d.setState(ctx, t, model.StateIdle); err != nil {
			return err
		}
		d.reply(ctx, t, msgCancelled, nil)
		return nil
	}
	taskID, ok := strings.CutPrefix(t.ev.Payload, deletePrefix)
	if !ok || taskID == "" {
		return nil
	}

	deleted, err := d.deleteAnywhere(ctx, t, taskID)
	if err != nil {
		return err
	}
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	if !deleted {
		d.reply(ctx, t, msgTaskGone, nil)
		return nil
	}
	appLog.Info("task deleted", "user_id", t.ev.UserID, "task_id", taskID)
	d.reply(ctx, t, msgTaskDeleted, nil)
	return nil
}

// deleteAnywhere removes taskID from the first writable calendar holding it.
func (d *Dispatcher) deleteAnywhere(ctx context.Context, t *turn, taskID string) (bool, error) {
	cals, err := d.store.ListCalendars(ctx, t.ev.UserID)
	if err != nil {
		return false, fmt.Errorf("list calendars: %w", err)
	}
	for _, c := range cals {
		if c.ReadOnly {
			continue
		}
		err := d.store.Delete(ctx, t.ev.UserID, c.ID, taskID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("delete task: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// parseTypedDate accepts a few unambiguous layouts for users who prefer
// typing over tapping.
func parseTypedDate(text string) (time.Time, bool, bool) {
	text = strings.TrimSpace(text)
	layouts := []struct {
		layout   string
		dateOnly bool
	}{
		{"2006-01-02 15:04", false},
		{"02.01.2006 15:04", false},
		{"2006-01-02", true},
		{"02.01.2006", true},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, text); err == nil {
			return t, l.dateOnly, true
		}
	}
	return time.Time{}, false, false
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
