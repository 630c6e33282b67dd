package dialog

import (
	"context"
	"fmt"
	"time"

	"calbot/internal/model"
	"calbot/internal/picker"
)

func (d *Dispatcher) commands() map[string]stateHandler {
	return map[string]stateHandler{
		"start":  d.cmdHelp,
		"help":   d.cmdHelp,
		"add":    d.requireAuth(d.cmdAdd),
		"list":   d.requireAuth(d.cmdList),
		"tasks":  d.requireAuth(d.cmdList),
		"delete": d.requireAuth(d.cmdDelete),
		"next":   d.requireAuth(d.cmdNext),
		"auth":   d.cmdAuth,
		"cancel": d.cmdCancel,
		"tz":     d.cmdTimezone,
	}
}

func (d *Dispatcher) command(name string) stateHandler {
	if h, ok := d.cmds[name]; ok {
		return h
	}
	return d.cmdUnknown
}

// requireAuth sends the auth hint instead of running h for users that have
// not linked a calendar. The session returns to idle.
func (d *Dispatcher) requireAuth(h stateHandler) stateHandler {
	return func(ctx context.Context, t *turn) error {
		ok, err := d.auth.Authorized(ctx, t.ev.UserID)
		if err != nil {
			return fmt.Errorf("check authorization: %w", err)
		}
		if !ok {
			if t.sess.State != model.StateIdle {
				if err := d.setState(ctx, t, model.StateIdle); err != nil {
					return err
				}
			}
			d.reply(ctx, t, msgNeedAuth, nil)
			return nil
		}
		return h(ctx, t)
	}
}

func (d *Dispatcher) cmdHelp(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	d.reply(ctx, t, msgHelp, nil)
	return nil
}

func (d *Dispatcher) cmdAdd(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateAwaitingTaskName); err != nil {
		return err
	}
	d.reply(ctx, t, msgAskName, nil)
	return nil
}

func (d *Dispatcher) cmdList(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateAwaitingListDay); err != nil {
		return err
	}
	d.reply(ctx, t, msgPickListDay, picker.Open(t.now, true, d.opts.Picker))
	return nil
}

func (d *Dispatcher) cmdDelete(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateAwaitingDeleteDay); err != nil {
		return err
	}
	d.reply(ctx, t, msgPickDeleteDay, picker.Open(t.now, true, d.opts.Picker))
	return nil
}

func (d *Dispatcher) cmdNext(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	tasks, err := d.upcoming(ctx, t)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		d.reply(ctx, t, msgNoUpcoming, nil)
		return nil
	}
	if len(tasks) > d.opts.UpcomingLimit {
		tasks = tasks[:d.opts.UpcomingLimit]
	}
	d.reply(ctx, t, formatUpcoming(tasks, t.loc), nil)
	return nil
}

func (d *Dispatcher) cmdAuth(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateAwaitingAuthCode); err != nil {
		return err
	}
	d.reply(ctx, t, d.auth.Prompt(t.ev.UserID), nil)
	return nil
}

func (d *Dispatcher) cmdCancel(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	d.reply(ctx, t, msgCancelled, nil)
	return nil
}

func (d *Dispatcher) cmdTimezone(ctx context.Context, t *turn) error {
	_, zone, _ := parseCommand(t.ev.Text)
	if zone == "" {
		if err := d.setState(ctx, t, model.StateIdle); err != nil {
			return err
		}
		d.reply(ctx, t, fmt.Sprintf(msgTimezoneUsage, t.sess.TimezoneName), nil)
		return nil
	}
	if _, err := time.LoadLocation(zone); err != nil || zone == "Local" {
		if err := d.setState(ctx, t, model.StateIdle); err != nil {
			return err
		}
		d.reply(ctx, t, fmt.Sprintf(msgTimezoneInvalid, zone), nil)
		return nil
	}

	err := d.setState(ctx, t, model.StateIdle, func(s *model.Session) {
		s.TimezoneName = zone
		s.TimezoneDeclared = true
	})
	if err != nil {
		return err
	}
	d.reply(ctx, t, fmt.Sprintf(msgTimezoneSet, zone), nil)
	return nil
}

func (d *Dispatcher) cmdUnknown(ctx context.Context, t *turn) error {
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		return err
	}
	d.reply(ctx, t, msgUnknownCommand, nil)
	return nil
}
