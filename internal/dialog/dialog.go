// Package dialog is the per-user conversation controller. Each inbound chat
// event is routed by the user's current state to exactly one handler, which
// may drive the date picker or the task store and then emits at most one
// outbound message or edit.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"calbot/internal/auth"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/picker"
	"calbot/internal/session"
)

// Event is one inbound interaction. Text events carry Text; button events
// carry Message, Payload and the transport's CallbackID.
type Event struct {
	UserID int64
	Text   string

	Message    *model.MessageRef
	Payload    string
	CallbackID string
}

// IsButton reports whether the event is an inline keyboard press.
func (e Event) IsButton() bool {
	return e.Message != nil
}

// Messenger delivers outbound messages.
type Messenger interface {
	Send(ctx context.Context, userID int64, text string, kb model.Keyboard) (model.MessageRef, error)
	// Edit replaces text and keyboard of a delivered message. An empty text
	// only replaces the keyboard.
	Edit(ctx context.Context, ref model.MessageRef, text string, kb model.Keyboard) error
	// Ack dismisses the client-side progress indicator of a button press.
	Ack(ctx context.Context, callbackID string) error
}

// TaskStore is the calendar backend as seen by the dialog and the poller.
type TaskStore interface {
	ListCalendars(ctx context.Context, userID int64) ([]model.Calendar, error)
	// Query returns tasks starting in [from, to) ordered by start.
	Query(ctx context.Context, userID int64, calendarID string, from, to time.Time) ([]model.Task, error)
	Create(ctx context.Context, userID int64, calendarID, name string, start, end time.Time) (model.Task, error)
	Delete(ctx context.Context, userID int64, calendarID, taskID string) error
	CreateCalendar(ctx context.Context, userID int64, name, tz string) (model.Calendar, error)
	// PrimaryTimeZone returns "" when the backend has no notion of one.
	PrimaryTimeZone(ctx context.Context, userID int64) (string, error)
}

// Options tune the dispatcher.
type Options struct {
	// BotCalendarName is the calendar created for users that have none.
	BotCalendarName string
	Picker          picker.Options
	// UpcomingLimit caps /next output.
	UpcomingLimit int
	// UpcomingHorizon bounds how far /next and the idle suggestion look ahead.
	UpcomingHorizon time.Duration
}

func DefaultOptions() Options {
	return Options{
		BotCalendarName: "calbot",
		Picker:          picker.DefaultOptions(),
		UpcomingLimit:   5,
		UpcomingHorizon: 30 * 24 * time.Hour,
	}
}

type stateHandler func(ctx context.Context, t *turn) error

// turn is the context of one handled event.
type turn struct {
	ev   Event
	sess model.Session
	loc  *time.Location
	now  time.Time // in loc

	// command is set for slash commands, which abandon the current dialog.
	command bool
}

// Dispatcher routes events to state handlers.
type Dispatcher struct {
	sessions *session.Registry
	store    TaskStore
	auth     auth.Provider
	out      Messenger
	opts     Options

	now    func() time.Time
	intn   func(n int) int
	states map[model.State]stateHandler
	cmds   map[string]stateHandler
}

func New(sessions *session.Registry, store TaskStore, provider auth.Provider, out Messenger, opts Options) *Dispatcher {
	if opts.BotCalendarName == "" {
		opts.BotCalendarName = DefaultOptions().BotCalendarName
	}
	if opts.UpcomingLimit <= 0 {
		opts.UpcomingLimit = DefaultOptions().UpcomingLimit
	}
	if opts.UpcomingHorizon <= 0 {
		opts.UpcomingHorizon = DefaultOptions().UpcomingHorizon
	}
	if opts.Picker.Labels == (picker.Labels{}) {
		opts.Picker = picker.DefaultOptions()
	}

	d := &Dispatcher{
		sessions: sessions,
		store:    store,
		auth:     provider,
		out:      out,
		opts:     opts,
		now:      time.Now,
		intn:     rand.IntN,
	}
	d.states = map[model.State]stateHandler{
		model.StateIdle:                 d.handleIdle,
		model.StateAwaitingAuthCode:     d.handleAuthCode,
		model.StateAwaitingTaskName:     d.handleTaskName,
		model.StateAwaitingDeleteChoice: d.handleDeleteChoice,
	}
	for _, s := range model.AllStates {
		if s.ExpectsDate() {
			d.states[s] = d.handleDate
		}
		if d.states[s] == nil {
			panic("dialog: no handler for state " + string(s))
		}
	}
	d.cmds = d.commands()
	return d
}

// Handle processes one event. Errors are already reported to the user; the
// returned error is for the caller's log.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	if ev.IsButton() && ev.CallbackID != "" {
		defer func() {
			if err := d.out.Ack(ctx, ev.CallbackID); err != nil {
				appLog.Debug("callback ack failed", "user_id", ev.UserID, "error", err.Error())
			}
		}()
	}

	sess, err := d.sessions.Get(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	loc := sess.Location()
	t := &turn{ev: ev, sess: sess, loc: loc, now: d.now().In(loc)}

	h := d.states[sess.State]
	if !ev.IsButton() {
		if name, _, ok := parseCommand(ev.Text); ok {
			h = d.command(name)
			t.command = true
		}
	}
	if h == nil {
		h = d.handleUnknownState
	}

	if err := h(ctx, t); err != nil {
		appLog.Error("dialog: request failed", err,
			"user_id", ev.UserID, "state", string(sess.State), "payload", ev.Payload)
		d.failure(ctx, t)
		return err
	}
	return nil
}

// handleUnknownState covers sessions whose state has no handler.
func (d *Dispatcher) handleUnknownState(ctx context.Context, t *turn) error {
	return fmt.Errorf("%w: %q", errUnknownState, t.sess.State)
}

var errUnknownState = errors.New("unknown dialog state")

// failure resets the session and reports a generic error.
func (d *Dispatcher) failure(ctx context.Context, t *turn) {
	if err := d.setState(ctx, t, model.StateIdle); err != nil {
		appLog.Error("dialog: reset to idle failed", err, "user_id", t.ev.UserID)
	}
	d.reply(ctx, t, msgFailure, nil)
}

// reply edits the pressed message for button events and sends a new one
// otherwise.
func (d *Dispatcher) reply(ctx context.Context, t *turn, text string, kb model.Keyboard) {
	var err error
	if t.ev.IsButton() {
		err = d.out.Edit(ctx, *t.ev.Message, text, kb)
	} else {
		_, err = d.out.Send(ctx, t.ev.UserID, text, kb)
	}
	if err != nil {
		appLog.Error("dialog: deliver reply failed", err, "user_id", t.ev.UserID)
	}
}

// setState moves the session to next, clearing the draft unless a mutation
// sets it again.
func (d *Dispatcher) setState(ctx context.Context, t *turn, next model.State, mutate ...func(*model.Session)) error {
	from := t.sess.State
	if t.command {
		from = model.StateIdle
	}
	if !model.CanTransition(from, next) {
		appLog.Warn("dialog: off-table transition", "user_id", t.ev.UserID,
			"from", string(from), "to", string(next))
	}
	updated, err := d.sessions.Update(ctx, t.ev.UserID, func(s *model.Session) {
		s.State = next
		if next == model.StateIdle {
			s.DraftTaskName = ""
		}
		for _, m := range mutate {
			m(s)
		}
	})
	t.sess = updated
	return err
}

// parseCommand splits "/cmd@bot args" into its name and arguments.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
