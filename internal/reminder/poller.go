// Package reminder notifies users about tasks that are about to start and
// sends the optional daily agenda.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// DefaultInterval is the poll period used when none is configured.
const DefaultInterval = 10 * time.Second

const msgReminder = "Reminder: \"%s\" starts at %s."

// Sessions lists the known users.
type Sessions interface {
	Snapshot() []model.Session
}

// Tasks is the read side of the task store.
type Tasks interface {
	ListCalendars(ctx context.Context, userID int64) ([]model.Calendar, error)
	Query(ctx context.Context, userID int64, calendarID string, from, to time.Time) ([]model.Task, error)
}

// Sender delivers a plain message.
type Sender interface {
	Send(ctx context.Context, userID int64, text string, kb model.Keyboard) (model.MessageRef, error)
}

// Status is a point-in-time view of the poller for the status API.
type Status struct {
	Interval string    `json:"interval"`
	Cursor   time.Time `json:"cursor"`
	LastTick time.Time `json:"last_tick"`
	LastSent int       `json:"last_sent"`
	Failures int       `json:"failures"`
}

// Poller fires reminders for tasks whose start falls in consecutive
// half-open windows [cursor, cursor+interval). Windows tile time without
// gaps or overlap, so every start instant is reported at most once.
type Poller struct {
	sessions Sessions
	tasks    Tasks
	out      Sender
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cursor   time.Time
	lastTick time.Time
	lastSent int
	failures int
}

func NewPoller(sessions Sessions, tasks Tasks, out Sender, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		sessions: sessions,
		tasks:    tasks,
		out:      out,
		interval: interval,
		now:      time.Now,
	}
}

// Reset places the cursor at t.
func (p *Poller) Reset(t time.Time) {
	p.mu.Lock()
	p.cursor = t
	p.mu.Unlock()
}

func (p *Poller) Cursor() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Interval: p.interval.String(),
		Cursor:   p.cursor,
		LastTick: p.lastTick,
		LastSent: p.lastSent,
		Failures: p.failures,
	}
}

// Run starts the cursor at the current second and ticks until ctx is done.
// Each window is scanned as soon as its start is reached, so reminders go
// out up to one interval before the task begins.
func (p *Poller) Run(ctx context.Context) error {
	p.Reset(p.now().Truncate(time.Second))
	appLog.Info("reminder poller started", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.catchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				appLog.Info("reminder poller stopped")
				return err
			}
			appLog.Error("reminder tick failed", err)
		}
		select {
		case <-ctx.Done():
			appLog.Info("reminder poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// catchUp ticks until the cursor is ahead of the clock. A slow tick makes
// the ticker drop periods; the missed windows are scanned here one interval
// at a time.
func (p *Poller) catchUp(ctx context.Context) error {
	for !p.Cursor().After(p.now()) {
		if _, err := p.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Tick reminds every user with a resolved calendar about tasks starting in
// the current window, then advances the cursor by one interval. Failures of
// one user are logged and do not affect others. If ctx is cancelled the
// tick is abandoned and the cursor stays put.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	from := p.Cursor()
	to := from.Add(p.interval)

	sent, failed := 0, 0
	for _, sess := range p.sessions.Snapshot() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if sess.CalendarRef == "" {
			continue
		}
		n, err := p.remind(ctx, sess, from, to)
		sent += n
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			failed++
			appLog.Error("reminders for user failed", err, "user_id", sess.UserID)
		}
	}
	if err := ctx.Err(); err != nil {
		return sent, err
	}

	p.mu.Lock()
	p.cursor = to
	p.lastTick = p.now()
	p.lastSent = sent
	p.failures += failed
	p.mu.Unlock()

	if sent > 0 {
		appLog.Debug("reminders sent", "count", sent, "window_start", from.Format(time.RFC3339))
	}
	return sent, nil
}

func (p *Poller) remind(ctx context.Context, sess model.Session, from, to time.Time) (int, error) {
	tasks, err := tasksBetween(ctx, p.tasks, sess.UserID, from, to)
	if err != nil {
		return 0, err
	}
	loc := sess.Location()
	sent := 0
	var errs []error
	for _, t := range tasks {
		if t.Start.Before(from) || !t.Start.Before(to) {
			continue
		}
		text := fmt.Sprintf(msgReminder, t.Name, t.Start.In(loc).Format("15:04"))
		if _, err := p.out.Send(ctx, sess.UserID, text, nil); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("send reminder for %s: %w", t.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// tasksBetween merges the user's tasks across calendars, ordered by start.
// Calendars that disappeared between listing and querying are skipped.
func tasksBetween(ctx context.Context, store Tasks, userID int64, from, to time.Time) ([]model.Task, error) {
	cals, err := store.ListCalendars(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	var all []model.Task
	for _, c := range cals {
		tasks, err := store.Query(ctx, userID, c.ID, from, to)
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
