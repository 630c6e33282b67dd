package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// Agenda sends each user the list of today's tasks.
type Agenda struct {
	sessions Sessions
	tasks    Tasks
	out      Sender
	now      func() time.Time
}

func NewAgenda(sessions Sessions, tasks Tasks, out Sender) *Agenda {
	return &Agenda{sessions: sessions, tasks: tasks, out: out, now: time.Now}
}

// SendAll delivers the agenda to every user with a resolved calendar and at
// least one task today, in the user's own zone. It returns the number of
// messages sent.
func (a *Agenda) SendAll(ctx context.Context) int {
	sent := 0
	for _, sess := range a.sessions.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if sess.CalendarRef == "" {
			continue
		}
		ok, err := a.send(ctx, sess)
		if err != nil {
			appLog.Error("agenda for user failed", err, "user_id", sess.UserID)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (a *Agenda) send(ctx context.Context, sess model.Session) (bool, error) {
	loc := sess.Location()
	now := a.now().In(loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	tasks, err := tasksBetween(ctx, a.tasks, sess.UserID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}

	var b strings.Builder
	b.WriteString("Today, ")
	b.WriteString(day.Format("Mon, 02 Jan 2006"))
	b.WriteString(":")
	for _, t := range tasks {
		b.WriteString("\n")
		b.WriteString(t.Start.In(loc).Format("15:04"))
		b.WriteString(" ")
		b.WriteString(t.Name)
	}
	if _, err := a.out.Send(ctx, sess.UserID, b.String(), nil); err != nil {
		return false, fmt.Errorf("send agenda: %w", err)
	}
	return true, nil
}

// Run schedules SendAll with a standard five-field cron spec evaluated in
// loc, and blocks until ctx is done.
func (a *Agenda) Run(ctx context.Context, spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() {
		n := a.SendAll(ctx)
		appLog.Info("daily agenda sent", "users", n)
	}); err != nil {
		return fmt.Errorf("agenda schedule %q: %w", spec, err)
	}

	c.Start()
	appLog.Info("daily agenda scheduled", "cron", spec, "timezone", loc.String())
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
