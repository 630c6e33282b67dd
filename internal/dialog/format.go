package dialog

import (
	"strings"
	"time"

	"calbot/internal/model"
)

const (
	msgHelp = "I keep your tasks in a calendar and remind you when they start.\n\n" +
		"/auth - connect your calendar\n" +
		"/add - add a task\n" +
		"/list - show the tasks of a day\n" +
		"/delete - delete a task\n" +
		"/next - upcoming tasks\n" +
		"/tz <zone> - set your time zone, e.g. /tz Europe/Berlin\n" +
		"/cancel - abandon the current step"

	msgFailure         = "Something went wrong. Please try again later."
	msgFallback        = "I didn't get that. Send /help to see what I can do."
	msgFallbackSuggest = "Stop fooling around, better get ready for \"%s\" on %s."
	msgNeedAuth        = "Connect your calendar first: send /auth."
	msgAuthInvalid     = "That code didn't work. Send it again, or /cancel."
	msgAuthOK          = "Calendar connected. Your time zone is %s; change it with /tz."
	msgAskName         = "What should the task be called?"
	msgAskDate         = "When is \"%s\"?"
	msgUseButtons      = "Please use the buttons above, type a date like 2024-06-01 09:00, or send /cancel."
	msgTaskAdded       = "Added \"%s\" on %s."
	msgNoTasks         = "No tasks that day."
	msgNoUpcoming      = "Nothing planned."
	msgPickListDay     = "Which day?"
	msgPickDeleteDay   = "Delete a task from which day?"
	msgChooseDelete    = "Which task from %s should I delete?"
	msgTaskDeleted     = "Task deleted."
	msgTaskGone        = "That task no longer exists."
	msgCancelled       = "Cancelled."
	msgCancelButton    = "Cancel"
	msgUnknownCommand  = "Unknown command. Send /help for the list."
	msgTimezoneUsage   = "Your time zone is %s. Change it with /tz <IANA zone>, e.g. /tz Europe/Berlin."
	msgTimezoneInvalid = "I don't know the time zone %q."
	msgTimezoneSet     = "Time zone set to %s."
)

const (
	dateLayout = "Mon, 02 Jan 2006"
	whenLayout = "Mon, 02 Jan 2006 15:04"
)

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(whenLayout)
}

func formatDate(day time.Time) string {
	return day.Format(dateLayout)
}

func formatDay(day time.Time, tasks []model.Task, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(formatDate(day))
	b.WriteString(":")
	for _, t := range tasks {
		b.WriteString("\n")
		b.WriteString(t.Start.In(loc).Format("15:04"))
		b.WriteString(" ")
		b.WriteString(t.Name)
	}
	return b.String()
}

func formatUpcoming(tasks []model.Task, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Upcoming:")
	for _, t := range tasks {
		b.WriteString("\n")
		b.WriteString(formatWhen(t.Start, loc))
		b.WriteString(" ")
		b.WriteString(t.Name)
	}
	return b.String()
}
