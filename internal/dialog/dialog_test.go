package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"calbot/internal/auth"
	"calbot/internal/model"
	"calbot/internal/session"
	"calbot/internal/storage"
)

type sentMsg struct {
	userID int64
	text   string
	kb     model.Keyboard
}

type editMsg struct {
	ref  model.MessageRef
	text string
	kb   model.Keyboard
}

type fakeMessenger struct {
	mu    sync.Mutex
	sends []sentMsg
	edits []editMsg
	acks  []string
}

func (m *fakeMessenger) Send(_ context.Context, userID int64, text string, kb model.Keyboard) (model.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, sentMsg{userID, text, kb})
	return model.MessageRef{ChatID: userID, MessageID: len(m.sends)}, nil
}

func (m *fakeMessenger) Edit(_ context.Context, ref model.MessageRef, text string, kb model.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, editMsg{ref, text, kb})
	return nil
}

func (m *fakeMessenger) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, id)
	return nil
}

func (m *fakeMessenger) lastSend(t *testing.T) sentMsg {
	t.Helper()
	if len(m.sends) == 0 {
		t.Fatal("nothing sent")
	}
	return m.sends[len(m.sends)-1]
}

func (m *fakeMessenger) lastEdit(t *testing.T) editMsg {
	t.Helper()
	if len(m.edits) == 0 {
		t.Fatal("nothing edited")
	}
	return m.edits[len(m.edits)-1]
}

type fakeStore struct {
	mu        sync.Mutex
	calendars []model.Calendar
	tasks     map[string][]model.Task
	primaryTZ string

	calls            int
	creates          []model.Task
	deletes          []string
	createdCalendars int

	failCreate error
}

func newFakeStore(cals ...model.Calendar) *fakeStore {
	return &fakeStore{calendars: cals, tasks: make(map[string][]model.Task)}
}

func (s *fakeStore) ListCalendars(context.Context, int64) ([]model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]model.Calendar(nil), s.calendars...), nil
}

func (s *fakeStore) Query(_ context.Context, _ int64, calID string, from, to time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []model.Task
	for _, t := range s.tasks[calID] {
		if !t.Start.Before(from) && t.Start.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) Create(_ context.Context, _ int64, calID, name string, start, end time.Time) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failCreate != nil {
		return model.Task{}, s.failCreate
	}
	task := model.Task{ID: fmt.Sprintf("t%d", len(s.creates)+1), Name: name, Start: start, End: end, CalendarID: calID}
	s.creates = append(s.creates, task)
	s.tasks[calID] = append(s.tasks[calID], task)
	return task, nil
}

func (s *fakeStore) Delete(_ context.Context, _ int64, calID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	tasks := s.tasks[calID]
	for i, t := range tasks {
		if t.ID == taskID {
			s.tasks[calID] = append(tasks[:i], tasks[i+1:]...)
			s.deletes = append(s.deletes, calID+"/"+taskID)
			return nil
		}
	}
	return model.ErrNotFound
}

func (s *fakeStore) CreateCalendar(_ context.Context, _ int64, name, tz string) (model.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.createdCalendars++
	c := model.Calendar{ID: fmt.Sprintf("created-%d", s.createdCalendars), Name: name, TimeZone: tz}
	s.calendars = append(s.calendars, c)
	return c, nil
}

func (s *fakeStore) PrimaryTimeZone(context.Context, int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.primaryTZ, nil
}

type fakeAuth struct {
	mu         sync.Mutex
	authorized map[int64]bool
	code       string
}

func (a *fakeAuth) Prompt(int64) string { return "open https://auth.example/link" }

func (a *fakeAuth) Exchange(_ context.Context, userID int64, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code != a.code {
		return auth.ErrInvalidCode
	}
	a.authorized[userID] = true
	return nil
}

func (a *fakeAuth) Authorized(_ context.Context, userID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authorized[userID], nil
}

type harness struct {
	d        *Dispatcher
	sessions *session.Registry
	store    *fakeStore
	auth     *fakeAuth
	out      *fakeMessenger
}

var testNow = time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC)

func newHarness(store *fakeStore) *harness {
	h := &harness{
		sessions: session.NewRegistry(storage.NewMemory()),
		store:    store,
		auth:     &fakeAuth{authorized: make(map[int64]bool), code: "good"},
		out:      &fakeMessenger{},
	}
	h.d = New(h.sessions, store, h.auth, h.out, DefaultOptions())
	h.d.now = func() time.Time { return testNow }
	h.d.intn = func(int) int { return 0 }
	return h
}

func (h *harness) text(t *testing.T, userID int64, text string) {
	t.Helper()
	_ = h.d.Handle(context.Background(), Event{UserID: userID, Text: text})
}

func (h *harness) press(t *testing.T, userID int64, payload string) {
	t.Helper()
	ref := model.MessageRef{ChatID: userID, MessageID: 100}
	_ = h.d.Handle(context.Background(), Event{UserID: userID, Message: &ref, Payload: payload, CallbackID: "cb-" + payload})
}

func (h *harness) state(t *testing.T, userID int64) model.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

func TestAddTaskFlow(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true

	h.text(t, 1, "/add")
	if s := h.state(t, 1); s.State != model.StateAwaitingTaskName {
		t.Fatalf("after /add: %v", s.State)
	}

	h.text(t, 1, "gym")
	s := h.state(t, 1)
	if s.State != model.StateAwaitingTaskDate || s.DraftTaskName != "gym" {
		t.Fatalf("after name: %+v", s)
	}
	if kb := h.out.lastSend(t).kb; len(kb) == 0 {
		t.Fatal("date picker not sent")
	}

	sendsBefore := len(h.out.sends)
	h.press(t, 1, "dt:2024.06.01.09.00")

	if len(h.store.creates) != 1 {
		t.Fatalf("create calls: %d", len(h.store.creates))
	}
	got := h.store.creates[0]
	if got.Name != "gym" || !got.Start.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)) || got.CalendarID != "cal-1" {
		t.Errorf("created task: %+v", got)
	}
	if s := h.state(t, 1); s.State != model.StateIdle || s.DraftTaskName != "" || s.CalendarRef != "cal-1" {
		t.Errorf("final session: %+v", s)
	}
	if len(h.out.sends) != sendsBefore || len(h.out.edits) != 1 {
		t.Errorf("finalizing should edit once: sends %d->%d, edits %d", sendsBefore, len(h.out.sends), len(h.out.edits))
	}
	if !strings.Contains(h.out.lastEdit(t).text, "gym") {
		t.Errorf("confirmation: %q", h.out.lastEdit(t).text)
	}
	if len(h.out.acks) != 1 {
		t.Errorf("acks: %v", h.out.acks)
	}
	if h.store.createdCalendars != 0 {
		t.Errorf("existing bot calendar should be reused")
	}
}

func TestPickerNavigationOnlyEditsKeyboard(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true
	h.text(t, 1, "/add")
	h.text(t, 1, "gym")

	h.press(t, 1, "edit:hour:next:2024.06.01.09.00")
	e := h.out.lastEdit(t)
	if e.text != "" || len(e.kb) == 0 {
		t.Errorf("navigation edit: %+v", e)
	}
	if got := e.kb[len(e.kb)-1][0].Payload; got != "dt:2024.06.01.10.00" {
		t.Errorf("done payload after hour+1: %q", got)
	}

	h.press(t, 1, "empty")
	h.press(t, 1, "dt:garbage")
	if len(h.out.edits) != 1 {
		t.Errorf("inert and malformed presses must not edit, edits=%d", len(h.out.edits))
	}
	if len(h.out.acks) != 3 {
		t.Errorf("every press is acknowledged: %v", h.out.acks)
	}
	if s := h.state(t, 1); s.State != model.StateAwaitingTaskDate || len(h.store.creates) != 0 {
		t.Errorf("navigation changed state: %+v", s)
	}
}

func TestStaleDayButtonDoesNotCreateTask(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true
	h.text(t, 1, "/add")
	h.text(t, 1, "gym")

	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")
	if len(h.store.creates) != 0 || len(h.out.edits) != 0 {
		t.Errorf("date-only press acted on: creates %d, edits %d", len(h.store.creates), len(h.out.edits))
	}
	if s := h.state(t, 1); s.State != model.StateAwaitingTaskDate || s.DraftTaskName != "gym" {
		t.Errorf("session changed: %+v", s)
	}
	if len(h.out.acks) != 1 {
		t.Errorf("press not acknowledged: %v", h.out.acks)
	}
}

func TestTypedDateCreatesTaskInUserZone(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true
	h.text(t, 1, "/tz Asia/Tokyo")
	h.text(t, 1, "/add")
	h.text(t, 1, "gym")

	h.text(t, 1, "tomorrow-ish")
	if s := h.state(t, 1); s.State != model.StateAwaitingTaskDate {
		t.Fatalf("unparseable date should keep state, got %v", s.State)
	}
	if h.out.lastSend(t).text != msgUseButtons {
		t.Errorf("reprompt: %q", h.out.lastSend(t).text)
	}

	h.text(t, 1, "2024-06-01 09:00")
	if len(h.store.creates) != 1 {
		t.Fatalf("creates: %d", len(h.store.creates))
	}
	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	if want := time.Date(2024, 6, 1, 9, 0, 0, 0, tokyo); !h.store.creates[0].Start.Equal(want) {
		t.Errorf("start: got %v, want %v", h.store.creates[0].Start, want)
	}
}

func TestUnauthenticatedAdd(t *testing.T) {
	h := newHarness(newFakeStore())
	h.text(t, 1, "/add")

	if len(h.out.sends) != 1 || h.out.sends[0].text != msgNeedAuth {
		t.Fatalf("expected exactly one auth prompt, got %+v", h.out.sends)
	}
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Errorf("state: %v", s.State)
	}
	if h.store.calls != 0 {
		t.Errorf("task store touched %d times", h.store.calls)
	}
}

func TestStoreErrorReturnsToIdle(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	store.failCreate = errors.New("backend unavailable")
	h := newHarness(store)
	h.auth.authorized[1] = true

	h.text(t, 1, "/add")
	h.text(t, 1, "gym")
	h.press(t, 1, "dt:2024.06.01.09.00")

	if s := h.state(t, 1); s.State != model.StateIdle || s.DraftTaskName != "" {
		t.Errorf("session after failure: %+v", s)
	}
	if h.out.lastEdit(t).text != msgFailure {
		t.Errorf("failure message: %q", h.out.lastEdit(t).text)
	}
	if len(h.out.edits) != 1 {
		t.Errorf("one outbound edit expected, got %d", len(h.out.edits))
	}
}

func TestDeleteDayWithoutTasks(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true

	h.text(t, 1, "/delete")
	if s := h.state(t, 1); s.State != model.StateAwaitingDeleteDay {
		t.Fatalf("after /delete: %v", s.State)
	}
	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")

	if h.out.lastEdit(t).text != msgNoTasks {
		t.Errorf("reply: %q", h.out.lastEdit(t).text)
	}
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Errorf("state: %v", s.State)
	}
}

func TestDeleteTask(t *testing.T) {
	store := newFakeStore(
		model.Calendar{ID: "holidays", Name: "Holidays", ReadOnly: true},
		model.Calendar{ID: "cal-1", Name: "calbot"},
	)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.tasks["cal-1"] = []model.Task{
		{ID: "t1", Name: "gym", Start: day.Add(9 * time.Hour), CalendarID: "cal-1"},
		{ID: "t2", Name: "read", Start: day.Add(20 * time.Hour), CalendarID: "cal-1"},
	}
	store.tasks["holidays"] = []model.Task{{ID: "h1", Name: "Holiday", Start: day, CalendarID: "holidays"}}
	h := newHarness(store)
	h.auth.authorized[1] = true

	// "today" resolves against the clock (2024-05-31), which has no tasks.
	h.text(t, 1, "/delete")
	h.press(t, 1, "today:2024.06.01.00.00:1")
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Fatalf("today pick: %v", s.State)
	}

	h.text(t, 1, "/delete")
	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")
	if s := h.state(t, 1); s.State != model.StateAwaitingDeleteChoice {
		t.Fatalf("after day pick: %v", s.State)
	}
	kb := h.out.lastEdit(t).kb
	if len(kb) != 3 || kb[0][0].Payload != "del:t1" || kb[0][0].Text != "09:00 gym" || kb[2][0].Payload != deleteCancel {
		t.Fatalf("choice keyboard: %+v", kb)
	}

	h.press(t, 1, "del:t1")
	if len(store.deletes) != 1 || store.deletes[0] != "cal-1/t1" {
		t.Errorf("deletes: %v", store.deletes)
	}
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Errorf("state: %v", s.State)
	}
	if h.out.lastEdit(t).text != msgTaskDeleted {
		t.Errorf("reply: %q", h.out.lastEdit(t).text)
	}

	h.text(t, 1, "/delete")
	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")
	h.press(t, 1, "del:t1")
	if h.out.lastEdit(t).text != msgTaskGone {
		t.Errorf("stale delete: %q", h.out.lastEdit(t).text)
	}
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Errorf("state: %v", s.State)
	}
}

func TestDeleteCancel(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	store.tasks["cal-1"] = []model.Task{{ID: "t1", Name: "gym", Start: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}}
	h := newHarness(store)
	h.auth.authorized[1] = true

	h.text(t, 1, "/delete")
	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")
	h.press(t, 1, deleteCancel)
	if len(store.deletes) != 0 || h.state(t, 1).State != model.StateIdle {
		t.Errorf("cancel deleted something or kept state")
	}
}

func TestListDayInUserZone(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	store.tasks["cal-1"] = []model.Task{
		{ID: "t1", Name: "standup", Start: time.Date(2024, 6, 1, 0, 30, 0, 0, time.UTC)},
		{ID: "t2", Name: "too late", Start: time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)},
	}
	h := newHarness(store)
	h.auth.authorized[1] = true
	h.text(t, 1, "/tz Asia/Tokyo")

	h.text(t, 1, "/tasks")
	if s := h.state(t, 1); s.State != model.StateAwaitingListDay {
		t.Fatalf("after /tasks: %v", s.State)
	}
	h.press(t, 1, "calendar_day:2024.06.01.00.00:1")

	text := h.out.lastEdit(t).text
	if !strings.Contains(text, "09:30 standup") || strings.Contains(text, "too late") {
		t.Errorf("list: %q", text)
	}
	if s := h.state(t, 1); s.State != model.StateIdle {
		t.Errorf("state: %v", s.State)
	}
}

func TestAuthFlowAdoptsPrimaryZone(t *testing.T) {
	store := newFakeStore()
	store.primaryTZ = "Europe/Moscow"
	h := newHarness(store)

	h.text(t, 1, "/auth")
	if s := h.state(t, 1); s.State != model.StateAwaitingAuthCode {
		t.Fatalf("after /auth: %v", s.State)
	}
	if !strings.Contains(h.out.lastSend(t).text, "https://auth.example/link") {
		t.Errorf("prompt: %q", h.out.lastSend(t).text)
	}

	h.text(t, 1, "nope")
	if s := h.state(t, 1); s.State != model.StateAwaitingAuthCode {
		t.Errorf("invalid code should stay pending, got %v", s.State)
	}
	if h.out.lastSend(t).text != msgAuthInvalid {
		t.Errorf("reply: %q", h.out.lastSend(t).text)
	}

	h.text(t, 1, "good")
	s := h.state(t, 1)
	if s.State != model.StateIdle || s.TimezoneName != "Europe/Moscow" {
		t.Errorf("after auth: %+v", s)
	}
	if h.store.createdCalendars != 1 || s.CalendarRef != "created-1" {
		t.Errorf("bot calendar not resolved: created=%d ref=%q", h.store.createdCalendars, s.CalendarRef)
	}
	if h.store.calendars[0].TimeZone != "Europe/Moscow" {
		t.Errorf("calendar zone: %q", h.store.calendars[0].TimeZone)
	}
}

func TestDeclaredZoneWinsOverPrimary(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	store.primaryTZ = "Europe/Moscow"
	h := newHarness(store)

	h.text(t, 1, "/tz Asia/Tokyo")
	h.text(t, 1, "/auth")
	h.text(t, 1, "good")

	if s := h.state(t, 1); s.TimezoneName != "Asia/Tokyo" || !s.TimezoneDeclared {
		t.Errorf("declared zone overridden: %+v", s)
	}
}

func TestTimezoneCommand(t *testing.T) {
	h := newHarness(newFakeStore())
	h.text(t, 1, "/tz Mars/Olympus")
	if s := h.state(t, 1); s.TimezoneName != "UTC" || s.TimezoneDeclared {
		t.Errorf("invalid zone accepted: %+v", s)
	}
	h.text(t, 1, "/tz")
	if !strings.Contains(h.out.lastSend(t).text, "UTC") {
		t.Errorf("usage: %q", h.out.lastSend(t).text)
	}
}

func TestCommandsAbandonDialog(t *testing.T) {
	h := newHarness(newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"}))
	h.auth.authorized[1] = true
	h.text(t, 1, "/add")
	h.text(t, 1, "gym")

	h.text(t, 1, "/cancel")
	if s := h.state(t, 1); s.State != model.StateIdle || s.DraftTaskName != "" {
		t.Errorf("after /cancel: %+v", s)
	}

	// A press on the abandoned picker is acknowledged and otherwise ignored.
	edits := len(h.out.edits)
	h.press(t, 1, "dt:2024.06.01.09.00")
	if len(h.store.creates) != 0 || len(h.out.edits) != edits {
		t.Errorf("stale picker acted: creates=%d", len(h.store.creates))
	}

	h.text(t, 1, "/list@calbot_bot")
	if s := h.state(t, 1); s.State != model.StateAwaitingListDay {
		t.Errorf("command with bot suffix: %v", s.State)
	}
	h.text(t, 1, "/frobnicate")
	if h.out.lastSend(t).text != msgUnknownCommand || h.state(t, 1).State != model.StateIdle {
		t.Errorf("unknown command handling")
	}
}

func TestIdleFallback(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	store.tasks["cal-1"] = []model.Task{{ID: "t1", Name: "gym", Start: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}}
	h := newHarness(store)

	h.text(t, 1, "hello")
	if h.out.lastSend(t).text != msgFallback {
		t.Errorf("unauthorized fallback: %q", h.out.lastSend(t).text)
	}

	h.auth.authorized[2] = true
	h.text(t, 2, "hello")
	if got := h.out.lastSend(t).text; !strings.Contains(got, "gym") || !strings.Contains(got, "Sat, 01 Jun 2024 09:00") {
		t.Errorf("suggestion: %q", got)
	}
	if h.state(t, 2).State != model.StateIdle {
		t.Error("fallback changed state")
	}
}

func TestNextCommand(t *testing.T) {
	store := newFakeStore(model.Calendar{ID: "cal-1", Name: "calbot"})
	for i := 0; i < 7; i++ {
		store.tasks["cal-1"] = append(store.tasks["cal-1"], model.Task{
			ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("task %d", i), Start: testNow.Add(time.Duration(i+1) * time.Hour),
		})
	}
	h := newHarness(store)
	h.auth.authorized[1] = true

	h.text(t, 1, "/next")
	text := h.out.lastSend(t).text
	if !strings.Contains(text, "task 0") || !strings.Contains(text, "task 4") || strings.Contains(text, "task 5") {
		t.Errorf("upcoming: %q", text)
	}
}

func TestResolveCalendarCreatesOnce(t *testing.T) {
	store := newFakeStore()
	h := newHarness(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.d.resolveCalendar(context.Background(), &turn{ev: Event{UserID: 1}}); err != nil {
				t.Errorf("resolveCalendar: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.createdCalendars != 1 {
		t.Errorf("created %d calendars", store.createdCalendars)
	}
	if ref := h.state(t, 1).CalendarRef; ref != "created-1" {
		t.Errorf("ref: %q", ref)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, name, args string
		ok             bool
	}{
		{"/add", "add", "", true},
		{"  /TZ  Europe/Berlin ", "tz", "Europe/Berlin", true},
		{"/list@calbot_bot", "list", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, c := range cases {
		name, args, ok := parseCommand(c.in)
		if name != c.name || args != c.args || ok != c.ok {
			t.Errorf("parseCommand(%q) = %q %q %v", c.in, name, args, ok)
		}
	}
}
