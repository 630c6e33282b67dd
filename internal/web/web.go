package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/model"
	"calbot/internal/reminder"
)

// SessionLister exposes the session registry.
type SessionLister interface {
	Snapshot() []model.Session
}

// PollerStatus exposes the reminder poller.
type PollerStatus interface {
	Status() reminder.Status
}

// TaskLister is the read side of the task store.
type TaskLister interface {
	ListCalendars(ctx context.Context, userID int64) ([]model.Calendar, error)
	Query(ctx context.Context, userID int64, calendarID string, from, to time.Time) ([]model.Task, error)
}

// Server serves the health check, the OAuth redirect page and a small
// read-only status API.
type Server struct {
	cfg      *config.Config
	debug    bool
	mux      *http.ServeMux
	sessions SessionLister
	poller   PollerStatus
	tasks    TaskLister

	// In-memory cache for /api/tasks responses, keyed by the query string,
	// so dashboards polling the API do not hit the calendar backend.
	tasksMu    sync.RWMutex
	tasksCache map[string]*tasksCache
}

// NewServer constructs a new Server. poller and tasks may be nil; their
// endpoints then answer 503.
func NewServer(cfg *config.Config, debug bool, sessions SessionLister, poller PollerStatus, tasks TaskLister) *Server {
	s := &Server{
		cfg:        cfg,
		debug:      debug,
		mux:        http.NewServeMux(),
		sessions:   sessions,
		poller:     poller,
		tasks:      tasks,
		tasksCache: make(map[string]*tasksCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password leaves the API open.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware protects /api/*. The health check and the OAuth
// redirect page stay public: Google sends the user's browser there.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/oauth/callback" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calbot", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves s on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func StartServer(ctx context.Context, s *Server) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "debug", s.debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/poller", s.handlePoller)
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>calbot</title></head>
<body>
{{if .Error}}<p>Authorization failed: {{.Error}}</p><p>Send /auth to the bot to try again.</p>
{{else}}<p>Send this code to the bot:</p><pre>{{.Code}}</pre>
{{end}}</body></html>
`))

// handleOAuthCallback is the OAuth redirect target. It only displays the
// code; the user pastes it into the chat, where the dialog exchanges it.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := struct{ Code, Error string }{
		Code:  q.Get("code"),
		Error: q.Get("error"),
	}
	status := http.StatusOK
	if data.Error == "" && data.Code == "" {
		data.Error = "no authorization code in the request"
		status = http.StatusBadRequest
	}
	if data.Error != "" {
		appLog.Warn("oauth callback without code", "error", data.Error, "state", q.Get("state"))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, data); err != nil {
		appLog.Error("render oauth callback page failed", err)
	}
}

// sessionDTO is the JSON view of a session. The draft name stays private.
type sessionDTO struct {
	UserID           int64     `json:"user_id"`
	State            string    `json:"state"`
	HasDraft         bool      `json:"has_draft"`
	Timezone         string    `json:"timezone"`
	TimezoneDeclared bool      `json:"timezone_declared"`
	CalendarRef      string    `json:"calendar_ref"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// handleSessions lists every known session.
//
// GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	snap := s.sessions.Snapshot()
	out := make([]sessionDTO, 0, len(snap))
	for _, sess := range snap {
		out = append(out, sessionDTO{
			UserID:           sess.UserID,
			State:            string(sess.State),
			HasDraft:         sess.DraftTaskName != "",
			Timezone:         sess.TimezoneName,
			TimezoneDeclared: sess.TimezoneDeclared,
			CalendarRef:      sess.CalendarRef,
			UpdatedAt:        sess.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoller(w http.ResponseWriter, _ *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not running")
		return
	}
	writeJSON(w, http.StatusOK, s.poller.Status())
}

// tasksResponse is the JSON response shape for /api/tasks.
type tasksResponse struct {
	UserID          int64     `json:"user_id"`
	Tasks           []taskDTO `json:"tasks"`
	RangeStart      time.Time `json:"range_start"`
	RangeEnd        time.Time `json:"range_end"`
	DisplayTimeZone string    `json:"display_timezone"`
}

type taskDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CalendarID string    `json:"calendar_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitzero"`
}

// tasksCache holds a cached /api/tasks response and its timestamp.
type tasksCache struct {
	resp      tasksResponse
	updatedAt time.Time
}

// handleTasks returns one user's tasks across all calendars, in the user's
// zone.
//
// GET /api/tasks?user=123&days=7&backfill=1
//   - days:     how many days ahead to include (default 7)
//   - backfill: how many past days to include (default 0)
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil || s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "task store unavailable")
		return
	}
	ctx := r.Context()

	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user must be a numeric id")
		return
	}
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 0)
	if backfill < 0 {
		backfill = 0
	}

	const tasksCacheTTL = 30 * time.Second
	key := strconv.FormatInt(userID, 10) + ":" + strconv.Itoa(days) + ":" + strconv.Itoa(backfill)

	s.tasksMu.RLock()
	tc := s.tasksCache[key]
	s.tasksMu.RUnlock()
	if tc != nil && time.Since(tc.updatedAt) < tasksCacheTTL {
		writeJSON(w, http.StatusOK, tc.resp)
		return
	}

	sess, ok := findSession(s.sessions.Snapshot(), userID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	loc := sess.Location()
	now := time.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	rangeStart := today.AddDate(0, 0, -backfill)
	rangeEnd := today.AddDate(0, 0, days)

	cals, err := s.tasks.ListCalendars(ctx, userID)
	if err != nil {
		appLog.Error("api tasks: list calendars failed", err, "user_id", userID)
		writeError(w, http.StatusBadGateway, "failed to list calendars")
		return
	}

	var errs []error
	dtos := make([]taskDTO, 0)
	for _, c := range cals {
		tasks, err := s.tasks.Query(ctx, userID, c.ID, rangeStart, rangeEnd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tasks {
			dtos = append(dtos, taskDTO{
				ID:         t.ID,
				Name:       t.Name,
				CalendarID: c.ID,
				Start:      t.Start.In(loc),
				End:        t.End,
			})
		}
	}
	if len(errs) > 0 {
		appLog.Error("api tasks: one or more calendars failed", errorsAggregate(errs), "error_count", len(errs))
	}

	resp := tasksResponse{
		UserID:          userID,
		Tasks:           dtos,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}

	s.tasksMu.Lock()
	s.tasksCache[key] = &tasksCache{resp: resp, updatedAt: time.Now()}
	s.tasksMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func findSession(sessions []model.Session, userID int64) (model.Session, bool) {
	for _, s := range sessions {
		if s.UserID == userID {
			return s, true
		}
	}
	return model.Session{}, false
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

func errorsAggregate(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var b strings.Builder
	for i, e := range errs {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Error())
	}
	return errors.New(b.String())
}
