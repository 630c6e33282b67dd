package ics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"calbot/internal/config"
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

const (
	subscriptionPrefix = "sub-"
	// DefaultSubscriptionTTL bounds how often a feed is re-fetched. The
	// reminder poller queries every few seconds; feeds change far less often.
	DefaultSubscriptionTTL = 5 * time.Minute
)

// Subscriptions exposes configured ICS feeds as read-only calendars shared by
// every user.
type Subscriptions struct {
	fetcher *Fetcher
	sources map[string]Source // keyed by calendar id
	order   []string
	ttl     time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]subscriptionCache
}

type subscriptionCache struct {
	tasks     []model.Task
	fetchedAt time.Time
}

// NewSubscriptions builds the subscription set from config entries. Entries
// without a URL are ignored.
func NewSubscriptions(fetcher *Fetcher, entries []config.ICSConfig, ttl time.Duration) *Subscriptions {
	if ttl <= 0 {
		ttl = DefaultSubscriptionTTL
	}
	s := &Subscriptions{
		fetcher: fetcher,
		sources: make(map[string]Source),
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]subscriptionCache),
	}
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		id := e.ID
		if id == "" {
			id = e.URL
		}
		name := e.Name
		if name == "" {
			name = id
		}
		calID := subscriptionPrefix + sanitizeID(id)
		if _, dup := s.sources[calID]; dup {
			appLog.Warn("duplicate ics subscription id ignored", "id", id)
			continue
		}
		s.sources[calID] = Source{ID: id, Name: name, URL: e.URL}
		s.order = append(s.order, calID)
	}
	return s
}

// Owns reports whether calendarID names a subscription.
func (s *Subscriptions) Owns(calendarID string) bool {
	_, ok := s.sources[calendarID]
	return ok
}

func (s *Subscriptions) Calendars() []model.Calendar {
	out := make([]model.Calendar, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, model.Calendar{ID: id, Name: s.sources[id].Name, ReadOnly: true})
	}
	return out
}

// Tasks returns the cached tasks of a subscription, re-fetching once the
// TTL has passed. A failed refresh keeps serving the previous tasks.
func (s *Subscriptions) Tasks(ctx context.Context, calendarID string) ([]model.Task, error) {
	src, ok := s.sources[calendarID]
	if !ok {
		return nil, fmt.Errorf("ics: subscription %s: %w", calendarID, model.ErrNotFound)
	}

	s.mu.RLock()
	c, cached := s.cache[calendarID]
	s.mu.RUnlock()
	if cached && s.now().Sub(c.fetchedAt) < s.ttl {
		return c.tasks, nil
	}

	res, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		if cached {
			appLog.Error("ics subscription refresh failed; serving stale tasks", err, "id", src.ID)
			return c.tasks, nil
		}
		return nil, fmt.Errorf("ics: fetch %s: %w", src.ID, err)
	}
	tasks, err := ParseTasks(calendarID, res.Body)
	if err != nil {
		if cached {
			appLog.Error("ics subscription parse failed; serving stale tasks", err, "id", src.ID)
			return c.tasks, nil
		}
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	s.mu.Lock()
	s.cache[calendarID] = subscriptionCache{tasks: tasks, fetchedAt: s.now()}
	s.mu.Unlock()
	return tasks, nil
}

// Warm fetches every feed once, typically at startup.
func (s *Subscriptions) Warm(ctx context.Context) {
	sources := make([]Source, 0, len(s.order))
	for _, id := range s.order {
		sources = append(sources, s.sources[id])
	}
	results, errs := s.fetcher.FetchAll(ctx, sources)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range results {
		calID := subscriptionPrefix + sanitizeID(res.Source.ID)
		tasks, err := ParseTasks(calID, res.Body)
		if err != nil {
			appLog.Error("ics subscription parse failed", err, "id", res.Source.ID)
			continue
		}
		s.cache[calID] = subscriptionCache{tasks: tasks, fetchedAt: s.now()}
	}
	appLog.Info("ics subscriptions warmed", "ok", len(results), "failed", len(errs))
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
