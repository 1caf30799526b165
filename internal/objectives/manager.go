// Package objectives assembles the "objectives and recent progress" summary
// that steers the instruction generator and the notification decider.
package objectives

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/sidekick/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	ListObjectives(activeOnly bool) ([]storage.Objective, error)
	ObjectiveEventsSince(since time.Time) ([]storage.ObjectiveEvent, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides a cached textual summary of active objectives and their
// recent progress.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   string
	hasCache bool
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		clock: realClock{},
		ttl:   60 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
	}
}

// Summary returns one line per active objective with its cadence and the
// number of progress check-ins inside the cadence window. Returns an empty
// string when no objectives are configured.
func (m *Manager) Summary() (string, error) {
	m.mu.RLock()
	if m.hasCache && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := m.cached
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCache && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return m.cached, nil
	}

	s, err := m.build()
	if err != nil {
		return "", err
	}
	m.cached = s
	m.hasCache = true
	m.cachedAt = m.clock.Now()
	return s, nil
}

// Invalidate drops the cache. Called after objectives or events change.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.hasCache = false
	m.mu.Unlock()
}

func (m *Manager) build() (string, error) {
	objs, err := m.store.ListObjectives(true)
	if err != nil {
		return "", fmt.Errorf("listing objectives: %w", err)
	}
	if len(objs) == 0 {
		return "", nil
	}

	now := m.clock.Now()
	// One query covers both cadences; daily counts filter in memory.
	events, err := m.store.ObjectiveEventsSince(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		return "", fmt.Errorf("loading objective events: %w", err)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dailyCount := make(map[string]int)
	weeklyCount := make(map[string]int)
	for _, ev := range events {
		weeklyCount[ev.ObjectiveID]++
		if !ev.CreatedAt.Before(dayStart) {
			dailyCount[ev.ObjectiveID]++
		}
	}

	var sb strings.Builder
	for i, o := range objs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		var progress string
		if o.Cadence == storage.CadenceWeekly {
			progress = fmt.Sprintf("%d check-ins this week", weeklyCount[o.ID])
		} else {
			progress = fmt.Sprintf("%d check-ins today", dailyCount[o.ID])
		}
		fmt.Fprintf(&sb, "- %s (%s): %s", o.Title, o.Cadence, progress)
		if o.Detail != "" {
			fmt.Fprintf(&sb, " — %s", o.Detail)
		}
	}
	return sb.String(), nil
}
