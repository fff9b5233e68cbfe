package streaming

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blockhaven/world/internal/chunkmap"
)

// MaxSubscribedRegions is the default bound on how many regions one session
// may watch.
const MaxSubscribedRegions = 256

// RegionBudget returns the largest region set a client with the given draw
// distance can require: the cover of a (4d+1)-chunk square at the worst
// alignment against region boundaries.
func RegionBudget(drawDistance int) int {
	if drawDistance < 1 {
		return 0
	}
	span := 4*drawDistance + 1
	side := (span+chunkmap.RegionSize-2)/chunkmap.RegionSize + 1
	return side * side
}

// Manager tracks which regions each server session is interested in.
type Manager struct {
	maxRegions int

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

// Subscription is one session's region interest set.
type Subscription struct {
	SessionID string
	Level     string
	Regions   []chunkmap.RegionCoord
	regionSet map[chunkmap.RegionCoord]struct{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegionDelta describes how a subscription changed.
type RegionDelta struct {
	SessionID string
	Added     []chunkmap.RegionCoord
	Removed   []chunkmap.RegionCoord
	Current   []chunkmap.RegionCoord
}

// NewManager builds a streaming manager. A session may watch at most
// maxRegions regions; zero or less selects MaxSubscribedRegions.
func NewManager(maxRegions int) *Manager {
	if maxRegions <= 0 {
		maxRegions = MaxSubscribedRegions
	}
	return &Manager{
		maxRegions:    maxRegions,
		subscriptions: make(map[string]*Subscription),
	}
}

// MaxRegions returns the per-session subscription bound.
func (m *Manager) MaxRegions() int { return m.maxRegions }

// UpdateRegions replaces the session's region set and returns the delta.
// Duplicate regions in the request are collapsed.
func (m *Manager) UpdateRegions(sessionID, level string, regions []chunkmap.RegionCoord) (*RegionDelta, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	next := dedupeRegions(regions)
	if len(next) > m.maxRegions {
		return nil, fmt.Errorf("too many regions: %d (max %d)", len(next), m.maxRegions)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	subscription, ok := m.subscriptions[sessionID]
	if !ok {
		subscription = &Subscription{
			SessionID: sessionID,
			Level:     level,
			CreatedAt: now,
		}
		m.subscriptions[sessionID] = subscription
	}
	if subscription.Level != level {
		// level switch: old interest is meaningless
		subscription.Level = level
		subscription.Regions = nil
	}

	added, removed := diffRegionSets(subscription.Regions, next)
	log.Printf("[Stream] UpdateRegions: session=%s level=%s old=%d new=%d added=%d removed=%d",
		sessionID, level, len(subscription.Regions), len(next), len(added), len(removed))

	subscription.Regions = next
	subscription.regionSet = make(map[chunkmap.RegionCoord]struct{}, len(next))
	for _, r := range next {
		subscription.regionSet[r] = struct{}{}
	}
	subscription.UpdatedAt = now

	return &RegionDelta{
		SessionID: sessionID,
		Added:     added,
		Removed:   removed,
		Current:   next,
	}, nil
}

// Interested reports whether the session should hear about activity in the
// given region. Sessions that never subscribed hear about everything.
func (m *Manager) Interested(sessionID string, region chunkmap.RegionCoord) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscription, ok := m.subscriptions[sessionID]
	if !ok || subscription.regionSet == nil {
		return true
	}
	_, ok = subscription.regionSet[region]
	return ok
}

// GetSubscription retrieves a subscription by session ID.
func (m *Manager) GetSubscription(sessionID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subscription, ok := m.subscriptions[sessionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", sessionID)
	}
	return subscription, nil
}

// Remove forgets the session's subscription.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, sessionID)
}

func dedupeRegions(regions []chunkmap.RegionCoord) []chunkmap.RegionCoord {
	seen := make(map[chunkmap.RegionCoord]struct{}, len(regions))
	out := make([]chunkmap.RegionCoord, 0, len(regions))
	for _, r := range regions {
		if _, exists := seen[r]; exists {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func diffRegionSets(previous, next []chunkmap.RegionCoord) (added []chunkmap.RegionCoord, removed []chunkmap.RegionCoord) {
	prevSet := make(map[chunkmap.RegionCoord]struct{}, len(previous))
	nextSet := make(map[chunkmap.RegionCoord]struct{}, len(next))

	for _, id := range previous {
		prevSet[id] = struct{}{}
	}
	for _, id := range next {
		nextSet[id] = struct{}{}
		if _, exists := prevSet[id]; !exists {
			added = append(added, id)
		}
	}
	for _, id := range previous {
		if _, exists := nextSet[id]; !exists {
			removed = append(removed, id)
		}
	}
	return
}
