package world

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry tracks active sessions and allocates their Player<N> names.
// N is the smallest number not held by another active session.
type Registry struct {
	mu         sync.RWMutex
	byNumber   map[int]*Session
	byID       map[string]*Session
	byUsername map[string]*Session
	byLevel    map[string]map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byNumber:   make(map[int]*Session),
		byID:       make(map[string]*Session),
		byUsername: make(map[string]*Session),
		byLevel:    make(map[string]map[string]*Session),
	}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 1
	for r.byNumber[n] != nil {
		n++
	}
	s.number = n
	s.Username = fmt.Sprintf("Player%d", n)

	r.byNumber[n] = s
	r.byID[s.ID] = s
	r.byUsername[s.Username] = s
	peers := r.byLevel[s.Level]
	if peers == nil {
		peers = make(map[string]*Session)
		r.byLevel[s.Level] = peers
	}
	peers[s.ID] = s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID[s.ID] != s {
		return
	}
	delete(r.byNumber, s.number)
	delete(r.byID, s.ID)
	delete(r.byUsername, s.Username)
	if peers := r.byLevel[s.Level]; peers != nil {
		delete(peers, s.ID)
		if len(peers) == 0 {
			delete(r.byLevel, s.Level)
		}
	}
}

// Lookup finds an active session by username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUsername[username]
	return s, ok
}

// Session finds an active session by id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Sessions returns the sessions of a level ordered by username number.
func (r *Registry) Sessions(level string) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byLevel[level]))
	for _, s := range r.byLevel[level] {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// broadcast enqueues msg on every session of level except exceptID for which
// accept (if set) returns true. Sends never block; a full peer queue drops
// the message for that peer only.
func (r *Registry) broadcast(level, exceptID string, msg []byte, accept func(*Session) bool) int {
	delivered := 0
	for _, peer := range r.Sessions(level) {
		if peer.ID == exceptID {
			continue
		}
		if accept != nil && !accept(peer) {
			continue
		}
		if peer.Enqueue(msg) {
			delivered++
			continue
		}
		log.Printf("[World] dropped message for %s: send queue full or closed", peer.Username)
	}
	return delivered
}
