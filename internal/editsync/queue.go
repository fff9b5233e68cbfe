package editsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/protocol"
)

// ErrSyncInProgress is returned when a sync for the same level is already running.
var ErrSyncInProgress = errors.New("offline sync already in progress")

// OfflineKey returns the storage key holding the queued edits of a level.
func OfflineKey(level string) string {
	return "offline_mods_" + level
}

// OfflineQueue is the durable, per-level backlog of edits that the server
// has not confirmed. Entries are kept oldest first.
type OfflineQueue struct {
	store     kvstore.Store
	transport Transport

	// batchLimit caps the entries sent in one submission.
	batchLimit int

	mu      sync.Mutex
	syncing map[string]bool
}

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Sent     int
	Accepted int
	// Dropped counts entries the server refused outright.
	Dropped   int
	Remaining int
}

// NewOfflineQueue creates a queue persisting to store and replaying through transport.
func NewOfflineQueue(store kvstore.Store, transport Transport) *OfflineQueue {
	return &OfflineQueue{
		store:      store,
		transport:  transport,
		batchLimit: protocol.MaxSubmissionSize,
		syncing:    make(map[string]bool),
	}
}

// Append adds mods after the existing entries of the level.
func (q *OfflineQueue) Append(ctx context.Context, level string, mods []protocol.Modification) error {
	if len(mods) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx, level)
	if err != nil {
		return err
	}
	entries = append(entries, mods...)
	if err := q.saveLocked(ctx, level, entries); err != nil {
		return err
	}
	log.Printf("[Sync] queued %d modifications offline for level %s (total %d)", len(mods), level, len(entries))
	return nil
}

// Entries returns the queued edits of a level, oldest first.
func (q *OfflineQueue) Entries(ctx context.Context, level string) ([]protocol.Modification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx, level)
}

// Len returns the number of queued edits of a level.
func (q *OfflineQueue) Len(ctx context.Context, level string) (int, error) {
	entries, err := q.Entries(ctx, level)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Sync replays the queued edits of a level, oldest first, in submissions of
// at most protocol.MaxSubmissionSize entries. Entries leave storage only once
// the server has confirmed them: each accepted submission trims its prefix,
// a partial failure keeps everything from failedAt onward and stops, and a
// transport failure stops with the rest left untouched.
//
// A submission the server refuses outright is split in half until the
// refused entry is isolated; a single refused entry is dropped, since
// resending it can never succeed and would block everything behind it.
func (q *OfflineQueue) Sync(ctx context.Context, username, level string) (SyncResult, error) {
	if username == "" || level == "" {
		return SyncResult{}, fmt.Errorf("sync offline modifications: username and level are required")
	}

	q.mu.Lock()
	if q.syncing[level] {
		q.mu.Unlock()
		return SyncResult{}, ErrSyncInProgress
	}
	entries, err := q.loadLocked(ctx, level)
	if err != nil {
		q.mu.Unlock()
		return SyncResult{}, err
	}
	if len(entries) == 0 {
		q.mu.Unlock()
		return SyncResult{}, nil
	}
	q.syncing[level] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.syncing, level)
		q.mu.Unlock()
	}()

	log.Printf("[Sync] replaying %d offline modifications for level %s", len(entries), level)

	var res SyncResult
	limit := q.batchLimit
	for len(entries) > 0 {
		n := min(len(entries), limit)
		res.Sent += n
		resp, err := q.transport.SubmitModifications(ctx, protocol.SubmitRequest{
			Username:      username,
			Level:         level,
			Modifications: entries[:n],
		})

		var rejected *RejectedError
		switch {
		case errors.As(err, &rejected) && n > 1:
			limit = n / 2
			log.Printf("[Sync] server refused %d entries for level %s, retrying in halves: %v", n, level, err)
			continue
		case errors.As(err, &rejected):
			log.Printf("[Sync] dropping offline modification at %d,%d,%d refused by server: %v",
				entries[0].Position.X, entries[0].Position.Y, entries[0].Position.Z, err)
			remaining, err := q.trim(ctx, level, 1)
			if err != nil {
				return res, err
			}
			res.Dropped++
			res.Remaining = remaining
			entries = entries[1:]
			limit = q.batchLimit
			continue
		case err != nil:
			res.Remaining = q.remaining(ctx, level, len(entries))
			log.Printf("[Sync] offline replay for level %s failed, keeping %d entries: %v", level, res.Remaining, err)
			return res, fmt.Errorf("sync offline modifications: %w", err)
		}

		accepted := acceptedCount(resp, n)
		remaining, err := q.trim(ctx, level, accepted)
		if err != nil {
			return res, err
		}
		res.Accepted += accepted
		res.Remaining = remaining
		if accepted < n {
			log.Printf("[Sync] server rejected offline modification %d of level %s, %d left", res.Accepted+res.Dropped, level, remaining)
			return res, nil
		}
		entries = entries[n:]
	}

	log.Printf("[Sync] offline replay for level %s: accepted=%d dropped=%d remaining=%d", level, res.Accepted, res.Dropped, res.Remaining)
	return res, nil
}

// trim removes the first n stored entries of a level and returns how many
// are left. Only appends can happen while a sync runs, so the entries the
// sync sent are still the stored prefix.
func (q *OfflineQueue) trim(ctx context.Context, level string, n int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.loadLocked(ctx, level)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return len(current), nil
	}
	n = min(n, len(current))
	remaining := current[n:]
	if len(remaining) == 0 {
		if err := q.store.Delete(ctx, OfflineKey(level)); err != nil {
			return len(current), fmt.Errorf("clear offline queue: %w", err)
		}
		return 0, nil
	}
	if err := q.saveLocked(ctx, level, remaining); err != nil {
		return len(current), err
	}
	return len(remaining), nil
}

func (q *OfflineQueue) remaining(ctx context.Context, level string, fallback int) int {
	n, err := q.Len(ctx, level)
	if err != nil {
		return fallback
	}
	return n
}

// acceptedCount is the length of the confirmed prefix of a sent batch.
// A rejection without a usable index confirms nothing.
func acceptedCount(resp protocol.SubmitResponse, sent int) int {
	if resp.OK {
		return sent
	}
	if resp.FailedAt == nil || *resp.FailedAt < 0 || *resp.FailedAt >= sent {
		return 0
	}
	return *resp.FailedAt
}

func (q *OfflineQueue) loadLocked(ctx context.Context, level string) ([]protocol.Modification, error) {
	raw, err := q.store.Get(ctx, OfflineKey(level))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	var entries []protocol.Modification
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode offline queue %s: %w", OfflineKey(level), err)
	}
	return entries, nil
}

func (q *OfflineQueue) saveLocked(ctx context.Context, level string, entries []protocol.Modification) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.store.Put(ctx, OfflineKey(level), raw); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	return nil
}
