// Package editsync batches local block edits, submits them to the server and
// keeps whatever the server has not confirmed in a durable offline queue.
package editsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
)

// DefaultDebounce is the quiet period after the last edit before a flush.
const DefaultDebounce = 1000 * time.Millisecond

// Transport submits a batch of modifications. A *RejectedError means the
// server refused the request as a whole; any other error means no usable
// response arrived. Per-item rejections come back in the response.
type Transport interface {
	SubmitModifications(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error)
}

// TransportError marks a submission that produced no server response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError marks a request the server refused outright and will keep
// refusing if it is resent unchanged.
type RejectedError struct {
	Status int
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("submission rejected (status %d): %v", e.Status, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ErrInvalidModification is returned by Add for an edit the server would reject outright.
var ErrInvalidModification = errors.New("invalid modification")

// BatcherConfig configures a Batcher.
type BatcherConfig struct {
	Username     string
	Level        string
	MaxBatchSize int
	Debounce     time.Duration
	Transport    Transport
	Queue        *OfflineQueue
	Scheduler    Scheduler
	Profiler     *performance.Profiler
}

// FlushResult reports what one flush did with the pending batch.
type FlushResult struct {
	Sent     int
	Accepted int
	Queued   int
	// Merged is set when the batch was appended behind an existing offline
	// backlog instead of being sent directly.
	Merged bool
}

// Batcher accumulates edits for one session and level and flushes them
// when the batch is full or after the debounce period.
type Batcher struct {
	username  string
	level     string
	maxBatch  int
	debounce  time.Duration
	transport Transport
	queue     *OfflineQueue
	scheduler Scheduler
	profiler  *performance.Profiler

	// flushMu orders flushes: a batch is not sent until the previous one
	// has been confirmed or queued.
	flushMu sync.Mutex

	mu            sync.Mutex
	batch         []protocol.Modification
	timer         Timer
	timerGen      uint64
	lastTimestamp int64
}

// NewBatcher validates cfg and returns a Batcher.
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Username == "" || cfg.Level == "" {
		return nil, fmt.Errorf("batcher requires username and level")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("batcher requires a transport")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = protocol.MaxBatchSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler
	}
	return &Batcher{
		username:  cfg.Username,
		level:     cfg.Level,
		maxBatch:  cfg.MaxBatchSize,
		debounce:  cfg.Debounce,
		transport: cfg.Transport,
		queue:     cfg.Queue,
		scheduler: cfg.Scheduler,
		profiler:  cfg.Profiler,
	}, nil
}

// Add appends an edit to the pending batch. Reaching the batch cap flushes
// synchronously; otherwise the debounce timer is restarted.
func (b *Batcher) Add(ctx context.Context, pos protocol.Position, blockType *int, action protocol.Action) (protocol.Modification, error) {
	if err := checkModification(pos, blockType, action); err != nil {
		return protocol.Modification{}, err
	}

	b.mu.Lock()
	ts := b.scheduler.Now().UnixMilli()
	if ts < b.lastTimestamp {
		ts = b.lastTimestamp
	}
	b.lastTimestamp = ts

	mod := protocol.Modification{
		Position:        pos,
		BlockType:       copyBlockType(blockType),
		Action:          action,
		ClientTimestamp: ts,
	}
	b.batch = append(b.batch, mod)
	b.stopTimerLocked()

	if len(b.batch) >= b.maxBatch {
		b.mu.Unlock()
		if _, err := b.Flush(ctx); err != nil {
			return mod, err
		}
		return mod, nil
	}

	gen := b.timerGen
	b.timer = b.scheduler.AfterFunc(b.debounce, func() { b.fire(gen) })
	b.mu.Unlock()
	return mod, nil
}

// Pending returns a copy of the unflushed batch.
func (b *Batcher) Pending() []protocol.Modification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Modification, len(b.batch))
	copy(out, b.batch)
	return out
}

// Cancel drops the pending batch and its timer without sending anything.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.batch = nil
}

// Flush sends the pending batch. Whatever the server does not confirm ends
// up in the offline queue; the returned error is only set when that could
// not be done.
func (b *Batcher) Flush(ctx context.Context) (FlushResult, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.stopTimerLocked()
	if len(b.batch) == 0 {
		b.mu.Unlock()
		return FlushResult{}, nil
	}
	batch := b.batch
	b.batch = nil
	b.mu.Unlock()

	op := b.profiler.Start("editsync.flush")
	defer op.End()

	if res, merged := b.mergeAhead(ctx, batch); merged {
		return res, nil
	}

	res := FlushResult{Sent: len(batch)}
	resp, err := b.transport.SubmitModifications(ctx, protocol.SubmitRequest{
		Username:      b.username,
		Level:         b.level,
		Modifications: batch,
	})
	if err != nil {
		log.Printf("[Sync] submit of %d modifications failed: %v", len(batch), err)
		return b.persist(ctx, res, batch)
	}

	res.Accepted = acceptedCount(resp, len(batch))
	if res.Accepted == len(batch) {
		return res, nil
	}
	log.Printf("[Sync] server rejected modification %d of %d", res.Accepted, len(batch))
	return b.persist(ctx, res, batch[res.Accepted:])
}

// mergeAhead keeps ordering behind an existing backlog: the new batch is
// queued after it and the whole queue is replayed.
func (b *Batcher) mergeAhead(ctx context.Context, batch []protocol.Modification) (FlushResult, bool) {
	if b.queue == nil {
		return FlushResult{}, false
	}
	n, err := b.queue.Len(ctx, b.level)
	if err != nil || n == 0 {
		return FlushResult{}, false
	}
	if err := b.queue.Append(ctx, b.level, batch); err != nil {
		log.Printf("[Sync] could not queue batch behind backlog, sending directly: %v", err)
		return FlushResult{}, false
	}

	res := FlushResult{Queued: len(batch), Merged: true}
	synced, err := b.queue.Sync(ctx, b.username, b.level)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		log.Printf("[Sync] backlog replay already running, batch of %d waits for next sync", len(batch))
	case err != nil:
		log.Printf("[Sync] backlog replay failed: %v", err)
	default:
		res.Sent = synced.Sent
		res.Accepted = synced.Accepted
	}
	return res, true
}

func (b *Batcher) persist(ctx context.Context, res FlushResult, mods []protocol.Modification) (FlushResult, error) {
	if b.queue == nil {
		return res, fmt.Errorf("dropped %d modifications: no offline queue", len(mods))
	}
	if err := b.queue.Append(ctx, b.level, mods); err != nil {
		return res, fmt.Errorf("persist %d modifications: %w", len(mods), err)
	}
	res.Queued = len(mods)
	return res, nil
}

func (b *Batcher) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.timerGen || b.timer == nil {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()

	if _, err := b.Flush(context.Background()); err != nil {
		log.Printf("[Sync] debounced flush: %v", err)
	}
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

func checkModification(pos protocol.Position, blockType *int, action protocol.Action) error {
	switch action {
	case protocol.ActionPlace:
		if blockType == nil {
			return fmt.Errorf("%w: place requires a block type", ErrInvalidModification)
		}
	case protocol.ActionRemove:
		if blockType != nil {
			return fmt.Errorf("%w: remove must not carry a block type", ErrInvalidModification)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidModification, action)
	}
	if err := chunkmap.ValidateBlockY(pos.Y); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModification, err)
	}
	return nil
}

func copyBlockType(bt *int) *int {
	if bt == nil {
		return nil
	}
	v := *bt
	return &v
}
