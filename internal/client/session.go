package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/editsync"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/streaming"
)

// ErrSubscriptionRejected is returned by UpdatePosition after the server
// refused the region subscription sent with an earlier update.
var ErrSubscriptionRejected = errors.New("region subscription rejected")

// SessionConfig configures a Session.
type SessionConfig struct {
	ServerURL      string
	Level          string
	DrawDistance   int
	MaxBatchSize   int
	Debounce       time.Duration
	RequestTimeout time.Duration

	// Store holds the offline queue. It must outlive the session.
	Store     kvstore.Store
	Scheduler editsync.Scheduler
	Profiler  *performance.Profiler

	// OnEvent, if set, is called for every broadcast after the cache has
	// been updated.
	OnEvent func(event string, data json.RawMessage)
}

// StreamUpdate reports what one position update did to the cache.
type StreamUpdate struct {
	Chunk     chunkmap.ChunkCoord
	Requested []chunkmap.ChunkCoord
	Evicted   []chunkmap.ChunkCoord
	Regions   []chunkmap.RegionCoord
}

// Session is the client side of one player on one level. It owns the chunk
// cache and the edit batcher and shares the level's offline queue.
type Session struct {
	cfg       SessionConfig
	cache     *streaming.Cache
	transport *HTTPTransport
	queue     *editsync.OfflineQueue

	mu        sync.Mutex
	conn      *Conn
	batcher   *editsync.Batcher
	username  string
	seeds     protocol.TerrainSeeds
	lastChunk *chunkmap.ChunkCoord

	// subErr is set from the read loop, so it has its own lock.
	subMu  sync.Mutex
	subErr error
}

// NewSession validates cfg and builds an unconnected session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Level == "" {
		return nil, errors.New("session requires a level")
	}
	if cfg.Store == nil {
		return nil, errors.New("session requires a store for the offline queue")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	cache, err := streaming.NewCache(cfg.DrawDistance)
	if err != nil {
		return nil, err
	}
	transport, err := NewHTTPTransport(cfg.ServerURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		cache:     cache,
		transport: transport,
		queue:     editsync.NewOfflineQueue(cfg.Store, transport),
	}, nil
}

// Connect opens the socket, replays the offline queue of the level and
// only then starts accepting new edits.
func (s *Session) Connect(ctx context.Context) (protocol.Connected, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Welcome(), nil
	}
	return s.connectLocked(ctx)
}

// Reconnect drops the current socket, keeps every unconfirmed edit and
// connects again. The backlog is replayed before any new edit is sent and
// the cache is emptied so chunks are re-fetched from the server.
func (s *Session) Reconnect(ctx context.Context) (protocol.Connected, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batcher != nil {
		// Pending edits go to the server or, failing that, to the queue.
		if _, err := s.batcher.Flush(ctx); err != nil {
			log.Printf("[Session] flush before reconnect: %v", err)
		}
		s.batcher.Cancel()
		s.batcher = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("[Session] close before reconnect: %v", err)
		}
		s.conn = nil
	}
	s.cache.Clear()
	s.lastChunk = nil
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) (protocol.Connected, error) {
	conn, err := Dial(ctx, s.cfg.ServerURL, s.cfg.Level, Events{
		WorldState: s.handleWorldState,
		Broadcast:  s.handleBroadcast,
		Error:      s.handleServerError,
	})
	if err != nil {
		return protocol.Connected{}, err
	}
	welcome := conn.Welcome()
	s.transport.SetToken(welcome.Token)

	op := s.cfg.Profiler.Start("client.offline_sync")
	res, err := s.queue.Sync(ctx, welcome.Username, s.cfg.Level)
	op.Done(err)
	if err != nil {
		// Entries stay queued; the next flush merges behind them.
		log.Printf("[Session] offline sync on connect: %v", err)
	} else if res.Sent > 0 {
		log.Printf("[Session] replayed %d offline modifications (%d remaining)", res.Accepted, res.Remaining)
	}

	batcher, err := editsync.NewBatcher(editsync.BatcherConfig{
		Username:     welcome.Username,
		Level:        s.cfg.Level,
		MaxBatchSize: s.cfg.MaxBatchSize,
		Debounce:     s.cfg.Debounce,
		Transport:    s.transport,
		Queue:        s.queue,
		Scheduler:    s.cfg.Scheduler,
		Profiler:     s.cfg.Profiler,
	})
	if err != nil {
		_ = conn.Close()
		return protocol.Connected{}, err
	}

	s.conn = conn
	s.batcher = batcher
	s.username = welcome.Username
	s.seeds = welcome.TerrainSeeds
	log.Printf("[Session] connected to %s as %s", s.cfg.Level, s.username)
	return welcome, nil
}

// Username returns the name assigned by the server, or "" before Connect.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Seeds returns the terrain seeds of the level.
func (s *Session) Seeds() protocol.TerrainSeeds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeds
}

// Cache exposes the chunk cache.
func (s *Session) Cache() *streaming.Cache { return s.cache }

// Queue exposes the offline queue.
func (s *Session) Queue() *editsync.OfflineQueue { return s.queue }

// UpdatePosition moves the player: it reports the position, requests the
// chunks that became required, evicts the distant ones and, when the player
// changed chunk, replaces the region subscription.
func (s *Session) UpdatePosition(pos protocol.Vec3) (StreamUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return StreamUpdate{}, ErrNotConnected
	}

	op := s.cfg.Profiler.Start("client.update_position")
	update, err := s.streamLocked(pos)
	op.Done(err)
	return update, err
}

func (s *Session) streamLocked(pos protocol.Vec3) (StreamUpdate, error) {
	chunk := pos.Chunk()
	update := StreamUpdate{Chunk: chunk}

	// a refused subscription is retried on this update and reported once
	rejected := s.takeSubscriptionErr()
	if rejected != nil {
		s.lastChunk = nil
	}

	if err := s.conn.Move(pos); err != nil {
		return update, err
	}

	required := s.cache.RequiredChunks(chunk.X, chunk.Z)
	missing := s.cache.MissingChunks(required)
	s.cache.MarkPending(missing)
	for _, coord := range missing {
		if err := s.conn.RequestChunk(coord); err != nil {
			return update, fmt.Errorf("request chunk %s: %w", coord.Key(), err)
		}
	}
	update.Requested = missing

	update.Evicted = s.cache.UnloadDistantChunks(chunk.X, chunk.Z)
	if len(update.Evicted) > 0 {
		log.Printf("[Stream] unloaded %d chunks around %s", len(update.Evicted), chunk.Key())
	}

	if s.lastChunk == nil || *s.lastChunk != chunk {
		update.Regions = s.cache.RequiredRegions(chunk.X, chunk.Z)
		if err := s.conn.SubscribeRegions(update.Regions); err != nil {
			return update, err
		}
		s.lastChunk = &chunk
	}
	return update, rejected
}

// PlaceBlock queues a place edit and applies it to the cached chunk.
func (s *Session) PlaceBlock(ctx context.Context, pos protocol.Position, blockType int) (protocol.Modification, error) {
	return s.edit(ctx, pos, &blockType, protocol.ActionPlace)
}

// RemoveBlock queues a remove edit and applies it to the cached chunk.
func (s *Session) RemoveBlock(ctx context.Context, pos protocol.Position) (protocol.Modification, error) {
	return s.edit(ctx, pos, nil, protocol.ActionRemove)
}

func (s *Session) edit(ctx context.Context, pos protocol.Position, blockType *int, action protocol.Action) (protocol.Modification, error) {
	s.mu.Lock()
	batcher := s.batcher
	s.mu.Unlock()
	if batcher == nil {
		return protocol.Modification{}, ErrNotConnected
	}

	mod, err := batcher.Add(ctx, pos, blockType, action)
	if errors.Is(err, editsync.ErrInvalidModification) {
		return mod, err
	}
	s.cache.ApplyModification(mod)
	return mod, err
}

// Pending returns the number of edits waiting for the next flush.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batcher == nil {
		return 0
	}
	return len(s.batcher.Pending())
}

// Flush sends the pending edits now.
func (s *Session) Flush(ctx context.Context) (editsync.FlushResult, error) {
	s.mu.Lock()
	batcher := s.batcher
	s.mu.Unlock()
	if batcher == nil {
		return editsync.FlushResult{}, ErrNotConnected
	}
	return batcher.Flush(ctx)
}

// SyncOffline replays the offline queue of the level.
func (s *Session) SyncOffline(ctx context.Context) (editsync.SyncResult, error) {
	s.mu.Lock()
	username := s.username
	s.mu.Unlock()
	if username == "" {
		return editsync.SyncResult{}, ErrNotConnected
	}
	return s.queue.Sync(ctx, username, s.cfg.Level)
}

// Clear resets the session for logout or a level switch. The unflushed
// batch is dropped without being persisted; the offline queue is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batcher != nil {
		s.batcher.Cancel()
		s.batcher = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("[Session] close on clear: %v", err)
		}
		s.conn = nil
	}
	s.cache.Clear()
	s.username = ""
	s.seeds = protocol.TerrainSeeds{}
	s.lastChunk = nil
	s.transport.SetToken("")
}

// Close flushes pending edits and disconnects.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flushErr error
	if s.batcher != nil {
		_, flushErr = s.batcher.Flush(ctx)
		s.batcher.Cancel()
		s.batcher = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
		s.conn = nil
	}
	return flushErr
}

// Disconnected is closed when the current socket drops. It returns nil
// when the session is not connected.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Done()
}

func (s *Session) handleServerError(msg protocol.ErrorMessage) {
	if msg.Code != protocol.CodeInvalidSubscription {
		log.Printf("[Session] server error %s: %s", msg.Code, msg.Error)
		return
	}
	log.Printf("[Stream] region subscription refused: %s", msg.Error)
	s.subMu.Lock()
	s.subErr = fmt.Errorf("%w: %s", ErrSubscriptionRejected, msg.Error)
	s.subMu.Unlock()
}

func (s *Session) takeSubscriptionErr() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	err := s.subErr
	s.subErr = nil
	return err
}

func (s *Session) handleWorldState(state protocol.WorldState) {
	if !s.cache.StorePending(state.ChunkX, state.ChunkZ, state.Blocks) {
		log.Printf("[Stream] dropped late chunk %d,%d", state.ChunkX, state.ChunkZ)
	}
}

func (s *Session) handleBroadcast(event string, data json.RawMessage) {
	if event == protocol.EventBlockUpdate {
		var ev protocol.BlockUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[Session] bad block-update: %v", err)
			return
		}
		s.cache.ApplyModification(ev.Modification)
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(event, data)
	}
}
