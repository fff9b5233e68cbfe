package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockhaven/world/internal/api"
	"github.com/blockhaven/world/internal/auth"
	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/config"
	"github.com/blockhaven/world/internal/editsync"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/testutil"
	"github.com/blockhaven/world/internal/world"
)

type testServer struct {
	*httptest.Server
	world *world.Service
	// down makes edit submissions fail with 503.
	down atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Environment: "test"},
		Auth: config.AuthConfig{
			SessionSecret:   "client_test_secret_that_is_long_enough",
			TokenExpiration: time.Hour,
			RequireToken:    true,
		},
		World: config.WorldConfig{SubmitRateLimit: "1000-S"},
	}
	store := kvstore.NewMemory()
	levels := []world.Level{{Name: "meadow", Seed: 42}}
	svc, err := world.NewService(world.Config{
		Seeds:  world.NewKVSeedStore(store, levels),
		Chunks: world.NewKVChunkStore(store),
		Levels: levels,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	hub := api.NewWebSocketHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	router, err := api.NewRouter(api.Dependencies{
		Config: cfg,
		World:  svc,
		Tokens: auth.NewTokenService(cfg.Auth),
		Hub:    hub,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	ts := &testServer{world: svc}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.down.Load() && r.URL.Path == "/api/modifications" {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) blocks(t *testing.T, chunk chunkmap.ChunkCoord) []protocol.Block {
	t.Helper()
	state, err := ts.world.ChunkState(context.Background(), "meadow", chunk)
	if err != nil {
		t.Fatalf("ChunkState failed: %v", err)
	}
	return state.Blocks
}

func newTestSession(t *testing.T, ts *testServer, store kvstore.Store) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		ServerURL:      ts.URL,
		Level:          "meadow",
		DrawDistance:   1,
		Debounce:       time.Second,
		RequestTimeout: 2 * time.Second,
		Store:          store,
		Scheduler:      editsync.NewManualScheduler(time.UnixMilli(1_000_000)),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func positions(blocks []protocol.Block) []protocol.Position {
	out := make([]protocol.Position, len(blocks))
	for i, b := range blocks {
		out[i] = b.Position
	}
	return out
}

func TestSessionConnect(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(t, ts, kvstore.NewMemory())

	welcome, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if welcome.Username != "Player1" || s.Username() != "Player1" {
		t.Fatalf("username = %q / %q", welcome.Username, s.Username())
	}
	if s.Seeds() != world.GenerateSeeds(42) {
		t.Fatalf("seeds = %+v, want the level's derived seeds", s.Seeds())
	}
	if welcome.Token == "" {
		t.Fatal("expected a session token")
	}
}

func TestSessionNotConnected(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(t, ts, kvstore.NewMemory())

	if _, err := s.UpdatePosition(protocol.Vec3{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("UpdatePosition error = %v, want ErrNotConnected", err)
	}
	if _, err := s.PlaceBlock(context.Background(), protocol.Position{Y: 1}, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PlaceBlock error = %v, want ErrNotConnected", err)
	}
	if _, err := s.SyncOffline(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SyncOffline error = %v, want ErrNotConnected", err)
	}
}

func TestSessionStreamsChunks(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.world.ApplyBatch(context.Background(), "builder", "meadow", []protocol.Modification{
		testutil.Place(20, 64, 3, 5, 1),
	}); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	s := newTestSession(t, ts, kvstore.NewMemory())
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	update, err := s.UpdatePosition(protocol.Vec3{X: 8, Y: 64, Z: 8})
	if err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	if len(update.Requested) != 25 {
		t.Fatalf("requested %d chunks, want 25", len(update.Requested))
	}
	if len(update.Regions) != 4 {
		t.Fatalf("subscribed %d regions, want 4: %+v", len(update.Regions), update.Regions)
	}
	waitFor(t, "chunks to load", func() bool { return s.Cache().Stats().Loaded == 25 })

	got := s.Cache().ChunkBlocks(1, 0)
	if len(got) != 1 || got[0].Position.X != 20 {
		t.Fatalf("chunk 1,0 = %+v", got)
	}

	again, err := s.UpdatePosition(protocol.Vec3{X: 9, Y: 64, Z: 9})
	if err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	if len(again.Requested) != 0 || again.Regions != nil {
		t.Fatalf("moving inside a chunk must not refetch or resubscribe: %+v", again)
	}

	far, err := s.UpdatePosition(protocol.Vec3{X: 160, Y: 64, Z: 8})
	if err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	if len(far.Evicted) != 25 {
		t.Fatalf("evicted %d chunks, want 25", len(far.Evicted))
	}
	if s.Cache().IsChunkLoaded(0, 0) {
		t.Fatal("origin chunk should have been evicted")
	}
}

func TestSessionEditsReachServerAndPeers(t *testing.T) {
	ts := newTestServer(t)
	editor := newTestSession(t, ts, kvstore.NewMemory())
	watcher := newTestSession(t, ts, kvstore.NewMemory())
	ctx := context.Background()

	for _, s := range []*Session{editor, watcher} {
		if _, err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if _, err := watcher.UpdatePosition(protocol.Vec3{X: 1, Y: 64, Z: 1}); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	waitFor(t, "watcher chunks", func() bool { return watcher.Cache().IsChunkLoaded(0, 0) })

	placed := []protocol.Position{{X: 1, Y: 64, Z: 1}, {X: 2, Y: 64, Z: 1}, {X: 3, Y: 64, Z: 1}}
	for _, pos := range placed {
		if _, err := editor.PlaceBlock(ctx, pos, 4); err != nil {
			t.Fatalf("PlaceBlock failed: %v", err)
		}
	}
	if _, err := editor.RemoveBlock(ctx, placed[1]); err != nil {
		t.Fatalf("RemoveBlock failed: %v", err)
	}
	if editor.Pending() != 4 {
		t.Fatalf("pending = %d, want 4", editor.Pending())
	}

	res, err := editor.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if res.Sent != 4 || res.Accepted != 4 || res.Queued != 0 {
		t.Fatalf("unexpected flush result %+v", res)
	}

	server := ts.blocks(t, chunkmap.ChunkCoord{})
	if len(server) != 3 || server[2].Position != placed[1] || server[2].BlockType != nil {
		t.Fatalf("server chunk = %+v", server)
	}

	waitFor(t, "peer cache update", func() bool {
		return len(watcher.Cache().ChunkBlocks(0, 0)) == 3
	})
}

func TestSessionOfflineEditsReplayOnReconnect(t *testing.T) {
	ts := newTestServer(t)
	store := kvstore.NewMemory()
	s := newTestSession(t, ts, store)
	ctx := context.Background()

	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ts.down.Store(true)
	first := protocol.Position{X: 5, Y: 10, Z: 5}
	second := protocol.Position{X: 6, Y: 10, Z: 5}
	if _, err := s.PlaceBlock(ctx, first, 1); err != nil {
		t.Fatalf("PlaceBlock failed: %v", err)
	}
	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("expected the batch queued offline, got %+v", res)
	}
	if _, err := s.PlaceBlock(ctx, second, 2); err != nil {
		t.Fatalf("PlaceBlock failed: %v", err)
	}

	ts.down.Store(false)
	if _, err := s.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	if n, _ := s.Queue().Len(ctx, "meadow"); n != 0 {
		t.Fatalf("offline queue still holds %d entries", n)
	}
	if store.Has(editsync.OfflineKey("meadow")) {
		t.Fatal("offline key should be deleted after a full sync")
	}
	got := positions(ts.blocks(t, chunkmap.ChunkCoord{}))
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("server order = %+v, want %v then %v", got, first, second)
	}
}

func TestSessionNewBatchMergesBehindBacklog(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(t, ts, kvstore.NewMemory())
	ctx := context.Background()

	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ts.down.Store(true)
	older := protocol.Position{X: 1, Y: 1, Z: 1}
	newer := protocol.Position{X: 1, Y: 1, Z: 1}
	if _, err := s.PlaceBlock(ctx, older, 1); err != nil {
		t.Fatalf("PlaceBlock failed: %v", err)
	}
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	ts.down.Store(false)
	if _, err := s.PlaceBlock(ctx, newer, 2); err != nil {
		t.Fatalf("PlaceBlock failed: %v", err)
	}
	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !res.Merged || res.Accepted != 2 {
		t.Fatalf("expected a merged replay of both edits, got %+v", res)
	}

	got := ts.blocks(t, chunkmap.ChunkCoord{})
	if len(got) != 1 || *got[0].BlockType != 2 {
		t.Fatalf("newest edit must win, got %+v", got)
	}
}

func TestSessionConnectSyncsExistingBacklog(t *testing.T) {
	ts := newTestServer(t)
	store := kvstore.NewMemory()
	ctx := context.Background()

	backlog := editsync.NewOfflineQueue(store, nil)
	if err := backlog.Append(ctx, "meadow", testutil.Modifications(0, 3)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	s := newTestSession(t, ts, store)
	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if n, _ := s.Queue().Len(ctx, "meadow"); n != 0 {
		t.Fatalf("backlog not replayed: %d entries left", n)
	}
	if got := ts.blocks(t, chunkmap.ChunkCoord{}); len(got) != 3 {
		t.Fatalf("server chunk = %+v", got)
	}
}

func TestSessionClearDropsUnflushedBatch(t *testing.T) {
	ts := newTestServer(t)
	store := kvstore.NewMemory()
	s := newTestSession(t, ts, store)
	ctx := context.Background()

	if _, err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := s.UpdatePosition(protocol.Vec3{}); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}
	if _, err := s.PlaceBlock(ctx, protocol.Position{X: 1, Y: 1, Z: 1}, 3); err != nil {
		t.Fatalf("PlaceBlock failed: %v", err)
	}

	s.Clear()

	if s.Pending() != 0 || s.Username() != "" {
		t.Fatalf("session not reset: pending=%d username=%q", s.Pending(), s.Username())
	}
	if stats := s.Cache().Stats(); stats.Loaded != 0 || stats.Pending != 0 {
		t.Fatalf("cache not cleared: %+v", stats)
	}
	if store.Has(editsync.OfflineKey("meadow")) {
		t.Fatal("cleared batch must not be persisted")
	}
	if got := ts.blocks(t, chunkmap.ChunkCoord{}); len(got) != 0 {
		t.Fatalf("cleared batch reached the server: %+v", got)
	}
	if _, err := s.PlaceBlock(ctx, protocol.Position{Y: 1}, 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PlaceBlock after Clear error = %v, want ErrNotConnected", err)
	}
}

func TestSessionRejectsInvalidEdit(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(t, ts, kvstore.NewMemory())
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := s.PlaceBlock(context.Background(), protocol.Position{Y: 999}, 1)
	if !errors.Is(err, editsync.ErrInvalidModification) {
		t.Fatalf("error = %v, want ErrInvalidModification", err)
	}
	if s.Pending() != 0 {
		t.Fatal("invalid edit must not be batched")
	}
}

func TestNewSessionValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SessionConfig
	}{
		{"missing level", SessionConfig{ServerURL: "http://localhost", DrawDistance: 1, Store: kvstore.NewMemory()}},
		{"missing store", SessionConfig{ServerURL: "http://localhost", Level: "meadow", DrawDistance: 1}},
		{"zero draw distance", SessionConfig{ServerURL: "http://localhost", Level: "meadow", Store: kvstore.NewMemory()}},
		{"bad url", SessionConfig{ServerURL: "ftp://x", Level: "meadow", DrawDistance: 1, Store: kvstore.NewMemory()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSession(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSessionReportsRefusedSubscription(t *testing.T) {
	ts := newTestServer(t)
	s := newTestSession(t, ts, kvstore.NewMemory())
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := s.UpdatePosition(protocol.Vec3{X: 8, Y: 64, Z: 8}); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}

	tooMany := make([]chunkmap.RegionCoord, 0, 300)
	for i := 0; i < 300; i++ {
		tooMany = append(tooMany, chunkmap.RegionCoord{X: i, Z: 0})
	}
	if err := s.conn.SubscribeRegions(tooMany); err != nil {
		t.Fatalf("SubscribeRegions failed: %v", err)
	}
	waitFor(t, "subscription refusal", func() bool {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		return s.subErr != nil
	})

	update, err := s.UpdatePosition(protocol.Vec3{X: 9, Y: 64, Z: 9})
	if !errors.Is(err, ErrSubscriptionRejected) {
		t.Fatalf("UpdatePosition error = %v, want ErrSubscriptionRejected", err)
	}
	if len(update.Regions) != 4 {
		t.Fatalf("expected the subscription to be resent, got %+v", update.Regions)
	}

	if _, err := s.UpdatePosition(protocol.Vec3{X: 10, Y: 64, Z: 10}); err != nil {
		t.Fatalf("refusal must be reported once, got %v", err)
	}
}
