package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/protocol"
)

func newTestService(t *testing.T, levels ...Level) *Service {
	t.Helper()
	store := kvstore.NewMemory()
	svc, err := NewService(Config{
		Seeds:      NewKVSeedStore(store, levels),
		Chunks:     NewKVChunkStore(store),
		Levels:     levels,
		SendBuffer: 16,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func subscribe(t *testing.T, svc *Service, level string) *Session {
	t.Helper()
	sess, err := svc.Subscribe(context.Background(), level)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func drain(t *testing.T, s *Session) []received {
	t.Helper()
	var out []received
	for {
		select {
		case msg, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var r received
			if err := json.Unmarshal(msg, &r); err != nil {
				t.Fatalf("bad message %s: %v", msg, err)
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func eventTypes(t *testing.T, msgs []received) []string {
	t.Helper()
	var types []string
	for _, m := range msgs {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			t.Fatalf("bad event %s: %v", m.Data, err)
		}
		types = append(types, ev.Type)
	}
	return types
}

func intPtr(v int) *int { return &v }

func TestSubscribeAllocatesSmallestFreeUsername(t *testing.T) {
	svc := newTestService(t)

	a := subscribe(t, svc, "meadow")
	b := subscribe(t, svc, "meadow")
	c := subscribe(t, svc, "caves")
	if a.Username != "Player1" || b.Username != "Player2" || c.Username != "Player3" {
		t.Fatalf("unexpected names %s %s %s", a.Username, b.Username, c.Username)
	}
	if a.ID == b.ID || a.ID == "" {
		t.Fatal("expected distinct non-empty session ids")
	}

	a.Close()
	d := subscribe(t, svc, "meadow")
	if d.Username != "Player1" {
		t.Fatalf("expected freed Player1 to be reused, got %s", d.Username)
	}
	if svc.Registry().Count() != 3 {
		t.Fatalf("expected 3 active sessions, got %d", svc.Registry().Count())
	}
}

func TestConcurrentSubscribeIsUnique(t *testing.T) {
	svc := newTestService(t)
	const n = 64

	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = svc.Subscribe(context.Background(), "meadow")
		}(i)
	}
	wg.Wait()

	names := make(map[string]bool)
	var seeds *protocol.TerrainSeeds
	for i, s := range sessions {
		if errs[i] != nil {
			t.Fatalf("Subscribe %d failed: %v", i, errs[i])
		}
		if names[s.Username] {
			t.Fatalf("duplicate username %s", s.Username)
		}
		names[s.Username] = true
		if seeds == nil {
			seeds = &s.Seeds
		} else if *seeds != s.Seeds {
			t.Fatalf("divergent seeds %+v vs %+v", *seeds, s.Seeds)
		}
	}
	for i := 1; i <= n; i++ {
		if !names[fmt.Sprintf("Player%d", i)] {
			t.Fatalf("expected Player%d to be allocated", i)
		}
	}
}

func TestSubscribeUnknownLevel(t *testing.T) {
	svc := newTestService(t, Level{Name: "meadow"})

	if _, err := svc.Subscribe(context.Background(), "caves"); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel, got %v", err)
	}
	if _, err := newTestService(t).Subscribe(context.Background(), "bad level!"); !errors.Is(err, ErrUnknownLevel) {
		t.Fatalf("expected ErrUnknownLevel for malformed name, got %v", err)
	}
}

func TestWelcomeCarriesSeeds(t *testing.T) {
	svc := newTestService(t, Level{Name: "meadow", Seed: 42})
	s := subscribe(t, svc, "meadow")

	w := s.Welcome()
	if w.Type != protocol.TypeConnected || w.Username != s.Username || w.SessionID != s.ID {
		t.Fatalf("unexpected welcome %+v", w)
	}
	if w.TerrainSeeds != GenerateSeeds(42) {
		t.Fatalf("expected seeds derived from 42, got %+v", w.TerrainSeeds)
	}
}

func TestAnnounceAndLeave(t *testing.T) {
	svc := newTestService(t)
	a := subscribe(t, svc, "meadow")
	other := subscribe(t, svc, "caves")
	b := subscribe(t, svc, "meadow")
	b.Announce()

	msgs := drain(t, a)
	if got := eventTypes(t, msgs); len(got) != 1 || got[0] != protocol.EventPlayerJoined {
		t.Fatalf("expected player-joined, got %v", got)
	}
	if len(drain(t, b)) != 0 {
		t.Fatal("joining session must not receive its own announcement")
	}
	if len(drain(t, other)) != 0 {
		t.Fatal("other levels must not receive the announcement")
	}

	b.Close()
	if got := eventTypes(t, drain(t, a)); len(got) != 1 || got[0] != protocol.EventPlayerLeft {
		t.Fatalf("expected player-left, got %v", got)
	}
	if _, ok := svc.Registry().Lookup(b.Username); ok {
		t.Fatal("closed session still registered")
	}
}

func TestApplyBatchBroadcastsInOrder(t *testing.T) {
	svc := newTestService(t)
	a := subscribe(t, svc, "meadow")
	b := subscribe(t, svc, "meadow")

	mods := []protocol.Modification{
		{Position: protocol.Position{X: 1, Y: 10, Z: 1}, BlockType: intPtr(4), Action: protocol.ActionPlace, ClientTimestamp: 1},
		{Position: protocol.Position{X: 2, Y: 10, Z: 1}, BlockType: intPtr(5), Action: protocol.ActionPlace, ClientTimestamp: 2},
		{Position: protocol.Position{X: 1, Y: 10, Z: 1}, Action: protocol.ActionRemove, ClientTimestamp: 3},
	}
	resp, err := a.ApplyBatch(context.Background(), mods)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if !resp.OK || resp.FailedAt != nil {
		t.Fatalf("expected full success, got %+v", resp)
	}

	msgs := drain(t, b)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 block updates, got %d", len(msgs))
	}
	for i, m := range msgs {
		var ev protocol.BlockUpdateEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != protocol.EventBlockUpdate || ev.Username != a.Username {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Modification.ClientTimestamp != mods[i].ClientTimestamp {
			t.Fatalf("event %d out of order", i)
		}
	}
	if len(drain(t, a)) != 0 {
		t.Fatal("sender must not receive its own block updates")
	}

	state, err := b.WorldState(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("WorldState failed: %v", err)
	}
	if len(state.Blocks) != 2 {
		t.Fatalf("expected 2 block records, got %+v", state.Blocks)
	}
	last := state.Blocks[1]
	if last.Position != (protocol.Position{X: 1, Y: 10, Z: 1}) || last.BlockType != nil {
		t.Fatalf("expected removal record last, got %+v", last)
	}
}

func TestApplyBatchStopsAtFirstInvalid(t *testing.T) {
	svc := newTestService(t)
	a := subscribe(t, svc, "meadow")
	b := subscribe(t, svc, "meadow")

	mods := []protocol.Modification{
		{Position: protocol.Position{X: 1, Y: 10}, BlockType: intPtr(1), Action: protocol.ActionPlace},
		{Position: protocol.Position{X: 2, Y: 300}, BlockType: intPtr(1), Action: protocol.ActionPlace},
		{Position: protocol.Position{X: 3, Y: 10}, BlockType: intPtr(1), Action: protocol.ActionPlace},
	}
	resp, err := a.ApplyBatch(context.Background(), mods)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if resp.OK || resp.FailedAt == nil || *resp.FailedAt != 1 {
		t.Fatalf("expected failedAt 1, got %+v", resp)
	}
	if n := len(drain(t, b)); n != 1 {
		t.Fatalf("expected only the applied edit broadcast, got %d", n)
	}
	state, _ := a.WorldState(context.Background(), 0, 0)
	if len(state.Blocks) != 1 {
		t.Fatalf("expected 1 stored block, got %d", len(state.Blocks))
	}
}

func TestValidateModification(t *testing.T) {
	tests := []struct {
		name    string
		mod     protocol.Modification
		wantErr bool
	}{
		{"place", protocol.Modification{Position: protocol.Position{Y: 0}, BlockType: intPtr(1), Action: protocol.ActionPlace}, false},
		{"remove top", protocol.Modification{Position: protocol.Position{Y: 255}, Action: protocol.ActionRemove}, false},
		{"place nil type", protocol.Modification{Position: protocol.Position{Y: 1}, Action: protocol.ActionPlace}, true},
		{"remove with type", protocol.Modification{Position: protocol.Position{Y: 1}, BlockType: intPtr(1), Action: protocol.ActionRemove}, true},
		{"bad action", protocol.Modification{Position: protocol.Position{Y: 1}, Action: "paint"}, true},
		{"below floor", protocol.Modification{Position: protocol.Position{Y: -1}, Action: protocol.ActionRemove}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModification(tt.mod)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateModification() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorldStateListsPlayersInChunk(t *testing.T) {
	svc := newTestService(t)
	a := subscribe(t, svc, "meadow")
	b := subscribe(t, svc, "meadow")

	a.Move(protocol.Vec3{X: 3, Y: 70, Z: 3})
	b.Move(protocol.Vec3{X: -3, Y: 70, Z: 3})

	state, err := a.WorldState(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("WorldState failed: %v", err)
	}
	if len(state.Players) != 1 || state.Players[0].Username != a.Username {
		t.Fatalf("expected only %s in chunk 0,0, got %+v", a.Username, state.Players)
	}
	if state.Blocks == nil {
		t.Fatal("blocks must encode as an empty list, not null")
	}

	state, _ = a.WorldState(context.Background(), -1, 0)
	if len(state.Players) != 1 || state.Players[0].Username != b.Username {
		t.Fatalf("expected %s in chunk -1,0, got %+v", b.Username, state.Players)
	}
}

func TestMoveRespectsRegionInterest(t *testing.T) {
	svc := newTestService(t)
	mover := subscribe(t, svc, "meadow")
	watching := subscribe(t, svc, "meadow")
	elsewhere := subscribe(t, svc, "meadow")
	unsubscribed := subscribe(t, svc, "meadow")

	if _, err := watching.SubscribeRegions([]chunkmap.RegionCoord{{X: 0, Z: 0}}); err != nil {
		t.Fatalf("SubscribeRegions failed: %v", err)
	}
	ack, err := elsewhere.SubscribeRegions([]chunkmap.RegionCoord{{X: 5, Z: 5}})
	if err != nil {
		t.Fatalf("SubscribeRegions failed: %v", err)
	}
	if ack.Type != protocol.TypeRegionsAck || len(ack.Current) != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	mover.Move(protocol.Vec3{X: 10, Y: 64, Z: 10})

	if n := len(drain(t, watching)); n != 1 {
		t.Fatalf("interested peer expected 1 move, got %d", n)
	}
	if n := len(drain(t, elsewhere)); n != 0 {
		t.Fatalf("uninterested peer expected no move, got %d", n)
	}
	if n := len(drain(t, unsubscribed)); n != 1 {
		t.Fatalf("peer without subscription expected 1 move, got %d", n)
	}
}

func TestFullPeerQueueDoesNotBlockSender(t *testing.T) {
	store := kvstore.NewMemory()
	svc, err := NewService(Config{Seeds: NewKVSeedStore(store, nil), Chunks: NewKVChunkStore(store), SendBuffer: 1})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	a := subscribe(t, svc, "meadow")
	b := subscribe(t, svc, "meadow")

	for i := 0; i < 5; i++ {
		a.Move(protocol.Vec3{X: float64(i), Y: 64})
	}
	if b.Dropped() != 4 {
		t.Fatalf("expected 4 dropped messages, got %d", b.Dropped())
	}

	resp, err := a.ApplyBatch(context.Background(), []protocol.Modification{
		{Position: protocol.Position{Y: 1}, BlockType: intPtr(1), Action: protocol.ActionPlace},
	})
	if err != nil || !resp.OK {
		t.Fatalf("sender must still succeed: %+v %v", resp, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	s := subscribe(t, svc, "meadow")
	s.Close()
	s.Close()
	if s.Enqueue([]byte("x")) {
		t.Fatal("closed session accepted a message")
	}
	if _, open := <-s.Outbound(); open {
		t.Fatal("expected outbound queue closed")
	}
}

func TestRegionLimitFollowsMaxDrawDistance(t *testing.T) {
	wide := make([]chunkmap.RegionCoord, 0, 17*17)
	for x := 0; x < 17; x++ {
		for z := 0; z < 17; z++ {
			wide = append(wide, chunkmap.RegionCoord{X: x, Z: z})
		}
	}

	tests := []struct {
		name            string
		maxDrawDistance int
		wantErr         bool
	}{
		{"default bound", 0, true},
		{"small draw distance keeps default", 8, true},
		{"draw distance 31", 31, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kvstore.NewMemory()
			svc, err := NewService(Config{
				Seeds:           NewKVSeedStore(store, nil),
				Chunks:          NewKVChunkStore(store),
				SendBuffer:      4,
				MaxDrawDistance: tt.maxDrawDistance,
			})
			if err != nil {
				t.Fatalf("NewService failed: %v", err)
			}
			sess := subscribe(t, svc, "meadow")
			_, err = sess.SubscribeRegions(wide)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SubscribeRegions(%d regions) error = %v, wantErr %v", len(wide), err, tt.wantErr)
			}
		})
	}
}
