package editsync

import (
	"context"
	"errors"
	"testing"

	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/protocol"
)

func seedQueue(t *testing.T, n int) (*OfflineQueue, *fakeTransport, *kvstore.Memory, []protocol.Modification) {
	t.Helper()
	transport := &fakeTransport{}
	store := kvstore.NewMemory()
	q := NewOfflineQueue(store, transport)

	mods := make([]protocol.Modification, n)
	for i := range mods {
		mods[i] = protocol.Modification{
			Position:        protocol.Position{X: i, Y: 20, Z: i},
			BlockType:       blockType(i + 1),
			Action:          protocol.ActionPlace,
			ClientTimestamp: int64(100 + i),
		}
	}
	if err := q.Append(context.Background(), testLevel, mods); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return q, transport, store, mods
}

func TestOfflineKey(t *testing.T) {
	if got := OfflineKey("caves"); got != "offline_mods_caves" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestSyncSuccessDeletesKey(t *testing.T) {
	q, transport, store, mods := seedQueue(t, 3)

	res, err := q.Sync(context.Background(), "Player4", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Sent != 3 || res.Accepted != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if store.Has(OfflineKey(testLevel)) {
		t.Fatal("expected key deleted")
	}

	reqs := transport.Requests()
	if len(reqs) != 1 || reqs[0].Username != "Player4" {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	assertSamePositions(t, reqs[0].Modifications, mods)
}

func TestSyncPartialFailureKeepsSuffix(t *testing.T) {
	q, transport, _, mods := seedQueue(t, 3)
	transport.respond(fakeResult{resp: protocol.RejectedAt(1)})

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Accepted != 1 || res.Remaining != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := q.Entries(context.Background(), testLevel)
	assertSamePositions(t, got, mods[1:])
}

func TestSyncTransportFailureLeavesQueue(t *testing.T) {
	q, transport, _, mods := seedQueue(t, 2)
	transport.respond(fakeResult{err: errors.New("network down")})

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Remaining != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := q.Entries(context.Background(), testLevel)
	assertSamePositions(t, got, mods)
}

func TestSyncRejectionWithoutIndexKeepsAll(t *testing.T) {
	tests := []struct {
		name string
		resp protocol.SubmitResponse
	}{
		{"missing index", protocol.SubmitResponse{OK: false}},
		{"negative index", protocol.RejectedAt(-1)},
		{"index past end", protocol.RejectedAt(9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, transport, _, _ := seedQueue(t, 2)
			transport.respond(fakeResult{resp: tt.resp})
			if _, err := q.Sync(context.Background(), "Player1", testLevel); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}
			if n, _ := q.Len(context.Background(), testLevel); n != 2 {
				t.Fatalf("expected nothing removed, got %d left", n)
			}
		})
	}
}

func TestSyncKeepsEntriesAppendedMeanwhile(t *testing.T) {
	q, transport, _, _ := seedQueue(t, 2)
	late := protocol.Modification{Position: protocol.Position{X: 50, Y: 1}, Action: protocol.ActionRemove, ClientTimestamp: 999}
	transport.onSubmit = func(protocol.SubmitRequest) {
		if err := q.Append(context.Background(), testLevel, []protocol.Modification{late}); err != nil {
			t.Errorf("Append during sync failed: %v", err)
		}
	}

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Accepted != 2 || res.Remaining != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, _ := q.Entries(context.Background(), testLevel)
	assertSamePositions(t, got, []protocol.Modification{late})
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	q, transport, _, _ := seedQueue(t, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	transport.onSubmit = func(protocol.SubmitRequest) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Sync(context.Background(), "Player1", testLevel)
		done <- err
	}()

	<-entered
	if _, err := q.Sync(context.Background(), "Player1", testLevel); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}
}

func TestSyncEmptyQueueSendsNothing(t *testing.T) {
	transport := &fakeTransport{}
	q := NewOfflineQueue(kvstore.NewMemory(), transport)

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res != (SyncResult{}) || len(transport.Requests()) != 0 {
		t.Fatalf("expected no-op, got %+v", res)
	}
}

func TestQueueLevelsAreIndependent(t *testing.T) {
	q, _, _, _ := seedQueue(t, 2)
	if n, _ := q.Len(context.Background(), "other"); n != 0 {
		t.Fatalf("expected other level empty, got %d", n)
	}
}

func TestQueueCorruptValue(t *testing.T) {
	store := kvstore.NewMemory()
	if err := store.Put(context.Background(), OfflineKey(testLevel), []byte("not json")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	q := NewOfflineQueue(store, &fakeTransport{})
	if _, err := q.Entries(context.Background(), testLevel); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSyncSendsBacklogInBoundedSubmissions(t *testing.T) {
	q, transport, store, mods := seedQueue(t, 5)
	q.batchLimit = 2

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Sent != 5 || res.Accepted != 5 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if store.Has(OfflineKey(testLevel)) {
		t.Fatal("expected key deleted")
	}

	reqs := transport.Requests()
	wantSizes := []int{2, 2, 1}
	if len(reqs) != len(wantSizes) {
		t.Fatalf("expected %d submissions, got %d", len(wantSizes), len(reqs))
	}
	var sent []protocol.Modification
	for i, req := range reqs {
		if len(req.Modifications) != wantSizes[i] {
			t.Fatalf("submission %d has %d entries, want %d", i, len(req.Modifications), wantSizes[i])
		}
		sent = append(sent, req.Modifications...)
	}
	assertSamePositions(t, sent, mods)
}

func TestSyncStopsAtFirstUnconfirmedSubmission(t *testing.T) {
	tests := []struct {
		name         string
		second       fakeResult
		wantAccepted int
		wantLeft     int
	}{
		{"transport failure", fakeResult{err: &TransportError{Op: "submit", Err: errors.New("reset")}}, 2, 3},
		{"partial failure", fakeResult{resp: protocol.RejectedAt(1)}, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, transport, _, mods := seedQueue(t, 5)
			q.batchLimit = 2
			transport.respond(fakeResult{resp: protocol.Accepted()}, tt.second)

			res, _ := q.Sync(context.Background(), "Player1", testLevel)
			if res.Accepted != tt.wantAccepted || res.Remaining != tt.wantLeft {
				t.Fatalf("unexpected result %+v", res)
			}
			if n := len(transport.Requests()); n != 2 {
				t.Fatalf("expected sync to stop after 2 submissions, got %d", n)
			}
			got, _ := q.Entries(context.Background(), testLevel)
			assertSamePositions(t, got, mods[len(mods)-tt.wantLeft:])
		})
	}
}

func TestSyncIsolatesRefusedEntry(t *testing.T) {
	q, transport, store, mods := seedQueue(t, 4)
	refused := fakeResult{err: &RejectedError{Status: 400, Err: errors.New("bad entry")}}
	ok := fakeResult{resp: protocol.Accepted()}
	// [0..3] refused, [0,1] ok, [2,3] refused, [2] refused and dropped, [3] ok
	transport.respond(refused, ok, refused, refused, ok)

	res, err := q.Sync(context.Background(), "Player1", testLevel)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.Accepted != 3 || res.Dropped != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if store.Has(OfflineKey(testLevel)) {
		t.Fatal("expected key deleted")
	}

	reqs := transport.Requests()
	wantSizes := []int{4, 2, 2, 1, 1}
	if len(reqs) != len(wantSizes) {
		t.Fatalf("expected %d submissions, got %d", len(wantSizes), len(reqs))
	}
	for i, req := range reqs {
		if len(req.Modifications) != wantSizes[i] {
			t.Fatalf("submission %d has %d entries, want %d", i, len(req.Modifications), wantSizes[i])
		}
	}
	assertSamePositions(t, reqs[3].Modifications, mods[2:3])
	assertSamePositions(t, reqs[4].Modifications, mods[3:])
}

func TestSyncRequiresIdentity(t *testing.T) {
	q, transport, _, _ := seedQueue(t, 1)
	if _, err := q.Sync(context.Background(), "", testLevel); err == nil {
		t.Fatal("expected error for empty username")
	}
	if n := len(transport.Requests()); n != 0 {
		t.Fatalf("expected nothing sent, got %d", n)
	}
}
