package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/blockhaven/world/internal/chunkmap"
)

func TestDecodeType(t *testing.T) {
	typ, err := DecodeType([]byte(`{"type":"world-state-request","chunkX":1,"chunkZ":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeWorldStateRequest {
		t.Fatalf("expected %s, got %s", TypeWorldStateRequest, typ)
	}

	if _, err := DecodeType([]byte(`{"chunkX":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := DecodeType([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestSubmitResponseWireFormat(t *testing.T) {
	ok, err := json.Marshal(Accepted())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(ok) != `{"ok":true,"failedAt":null}` {
		t.Fatalf("unexpected accepted body: %s", ok)
	}

	partial, err := json.Marshal(RejectedAt(3))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(partial) != `{"ok":false,"failedAt":3}` {
		t.Fatalf("unexpected partial body: %s", partial)
	}
}

func TestRemovalSerializesNullBlockType(t *testing.T) {
	mod := Modification{Position: Position{X: 1, Y: 2, Z: 3}, Action: ActionRemove, ClientTimestamp: 42}
	raw, err := json.Marshal(mod)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"blockType":null`) {
		t.Fatalf("expected null blockType, got %s", raw)
	}
}

func TestNewBroadcastEnvelope(t *testing.T) {
	raw, err := NewBroadcast(PresenceEvent{Type: EventPlayerJoined, Username: "Player1", Position: Vec3{X: 1, Y: 64, Z: -2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var msg Broadcast
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeMessage {
		t.Fatalf("expected message envelope, got %s", msg.Type)
	}
	var event PresenceEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if event.Type != EventPlayerJoined || event.Username != "Player1" || event.Position.Z != -2 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestPositionChunk(t *testing.T) {
	if c := (Position{X: -1, Y: 10, Z: 17}).Chunk(); c != (chunkmap.ChunkCoord{X: -1, Z: 1}) {
		t.Fatalf("unexpected chunk %v", c)
	}
	if c := (Vec3{X: -0.5, Z: 15.9}).Chunk(); c != (chunkmap.ChunkCoord{X: -1, Z: 0}) {
		t.Fatalf("unexpected chunk %v", c)
	}
}

func TestMergeBlock(t *testing.T) {
	a := Position{X: 4, Y: 4, Z: 4}
	b := Position{X: 5, Y: 4, Z: 4}
	stone, dirt := 1, 2

	blocks := MergeBlock(nil, Modification{Position: a, BlockType: &stone, Action: ActionPlace})
	blocks = MergeBlock(blocks, Modification{Position: b, BlockType: &dirt, Action: ActionPlace})
	merged := MergeBlock(blocks, Modification{Position: a, Action: ActionRemove})

	if len(blocks) != 2 || blocks[0].Position != a {
		t.Fatalf("input must not be modified, got %+v", blocks)
	}
	if len(merged) != 2 || merged[0].Position != b || merged[1].Position != a {
		t.Fatalf("expected the updated record last, got %+v", merged)
	}
	if merged[1].BlockType != nil {
		t.Fatalf("expected a removal record, got %+v", merged[1])
	}

	stone = 7
	if *merged[0].BlockType != 2 || *blocks[0].BlockType != 1 {
		t.Fatal("block types must be copied, not aliased")
	}
}
