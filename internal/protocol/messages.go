package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/blockhaven/world/internal/chunkmap"
)

// MaxBatchSize caps the number of modifications the client batches before
// flushing.
const MaxBatchSize = 100

// MaxSubmissionSize caps one submission. Offline replays carry the whole
// backlog, so this is larger than MaxBatchSize.
const MaxSubmissionSize = 10000

// Message types carried in the "type" field of every envelope.
const (
	TypeConnected         = "connected"
	TypeWorldStateRequest = "world-state-request"
	TypeWorldState        = "world-state"
	TypePlayerMove        = "player-move"
	TypeSubscribeRegions  = "subscribe-regions"
	TypeRegionsAck        = "regions-ack"
	TypeMessage           = "message"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"

	EventPlayerJoined = "player-joined"
	EventPlayerMoved  = "player-moved"
	EventPlayerLeft   = "player-left"
	EventBlockUpdate  = "block-update"
)

// Action is the kind of edit a Modification performs.
type Action string

const (
	ActionPlace  Action = "place"
	ActionRemove Action = "remove"
)

// Position is an integer block position.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Chunk returns the chunk that owns the block.
func (p Position) Chunk() chunkmap.ChunkCoord {
	return chunkmap.BlockToChunk(p.X, p.Z)
}

// Vec3 is a player position in world units.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Chunk returns the chunk the player stands in.
func (v Vec3) Chunk() chunkmap.ChunkCoord {
	return chunkmap.BlockToChunk(floorInt(v.X), floorInt(v.Z))
}

func floorInt(f float64) int {
	i := int(f)
	if f < 0 && float64(i) != f {
		i--
	}
	return i
}

// Modification is a single block edit. BlockType is nil for removals.
type Modification struct {
	Position        Position `json:"position"`
	BlockType       *int     `json:"blockType"`
	Action          Action   `json:"action"`
	ClientTimestamp int64    `json:"clientTimestamp"`
}

// Block is a server-authoritative block record inside a chunk.
// A nil BlockType records a removed block.
type Block struct {
	Position  Position `json:"position"`
	BlockType *int     `json:"blockType"`
}

// MergeBlock applies mod to blocks with last-write-wins per position. The
// updated record moves to the end so the list stays in write order.
// Removals are kept as records with a nil block type.
func MergeBlock(blocks []Block, mod Modification) []Block {
	out := make([]Block, 0, len(blocks)+1)
	for _, b := range blocks {
		if b.Position != mod.Position {
			out = append(out, b)
		}
	}
	var bt *int
	if mod.Action == ActionPlace && mod.BlockType != nil {
		v := *mod.BlockType
		bt = &v
	}
	return append(out, Block{Position: mod.Position, BlockType: bt})
}

// PlayerInfo is a presence record.
type PlayerInfo struct {
	Username string `json:"username"`
	Position Vec3   `json:"position"`
}

// TerrainSeeds are the per-level inputs to client-side terrain generation.
type TerrainSeeds struct {
	Seed      int64 `json:"seed"`
	TreeSeed  int64 `json:"treeSeed"`
	StoneSeed int64 `json:"stoneSeed"`
	CoalSeed  int64 `json:"coalSeed"`
}

// SubmitRequest is the body of POST /api/modifications.
type SubmitRequest struct {
	Username      string         `json:"username" validate:"required"`
	Level         string         `json:"level" validate:"required"`
	Modifications []Modification `json:"modifications" validate:"required,min=1,max=10000"`
}

// SubmitResponse reports the outcome of a submission. FailedAt is the index
// of the first rejected modification when OK is false.
type SubmitResponse struct {
	OK       bool `json:"ok"`
	FailedAt *int `json:"failedAt"`
}

// Accepted builds a full-success response.
func Accepted() SubmitResponse {
	return SubmitResponse{OK: true}
}

// RejectedAt builds a partial-failure response.
func RejectedAt(index int) SubmitResponse {
	return SubmitResponse{OK: false, FailedAt: &index}
}

// Connected is the handshake response.
type Connected struct {
	Type         string       `json:"type"`
	Username     string       `json:"username"`
	SessionID    string       `json:"sessionId"`
	TerrainSeeds TerrainSeeds `json:"terrainSeeds"`
	Token        string       `json:"token,omitempty"`
}

// WorldStateRequest asks for the authoritative contents of one chunk.
type WorldStateRequest struct {
	Type   string `json:"type"`
	ChunkX int    `json:"chunkX"`
	ChunkZ int    `json:"chunkZ"`
}

// WorldState answers a WorldStateRequest.
type WorldState struct {
	Type    string       `json:"type"`
	ChunkX  int          `json:"chunkX"`
	ChunkZ  int          `json:"chunkZ"`
	Blocks  []Block      `json:"blocks"`
	Players []PlayerInfo `json:"players"`
}

// PlayerMove reports the sender's new position.
type PlayerMove struct {
	Type     string `json:"type"`
	Position Vec3   `json:"position"`
}

// SubscribeRegions replaces the sender's region interest set.
type SubscribeRegions struct {
	Type    string                 `json:"type"`
	Regions []chunkmap.RegionCoord `json:"regions"`
}

// RegionsAck reports how the region interest set changed.
type RegionsAck struct {
	Type    string                 `json:"type"`
	Added   []chunkmap.RegionCoord `json:"added"`
	Removed []chunkmap.RegionCoord `json:"removed"`
	Current []chunkmap.RegionCoord `json:"current"`
}

// Broadcast wraps events fanned out to the other sessions of a level.
type Broadcast struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PresenceEvent is the data of player-joined, player-moved and player-left.
type PresenceEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Position Vec3   `json:"position"`
}

// BlockUpdateEvent is the data of block-update.
type BlockUpdateEvent struct {
	Type         string       `json:"type"`
	Username     string       `json:"username"`
	Modification Modification `json:"modification"`
}

// CodeInvalidSubscription is the error code of a refused subscribe-regions.
const CodeInvalidSubscription = "InvalidSubscription"

// ErrorMessage is sent when a client message cannot be handled.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeType extracts the "type" field of a raw message.
func DecodeType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}

// NewBroadcast marshals an event into a broadcast envelope.
func NewBroadcast(event any) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast event: %w", err)
	}
	return json.Marshal(Broadcast{Type: TypeMessage, Data: data})
}
