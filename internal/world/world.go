// Package world is the server-side authority for levels: it hands out
// session identities, owns terrain seeds and block edits, and fans events out
// to the sessions sharing a level.
package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"

	"github.com/google/uuid"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/streaming"
)

// ErrUnknownLevel is returned for a level that is not in the catalogue.
var ErrUnknownLevel = errors.New("unknown level")

// DefaultSendBuffer is the outbound queue length of a session.
const DefaultSendBuffer = 256

var levelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// SeedStore returns the terrain seeds of a level, creating them on first use.
// Concurrent callers for the same level must all observe the same seeds.
type SeedStore interface {
	GetOrCreate(ctx context.Context, level string) (protocol.TerrainSeeds, error)
}

// ChunkStore holds authoritative block edits.
type ChunkStore interface {
	// ApplyModifications writes mods in order. Mods are already validated.
	ApplyModifications(ctx context.Context, level string, mods []protocol.Modification) error
	ChunkBlocks(ctx context.Context, level string, chunk chunkmap.ChunkCoord) ([]protocol.Block, error)
}

// Level is a catalogue entry.
type Level struct {
	Name  string
	Seed  int64
	Spawn protocol.Vec3
}

// Config configures a Service.
type Config struct {
	Seeds  SeedStore
	Chunks ChunkStore
	// Levels restricts which levels may be joined. Empty allows any
	// well-formed level name.
	Levels     []Level
	SendBuffer int
	Profiler   *performance.Profiler

	// MaxDrawDistance sizes the per-session region subscription bound so a
	// client at this draw distance is never refused.
	MaxDrawDistance int
}

// Service ties the stores, the session registry and region interest together.
type Service struct {
	seeds      SeedStore
	chunks     ChunkStore
	levels     map[string]Level
	registry   *Registry
	interest   *streaming.Manager
	sendBuffer int
	profiler   *performance.Profiler
}

// NewService builds a Service from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Seeds == nil || cfg.Chunks == nil {
		return nil, fmt.Errorf("world service requires seed and chunk stores")
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	levels := make(map[string]Level, len(cfg.Levels))
	for _, l := range cfg.Levels {
		if !levelNamePattern.MatchString(l.Name) {
			return nil, fmt.Errorf("invalid level name %q", l.Name)
		}
		levels[l.Name] = l
	}
	return &Service{
		seeds:      cfg.Seeds,
		chunks:     cfg.Chunks,
		levels:     levels,
		registry:   NewRegistry(),
		interest:   streaming.NewManager(max(streaming.MaxSubscribedRegions, streaming.RegionBudget(cfg.MaxDrawDistance))),
		sendBuffer: cfg.SendBuffer,
		profiler:   cfg.Profiler,
	}, nil
}

// Registry exposes the active sessions.
func (s *Service) Registry() *Registry { return s.registry }

// CheckLevel returns ErrUnknownLevel for a level that cannot be joined.
func (s *Service) CheckLevel(level string) error {
	if !levelNamePattern.MatchString(level) {
		return fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	if len(s.levels) > 0 {
		if _, ok := s.levels[level]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLevel, level)
		}
	}
	return nil
}

// Subscribe registers a new session on level. The caller sends the
// handshake and then calls Announce.
func (s *Service) Subscribe(ctx context.Context, level string) (*Session, error) {
	if err := s.CheckLevel(level); err != nil {
		return nil, err
	}
	seeds, err := s.seeds.GetOrCreate(ctx, level)
	if err != nil {
		return nil, fmt.Errorf("terrain seeds for %s: %w", level, err)
	}

	sess := &Session{
		ID:       uuid.NewString(),
		Level:    level,
		Seeds:    seeds,
		service:  s,
		send:     make(chan []byte, s.sendBuffer),
		position: s.levels[level].Spawn,
	}
	s.registry.add(sess)
	log.Printf("[World] %s joined level %s (session %s)", sess.Username, level, sess.ID)
	return sess, nil
}

// ChunkState returns the authoritative blocks of a chunk and the players
// standing in it.
func (s *Service) ChunkState(ctx context.Context, level string, chunk chunkmap.ChunkCoord) (protocol.WorldState, error) {
	if err := s.CheckLevel(level); err != nil {
		return protocol.WorldState{}, err
	}
	op := s.profiler.Start("world.chunk_state")
	blocks, err := s.chunks.ChunkBlocks(ctx, level, chunk)
	op.Done(err)
	if err != nil {
		return protocol.WorldState{}, fmt.Errorf("load chunk %s: %w", chunk.Key(), err)
	}
	if blocks == nil {
		blocks = []protocol.Block{}
	}

	players := []protocol.PlayerInfo{}
	for _, peer := range s.registry.Sessions(level) {
		pos := peer.Position()
		if pos.Chunk() == chunk {
			players = append(players, protocol.PlayerInfo{Username: peer.Username, Position: pos})
		}
	}

	return protocol.WorldState{
		Type:    protocol.TypeWorldState,
		ChunkX:  chunk.X,
		ChunkZ:  chunk.Z,
		Blocks:  blocks,
		Players: players,
	}, nil
}

// ApplyBatch validates and applies mods in order on behalf of username.
// The first invalid modification stops the batch and is reported as
// failedAt; everything before it is applied and broadcast to the other
// sessions of the level. A storage failure applies nothing and is returned
// as an error.
func (s *Service) ApplyBatch(ctx context.Context, username, level string, mods []protocol.Modification) (protocol.SubmitResponse, error) {
	if err := s.CheckLevel(level); err != nil {
		return protocol.SubmitResponse{}, err
	}
	op := s.profiler.Start("world.apply_batch")

	failedAt := FirstInvalid(mods)
	valid := mods
	if failedAt >= 0 {
		valid = mods[:failedAt]
	}

	if len(valid) > 0 {
		if err := s.chunks.ApplyModifications(ctx, level, valid); err != nil {
			op.Fail()
			return protocol.SubmitResponse{}, fmt.Errorf("apply modifications: %w", err)
		}
	}
	op.End()

	exceptID := ""
	if origin, ok := s.registry.Lookup(username); ok && origin.Level == level {
		exceptID = origin.ID
	}
	for _, mod := range valid {
		msg, err := protocol.NewBroadcast(protocol.BlockUpdateEvent{
			Type:         protocol.EventBlockUpdate,
			Username:     username,
			Modification: mod,
		})
		if err != nil {
			log.Printf("[World] encode block-update: %v", err)
			continue
		}
		s.registry.broadcast(level, exceptID, msg, nil)
	}

	if failedAt >= 0 {
		log.Printf("[World] %s: batch of %d on %s rejected at %d", username, len(mods), level, failedAt)
		return protocol.RejectedAt(failedAt), nil
	}
	return protocol.Accepted(), nil
}

// FirstInvalid returns the index of the first modification the server
// refuses, or -1 when all are acceptable.
func FirstInvalid(mods []protocol.Modification) int {
	for i, mod := range mods {
		if ValidateModification(mod) != nil {
			return i
		}
	}
	return -1
}

// ValidateModification checks a single edit.
func ValidateModification(mod protocol.Modification) error {
	if err := chunkmap.ValidateBlockY(mod.Position.Y); err != nil {
		return err
	}
	switch mod.Action {
	case protocol.ActionPlace:
		if mod.BlockType == nil {
			return fmt.Errorf("place at %d,%d,%d without block type", mod.Position.X, mod.Position.Y, mod.Position.Z)
		}
	case protocol.ActionRemove:
		if mod.BlockType != nil {
			return fmt.Errorf("remove at %d,%d,%d carries block type", mod.Position.X, mod.Position.Y, mod.Position.Z)
		}
	default:
		return fmt.Errorf("unknown action %q", mod.Action)
	}
	return nil
}
