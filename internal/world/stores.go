package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/protocol"
)

// seeds stay below 2^31 so every client can represent them exactly
const seedRange = 1 << 31

// SeedKey is the storage key of a level's terrain seeds.
func SeedKey(level string) string {
	return "terrain:seeds:" + level
}

// ChunkKey is the storage key of a chunk's block edits.
func ChunkKey(level string, chunk chunkmap.ChunkCoord) string {
	return "chunk:" + level + ":" + chunk.Key()
}

// GenerateSeeds derives a full seed set from base. A zero base picks a
// random one.
func GenerateSeeds(base int64) protocol.TerrainSeeds {
	if base == 0 {
		base = rand.Int64N(seedRange-1) + 1
	}
	r := rand.New(rand.NewPCG(uint64(base), 0x5eed))
	return protocol.TerrainSeeds{
		Seed:      base,
		TreeSeed:  r.Int64N(seedRange),
		StoneSeed: r.Int64N(seedRange),
		CoalSeed:  r.Int64N(seedRange),
	}
}

// KVSeedStore keeps seeds in a kvstore.Store. Get-or-create runs under one
// mutex so concurrent first joins agree on the seeds.
type KVSeedStore struct {
	store kvstore.Store
	bases map[string]int64

	mu sync.Mutex
}

// NewKVSeedStore creates a seed store. Levels with a configured seed derive
// their seed set from it.
func NewKVSeedStore(store kvstore.Store, levels []Level) *KVSeedStore {
	bases := make(map[string]int64, len(levels))
	for _, l := range levels {
		bases[l.Name] = l.Seed
	}
	return &KVSeedStore{store: store, bases: bases}
}

func (s *KVSeedStore) GetOrCreate(ctx context.Context, level string) (protocol.TerrainSeeds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SeedKey(level)
	raw, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		var seeds protocol.TerrainSeeds
		if err := json.Unmarshal(raw, &seeds); err != nil {
			return protocol.TerrainSeeds{}, fmt.Errorf("decode %s: %w", key, err)
		}
		return seeds, nil
	case !errors.Is(err, kvstore.ErrNotFound):
		return protocol.TerrainSeeds{}, fmt.Errorf("load %s: %w", key, err)
	}

	seeds := GenerateSeeds(s.bases[level])
	raw, err = json.Marshal(seeds)
	if err != nil {
		return protocol.TerrainSeeds{}, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Put(ctx, key, raw); err != nil {
		return protocol.TerrainSeeds{}, fmt.Errorf("save %s: %w", key, err)
	}
	return seeds, nil
}

// KVChunkStore keeps one JSON block list per chunk in a kvstore.Store.
type KVChunkStore struct {
	store kvstore.Store

	mu sync.Mutex
}

// NewKVChunkStore creates a chunk store over store.
func NewKVChunkStore(store kvstore.Store) *KVChunkStore {
	return &KVChunkStore{store: store}
}

func (s *KVChunkStore) ApplyModifications(ctx context.Context, level string, mods []protocol.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[chunkmap.ChunkCoord][]protocol.Block)
	var order []chunkmap.ChunkCoord
	for _, mod := range mods {
		chunk := mod.Position.Chunk()
		blocks, ok := touched[chunk]
		if !ok {
			loaded, err := s.loadLocked(ctx, level, chunk)
			if err != nil {
				return err
			}
			blocks = loaded
			order = append(order, chunk)
		}
		touched[chunk] = protocol.MergeBlock(blocks, mod)
	}

	for _, chunk := range order {
		raw, err := json.Marshal(touched[chunk])
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", chunk.Key(), err)
		}
		if err := s.store.Put(ctx, ChunkKey(level, chunk), raw); err != nil {
			return fmt.Errorf("save chunk %s: %w", chunk.Key(), err)
		}
	}
	return nil
}

func (s *KVChunkStore) ChunkBlocks(ctx context.Context, level string, chunk chunkmap.ChunkCoord) ([]protocol.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, level, chunk)
}

func (s *KVChunkStore) loadLocked(ctx context.Context, level string, chunk chunkmap.ChunkCoord) ([]protocol.Block, error) {
	raw, err := s.store.Get(ctx, ChunkKey(level, chunk))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chunk %s: %w", chunk.Key(), err)
	}
	var blocks []protocol.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunk.Key(), err)
	}
	return blocks, nil
}
