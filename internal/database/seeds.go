package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blockhaven/world/internal/protocol"
)

// SeedStorage persists per-level terrain seeds in Postgres.
type SeedStorage struct {
	db       *sql.DB
	generate func(level string) protocol.TerrainSeeds
}

// NewSeedStorage creates a seed storage. generate produces the candidate
// seeds for a level that has none yet.
func NewSeedStorage(db *sql.DB, generate func(level string) protocol.TerrainSeeds) *SeedStorage {
	return &SeedStorage{db: db, generate: generate}
}

// GetOrCreate returns the seeds of level. The first writer wins: a
// concurrent insert is discarded by ON CONFLICT and every caller reads back
// the stored row.
func (s *SeedStorage) GetOrCreate(ctx context.Context, level string) (protocol.TerrainSeeds, error) {
	candidate := s.generate(level)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terrain_seeds (level, seed, tree_seed, stone_seed, coal_seed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (level) DO NOTHING
	`, level, candidate.Seed, candidate.TreeSeed, candidate.StoneSeed, candidate.CoalSeed)
	if err != nil {
		return protocol.TerrainSeeds{}, wrapPQ(err, "failed to insert terrain seeds")
	}

	var seeds protocol.TerrainSeeds
	err = s.db.QueryRowContext(ctx, `
		SELECT seed, tree_seed, stone_seed, coal_seed
		FROM terrain_seeds
		WHERE level = $1
	`, level).Scan(&seeds.Seed, &seeds.TreeSeed, &seeds.StoneSeed, &seeds.CoalSeed)
	if err != nil {
		return protocol.TerrainSeeds{}, fmt.Errorf("failed to read terrain seeds: %w", err)
	}
	return seeds, nil
}
