package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/protocol"
)

// BlockStorage persists authoritative block edits in Postgres.
type BlockStorage struct {
	db *sql.DB
}

// NewBlockStorage creates a new block storage instance
func NewBlockStorage(db *sql.DB) *BlockStorage {
	return &BlockStorage{db: db}
}

// ApplyModifications upserts mods in order inside one transaction. Each
// write takes a fresh sequence number so chunk reads return write order.
func (s *BlockStorage) ApplyModifications(ctx context.Context, level string, mods []protocol.Modification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocks (level, x, y, z, chunk_x, chunk_z, block_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (level, x, y, z) DO UPDATE SET
			block_type = EXCLUDED.block_type,
			write_seq = nextval('block_write_seq'),
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare block upsert: %w", err)
	}
	defer stmt.Close()

	for i, mod := range mods {
		chunk := mod.Position.Chunk()
		var blockType sql.NullInt64
		if mod.Action == protocol.ActionPlace && mod.BlockType != nil {
			blockType = sql.NullInt64{Int64: int64(*mod.BlockType), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, level,
			mod.Position.X, mod.Position.Y, mod.Position.Z,
			chunk.X, chunk.Z, blockType,
		); err != nil {
			return wrapPQ(err, fmt.Sprintf("failed to write modification %d", i))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit modifications: %w", err)
	}
	return nil
}

// ChunkBlocks returns the block records of a chunk in write order.
func (s *BlockStorage) ChunkBlocks(ctx context.Context, level string, chunk chunkmap.ChunkCoord) ([]protocol.Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, z, block_type
		FROM blocks
		WHERE level = $1 AND chunk_x = $2 AND chunk_z = $3
		ORDER BY write_seq
	`, level, chunk.X, chunk.Z)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk blocks: %w", err)
	}
	defer rows.Close()

	var blocks []protocol.Block
	for rows.Next() {
		var b protocol.Block
		var blockType sql.NullInt64
		if err := rows.Scan(&b.Position.X, &b.Position.Y, &b.Position.Z, &blockType); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if blockType.Valid {
			v := int(blockType.Int64)
			b.BlockType = &v
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk blocks: %w", err)
	}
	return blocks, nil
}
