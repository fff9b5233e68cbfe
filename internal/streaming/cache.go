package streaming

import (
	"fmt"
	"sync"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/protocol"
)

// ChunkStatus is the lifecycle state of a chunk in the cache.
type ChunkStatus int

const (
	StatusAbsent ChunkStatus = iota
	StatusPending
	StatusLoaded
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLoaded:
		return "loaded"
	default:
		return "absent"
	}
}

// Cache holds the chunks a client needs around the player.
// Eviction is purely distance based; a chunk's usefulness depends only on
// where the player is, not on when it was last read.
type Cache struct {
	mu             sync.Mutex
	drawDistance   int
	stateBuffer    int
	unloadDistance int
	loaded         map[chunkmap.ChunkCoord][]protocol.Block
	pending        map[chunkmap.ChunkCoord]struct{}
}

// CacheStats is a point-in-time count of cached chunks.
type CacheStats struct {
	Loaded  int `json:"loaded"`
	Pending int `json:"pending"`
}

// NewCache builds a cache for the given draw distance (in chunks).
func NewCache(drawDistance int) (*Cache, error) {
	if drawDistance < 1 {
		return nil, fmt.Errorf("draw distance must be at least 1, got %d", drawDistance)
	}
	return &Cache{
		drawDistance:   drawDistance,
		stateBuffer:    drawDistance * 2,
		unloadDistance: drawDistance * 3,
		loaded:         make(map[chunkmap.ChunkCoord][]protocol.Block),
		pending:        make(map[chunkmap.ChunkCoord]struct{}),
	}, nil
}

// DrawDistance returns the configured draw distance.
func (c *Cache) DrawDistance() int { return c.drawDistance }

// StateBuffer returns the radius kept loaded around the player.
func (c *Cache) StateBuffer() int { return c.stateBuffer }

// UnloadDistance returns the radius beyond which chunks are evicted.
func (c *Cache) UnloadDistance() int { return c.unloadDistance }

// StoreChunk marks the chunk loaded with the given blocks, replacing any
// previous contents and clearing its pending marker.
func (c *Cache) StoreChunk(chunkX, chunkZ int, blocks []protocol.Block) {
	coord := chunkmap.ChunkCoord{X: chunkX, Z: chunkZ}
	stored := make([]protocol.Block, len(blocks))
	copy(stored, blocks)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded[coord] = stored
	delete(c.pending, coord)
}

// StorePending stores a chunk only if it is still pending, so a late
// response for an evicted or cleared chunk is dropped. It reports whether
// the chunk was stored.
func (c *Cache) StorePending(chunkX, chunkZ int, blocks []protocol.Block) bool {
	coord := chunkmap.ChunkCoord{X: chunkX, Z: chunkZ}
	stored := make([]protocol.Block, len(blocks))
	copy(stored, blocks)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[coord]; !ok {
		return false
	}
	c.loaded[coord] = stored
	delete(c.pending, coord)
	return true
}

// ApplyModification merges an edit into its chunk if that chunk is loaded.
func (c *Cache) ApplyModification(mod protocol.Modification) bool {
	coord := mod.Position.Chunk()

	c.mu.Lock()
	defer c.mu.Unlock()
	blocks, ok := c.loaded[coord]
	if !ok {
		return false
	}
	c.loaded[coord] = protocol.MergeBlock(blocks, mod)
	return true
}

// IsChunkLoaded reports whether the chunk has been stored.
func (c *Cache) IsChunkLoaded(chunkX, chunkZ int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loaded[chunkmap.ChunkCoord{X: chunkX, Z: chunkZ}]
	return ok
}

// Status returns the lifecycle state of a chunk.
func (c *Cache) Status(chunkX, chunkZ int) ChunkStatus {
	coord := chunkmap.ChunkCoord{X: chunkX, Z: chunkZ}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(coord)
}

func (c *Cache) statusLocked(coord chunkmap.ChunkCoord) ChunkStatus {
	if _, ok := c.loaded[coord]; ok {
		return StatusLoaded
	}
	if _, ok := c.pending[coord]; ok {
		return StatusPending
	}
	return StatusAbsent
}

// ChunkBlocks returns a copy of the blocks of a loaded chunk, or nil.
func (c *Cache) ChunkBlocks(chunkX, chunkZ int) []protocol.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks, ok := c.loaded[chunkmap.ChunkCoord{X: chunkX, Z: chunkZ}]
	if !ok {
		return nil
	}
	out := make([]protocol.Block, len(blocks))
	copy(out, blocks)
	return out
}

// RequiredChunks lists every chunk within stateBuffer of the player chunk
// on both axes, row by row. The result has (2*stateBuffer+1)^2 entries.
func (c *Cache) RequiredChunks(playerChunkX, playerChunkZ int) []chunkmap.ChunkCoord {
	side := 2*c.stateBuffer + 1
	chunks := make([]chunkmap.ChunkCoord, 0, side*side)
	for dz := -c.stateBuffer; dz <= c.stateBuffer; dz++ {
		for dx := -c.stateBuffer; dx <= c.stateBuffer; dx++ {
			chunks = append(chunks, chunkmap.ChunkCoord{X: playerChunkX + dx, Z: playerChunkZ + dz})
		}
	}
	return chunks
}

// RequiredRegions returns the distinct regions covering RequiredChunks,
// in first-seen order.
func (c *Cache) RequiredRegions(playerChunkX, playerChunkZ int) []chunkmap.RegionCoord {
	seen := make(map[chunkmap.RegionCoord]struct{})
	var regions []chunkmap.RegionCoord
	for _, chunk := range c.RequiredChunks(playerChunkX, playerChunkZ) {
		region := chunk.Region()
		if _, exists := seen[region]; exists {
			continue
		}
		seen[region] = struct{}{}
		regions = append(regions, region)
	}
	return regions
}

// MissingChunks filters out chunks that are loaded or pending, keeping the
// input order.
func (c *Cache) MissingChunks(required []chunkmap.ChunkCoord) []chunkmap.ChunkCoord {
	c.mu.Lock()
	defer c.mu.Unlock()

	missing := make([]chunkmap.ChunkCoord, 0, len(required))
	for _, coord := range required {
		if c.statusLocked(coord) == StatusAbsent {
			missing = append(missing, coord)
		}
	}
	return missing
}

// MarkPending flags chunks as requested. Loaded chunks are left alone.
func (c *Cache) MarkPending(coords []chunkmap.ChunkCoord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, coord := range coords {
		if _, ok := c.loaded[coord]; ok {
			continue
		}
		c.pending[coord] = struct{}{}
	}
}

// UnloadDistantChunks evicts every chunk (loaded or pending) whose Chebyshev
// distance from the player exceeds unloadDistance and returns the evicted
// coordinates. Chunks exactly at unloadDistance are kept.
func (c *Cache) UnloadDistantChunks(playerChunkX, playerChunkZ int) []chunkmap.ChunkCoord {
	player := chunkmap.ChunkCoord{X: playerChunkX, Z: playerChunkZ}

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []chunkmap.ChunkCoord
	for coord := range c.loaded {
		if chunkmap.ChebyshevDistance(coord, player) > c.unloadDistance {
			delete(c.loaded, coord)
			evicted = append(evicted, coord)
		}
	}
	for coord := range c.pending {
		if chunkmap.ChebyshevDistance(coord, player) > c.unloadDistance {
			delete(c.pending, coord)
			evicted = append(evicted, coord)
		}
	}
	return evicted
}

// Clear drops every loaded and pending chunk.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = make(map[chunkmap.ChunkCoord][]protocol.Block)
	c.pending = make(map[chunkmap.ChunkCoord]struct{})
}

// Stats returns the number of loaded and pending chunks.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Loaded: len(c.loaded), Pending: len(c.pending)}
}
