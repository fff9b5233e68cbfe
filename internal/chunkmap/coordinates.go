package chunkmap

import "fmt"

const (
	// ChunkSize is the width of a chunk in blocks along X and Z
	ChunkSize = 16
	// RegionSize is the width of a region in chunks along X and Z
	RegionSize = 8
	// MinBlockY and MaxBlockY bound the vertical block range
	MinBlockY = 0
	MaxBlockY = 255
)

// ChunkCoord addresses a chunk column on the infinite X/Z grid.
type ChunkCoord struct {
	X int `json:"chunkX"`
	Z int `json:"chunkZ"`
}

// RegionCoord addresses a RegionSize x RegionSize group of chunks.
type RegionCoord struct {
	X int `json:"regionX"`
	Z int `json:"regionZ"`
}

// Key returns the "x_z" form used for map keys and log lines.
func (c ChunkCoord) Key() string {
	return fmt.Sprintf("%d_%d", c.X, c.Z)
}

// Region returns the region containing the chunk.
func (c ChunkCoord) Region() RegionCoord {
	return RegionCoord{X: FloorDiv(c.X, RegionSize), Z: FloorDiv(c.Z, RegionSize)}
}

// Key returns the "x_z" form of the region.
func (r RegionCoord) Key() string {
	return fmt.Sprintf("%d_%d", r.X, r.Z)
}

// FloorDiv divides rounding toward negative infinity.
// Go's "/" truncates toward zero, which would put chunk -1 in region 0.
func FloorDiv(a, b int) int {
	if b <= 0 {
		panic(fmt.Sprintf("chunkmap: non-positive divisor %d", b))
	}
	q := a / b
	if (a%b != 0) && (a < 0) {
		q--
	}
	return q
}

// Mod returns the non-negative remainder matching FloorDiv.
func Mod(a, b int) int {
	return a - FloorDiv(a, b)*b
}

// BlockToChunk maps a world block position to the chunk that owns it.
func BlockToChunk(x, z int) ChunkCoord {
	return ChunkCoord{X: FloorDiv(x, ChunkSize), Z: FloorDiv(z, ChunkSize)}
}

// ChebyshevDistance is max(|dx|, |dz|) between two chunks.
func ChebyshevDistance(a, b ChunkCoord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

// ValidateBlockY reports whether y is inside the buildable range.
func ValidateBlockY(y int) error {
	if y < MinBlockY || y > MaxBlockY {
		return fmt.Errorf("block y %d out of range (%d-%d)", y, MinBlockY, MaxBlockY)
	}
	return nil
}
