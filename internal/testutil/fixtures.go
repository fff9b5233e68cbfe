package testutil

import (
	"math/rand/v2"

	"github.com/blockhaven/world/internal/protocol"
)

// RandomString generates a random alphanumeric string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// RandomLevel generates a level name unlikely to collide with other tests
func RandomLevel() string {
	return "test_" + RandomString(8)
}

// Place builds a place modification.
func Place(x, y, z, blockType int, ts int64) protocol.Modification {
	return protocol.Modification{
		Position:        protocol.Position{X: x, Y: y, Z: z},
		BlockType:       &blockType,
		Action:          protocol.ActionPlace,
		ClientTimestamp: ts,
	}
}

// Remove builds a remove modification.
func Remove(x, y, z int, ts int64) protocol.Modification {
	return protocol.Modification{
		Position:        protocol.Position{X: x, Y: y, Z: z},
		Action:          protocol.ActionRemove,
		ClientTimestamp: ts,
	}
}

// Modifications builds n place edits along the x axis starting at x0.
func Modifications(x0, n int) []protocol.Modification {
	mods := make([]protocol.Modification, n)
	for i := range mods {
		mods[i] = Place(x0+i, 64, 0, 1+i%8, int64(1000+i))
	}
	return mods
}
