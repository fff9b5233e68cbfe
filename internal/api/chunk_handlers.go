package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/world"
)

// ChunkHandlers serves authoritative chunk contents over HTTP.
type ChunkHandlers struct {
	world *world.Service
}

// NewChunkHandlers creates a new chunk handlers instance
func NewChunkHandlers(svc *world.Service) *ChunkHandlers {
	return &ChunkHandlers{world: svc}
}

// GetChunk handles GET /api/chunks/{level}/{chunkX}/{chunkZ}
func (h *ChunkHandlers) GetChunk(w http.ResponseWriter, r *http.Request) {
	level := r.PathValue("level")
	chunkX, errX := strconv.Atoi(r.PathValue("chunkX"))
	chunkZ, errZ := strconv.Atoi(r.PathValue("chunkZ"))
	if errX != nil || errZ != nil {
		respondWithError(w, http.StatusBadRequest, "InvalidChunk", "Chunk coordinates must be integers")
		return
	}

	state, err := h.world.ChunkState(r.Context(), level, chunkmap.ChunkCoord{X: chunkX, Z: chunkZ})
	if err != nil {
		if errors.Is(err, world.ErrUnknownLevel) {
			respondWithError(w, http.StatusNotFound, "UnknownLevel", err.Error())
			return
		}
		log.Printf("[World] chunk %d,%d on %s: %v", chunkX, chunkZ, level, err)
		respondWithError(w, http.StatusInternalServerError, "InternalError", "Failed to load chunk")
		return
	}

	respondWithJSON(w, http.StatusOK, state)
}
