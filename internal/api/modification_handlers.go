package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/blockhaven/world/internal/auth"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/world"
)

// maxSubmitBody bounds a submission body. A full offline backlog of
// MaxSubmissionSize edits fits comfortably.
const maxSubmitBody = 4 << 20

// ModificationHandlers handles block edit submissions.
type ModificationHandlers struct {
	world     *world.Service
	validator *validator.Validate
	profiler  *performance.Profiler
}

// NewModificationHandlers creates a new modification handlers instance
func NewModificationHandlers(svc *world.Service, profiler *performance.Profiler) *ModificationHandlers {
	return &ModificationHandlers{
		world:     svc,
		validator: validator.New(),
		profiler:  profiler,
	}
}

// SubmitModifications handles POST /api/modifications
func (h *ModificationHandlers) SubmitModifications(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)

	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "RequestTooLarge", "Request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", "Invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		sendValidationError(w, err)
		return
	}

	if claims, ok := auth.GetClaims(r); ok {
		if claims.Username != req.Username || claims.Level != req.Level {
			respondWithError(w, http.StatusForbidden, "Forbidden", "Token does not match username and level")
			return
		}
	}

	op := h.profiler.Start("api.submit_modifications")
	resp, err := h.world.ApplyBatch(r.Context(), req.Username, req.Level, req.Modifications)
	op.Done(err)
	if err != nil {
		if errors.Is(err, world.ErrUnknownLevel) {
			respondWithError(w, http.StatusNotFound, "UnknownLevel", err.Error())
			return
		}
		log.Printf("[World] submit from %s on %s failed: %v", req.Username, req.Level, err)
		respondWithError(w, http.StatusInternalServerError, "InternalError", "Failed to apply modifications")
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}
