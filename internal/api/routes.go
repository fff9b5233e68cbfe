package api

import (
	"fmt"
	"net/http"

	"github.com/blockhaven/world/internal/auth"
	"github.com/blockhaven/world/internal/config"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/world"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Config   *config.Config
	World    *world.Service
	Tokens   *auth.TokenService
	Hub      *WebSocketHub
	Profiler *performance.Profiler
}

// NewRouter registers every route and wraps the mux in the shared middleware.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Config == nil || deps.World == nil || deps.Hub == nil {
		return nil, fmt.Errorf("router requires config, world service and hub")
	}
	cfg := deps.Config
	mux := http.NewServeMux()
	origins := NewOriginPolicy(cfg.Server.AllowedOrigins)

	mux.HandleFunc("GET /health", healthHandler(deps.World, deps.Hub))

	ws := NewWebSocketHandlers(deps.Hub, deps.World, deps.Tokens, origins, deps.Profiler)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket)

	if err := setupModificationRoutes(mux, deps); err != nil {
		return nil, err
	}

	chunks := NewChunkHandlers(deps.World)
	mux.HandleFunc("GET /api/chunks/{level}/{chunkX}/{chunkZ}", chunks.GetChunk)

	if deps.Profiler != nil {
		mux.HandleFunc("GET /debug/metrics", metricsHandler(deps.Profiler))
	}

	var handler http.Handler = mux
	handler = CORSMiddleware(origins)(handler)
	handler = auth.SecurityHeadersMiddleware(cfg.Server.Environment == "production")(handler)
	return handler, nil
}

func setupModificationRoutes(mux *http.ServeMux, deps Dependencies) error {
	handlers := NewModificationHandlers(deps.World, deps.Profiler)

	rateLimit, err := RateLimitMiddleware(deps.Config.World.SubmitRateLimit)
	if err != nil {
		return err
	}

	var handler http.Handler = rateLimit(http.HandlerFunc(handlers.SubmitModifications))
	if deps.Tokens != nil {
		// Claims must be in the context before the limiter keys on them
		handler = auth.Middleware(deps.Tokens, deps.Config.Auth.RequireToken)(handler)
	}
	mux.Handle("POST /api/modifications", handler)
	return nil
}

func healthHandler(svc *world.Service, hub *WebSocketHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"service":     "world-server",
			"sessions":    svc.Registry().Count(),
			"connections": hub.Count(),
		})
	}
}

func metricsHandler(profiler *performance.Profiler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := profiler.JSONReport()
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "InternalError", "Failed to encode metrics")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}
