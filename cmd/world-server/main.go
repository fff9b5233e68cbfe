package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockhaven/world/internal/api"
	"github.com/blockhaven/world/internal/auth"
	"github.com/blockhaven/world/internal/config"
	"github.com/blockhaven/world/internal/database"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/world"
)

// main starts the world server: it opens the configured storage backend,
// mounts the HTTP and WebSocket routes and serves until interrupted.
func main() {
	if err := run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	levelConfigs, err := config.LoadLevels(cfg.World.LevelsPath)
	if err != nil {
		return err
	}
	levels := make([]world.Level, 0, len(levelConfigs))
	for _, l := range levelConfigs {
		levels = append(levels, world.Level{
			Name:  l.Name,
			Seed:  l.Seed,
			Spawn: protocol.Vec3{X: l.Spawn[0], Y: l.Spawn[1], Z: l.Spawn[2]},
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seeds, chunks, closeStore, err := openStores(ctx, cfg.Database, levels)
	if err != nil {
		return err
	}
	defer closeStore()

	profiler := performance.NewProfiler(cfg.World.ProfilingEnabled)
	svc, err := world.NewService(world.Config{
		Seeds:           seeds,
		Chunks:          chunks,
		Levels:          levels,
		SendBuffer:      cfg.World.SendBuffer,
		MaxDrawDistance: cfg.World.MaxDrawDistance,
		Profiler:        profiler,
	})
	if err != nil {
		return err
	}

	hub := api.NewWebSocketHub()
	go hub.Run(ctx)

	handler, err := api.NewRouter(api.Dependencies{
		Config:   cfg,
		World:    svc,
		Tokens:   auth.NewTokenService(cfg.Auth),
		Hub:      hub,
		Profiler: profiler,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("World server starting on %s (storage=%s, levels=%d)", server.Addr, cfg.Database.Backend, len(levels))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Printf("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	if profiler.IsEnabled() {
		profiler.LogReport()
	}
	return nil
}

// openStores builds the seed and chunk stores for the configured backend.
func openStores(ctx context.Context, cfg config.DatabaseConfig, levels []world.Level) (world.SeedStore, world.ChunkStore, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := database.Open(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		bases := make(map[string]int64, len(levels))
		for _, l := range levels {
			bases[l.Name] = l.Seed
		}
		seeds := database.NewSeedStorage(db, func(level string) protocol.TerrainSeeds {
			return world.GenerateSeeds(bases[level])
		})
		log.Printf("Connected to PostgreSQL at %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
		return seeds, database.NewBlockStorage(db), func() { _ = db.Close() }, nil

	case config.BackendSQLite:
		store, err := kvstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Printf("Using SQLite world store at %s", cfg.SQLitePath)
		return world.NewKVSeedStore(store, levels), world.NewKVChunkStore(store), func() { _ = store.Close() }, nil

	default:
		store := kvstore.NewMemory()
		log.Printf("Using in-memory world store; edits are lost on restart")
		return world.NewKVSeedStore(store, levels), world.NewKVChunkStore(store), func() {}, nil
	}
}
