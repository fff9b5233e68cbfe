package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blockhaven/world/internal/client"
	"github.com/blockhaven/world/internal/config"
	"github.com/blockhaven/world/internal/kvstore"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
)

// main runs a headless player: it joins a level, walks a circle so chunks
// stream in and out, and edits blocks along the way.
func main() {
	steps := flag.Int("steps", 200, "number of movement steps")
	radius := flag.Float64("radius", 96, "radius of the walked circle in blocks")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between steps")
	editEvery := flag.Int("edit-every", 3, "place or remove a block every N steps (0 disables edits)")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	closeLog, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	store, err := kvstore.OpenSQLite(filepath.Join(cfg.DataDir, "client.db"))
	if err != nil {
		log.Fatalf("Failed to open client store: %v", err)
	}
	defer store.Close()

	profiler := performance.NewProfiler(true)
	session, err := client.NewSession(client.SessionConfig{
		ServerURL:      cfg.ServerURL,
		Level:          cfg.Level,
		DrawDistance:   cfg.DrawDistance,
		MaxBatchSize:   cfg.MaxBatchSize,
		Debounce:       cfg.Debounce,
		RequestTimeout: cfg.RequestTimeout,
		Store:          store,
		Profiler:       profiler,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	welcome, err := session.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	log.Printf("Joined %s as %s (seed %d)", cfg.Level, welcome.Username, welcome.TerrainSeeds.Seed)

	walk(ctx, session, *steps, *radius, *interval, *editEvery)

	if err := session.Close(context.Background()); err != nil {
		log.Printf("Close: %v", err)
	}
	if n, err := session.Queue().Len(context.Background(), cfg.Level); err == nil && n > 0 {
		log.Printf("%d modifications remain queued offline for the next run", n)
	}
	profiler.LogReport()
}

func walk(ctx context.Context, session *client.Session, steps int, radius float64, interval time.Duration, editEvery int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 0; step < steps; step++ {
		select {
		case <-ctx.Done():
			return
		case <-session.Disconnected():
			log.Printf("Connection lost, reconnecting")
			if !reconnect(ctx, session) {
				return
			}
		case <-ticker.C:
		}

		angle := 2 * math.Pi * float64(step) / float64(steps)
		pos := protocol.Vec3{X: radius * math.Cos(angle), Y: 70, Z: radius * math.Sin(angle)}
		update, err := session.UpdatePosition(pos)
		switch {
		case errors.Is(err, client.ErrSubscriptionRejected):
			log.Printf("Region interest not updated: %v", err)
		case err != nil:
			log.Printf("Move failed: %v", err)
			continue
		}
		if len(update.Requested) > 0 || len(update.Evicted) > 0 {
			stats := session.Cache().Stats()
			log.Printf("Chunk %s: requested=%d evicted=%d loaded=%d pending=%d",
				update.Chunk.Key(), len(update.Requested), len(update.Evicted), stats.Loaded, stats.Pending)
		}

		if editEvery > 0 && step%editEvery == 0 {
			edit(ctx, session, pos)
		}
	}
}

func edit(ctx context.Context, session *client.Session, pos protocol.Vec3) {
	target := protocol.Position{
		X: int(math.Floor(pos.X)) + rand.IntN(5) - 2,
		Y: 64 + rand.IntN(8),
		Z: int(math.Floor(pos.Z)) + rand.IntN(5) - 2,
	}
	var err error
	if rand.IntN(4) == 0 {
		_, err = session.RemoveBlock(ctx, target)
	} else {
		_, err = session.PlaceBlock(ctx, target, 1+rand.IntN(8))
	}
	if err != nil {
		log.Printf("Edit failed: %v", err)
	}
}

func reconnect(ctx context.Context, session *client.Session) bool {
	backoff := 500 * time.Millisecond
	for {
		_, err := session.Reconnect(ctx)
		if err == nil {
			return true
		}
		log.Printf("Reconnect failed: %v (retrying in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}
