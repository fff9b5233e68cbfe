package world

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/protocol"
)

// Session is one connected player. ID, Username, Level and Seeds are fixed
// once Subscribe returns.
type Session struct {
	ID       string
	Username string
	Level    string
	Seeds    protocol.TerrainSeeds

	service *Service
	number  int

	mu       sync.Mutex
	position protocol.Vec3
	closed   bool
	send     chan []byte
	dropped  atomic.Int64
}

// Welcome builds the handshake message.
func (s *Session) Welcome() protocol.Connected {
	return protocol.Connected{
		Type:         protocol.TypeConnected,
		Username:     s.Username,
		SessionID:    s.ID,
		TerrainSeeds: s.Seeds,
	}
}

// Outbound is the queue drained by the connection writer. It is closed by Close.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Enqueue queues msg for this session without blocking.
func (s *Session) Enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Position returns the last reported position.
func (s *Session) Position() protocol.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Announce tells the other sessions of the level that this player joined.
func (s *Session) Announce() {
	s.broadcastPresence(protocol.EventPlayerJoined, s.Position(), nil)
}

// WorldState answers a world-state-request.
func (s *Session) WorldState(ctx context.Context, chunkX, chunkZ int) (protocol.WorldState, error) {
	return s.service.ChunkState(ctx, s.Level, chunkmap.ChunkCoord{X: chunkX, Z: chunkZ})
}

// ApplyBatch applies mods as this player.
func (s *Session) ApplyBatch(ctx context.Context, mods []protocol.Modification) (protocol.SubmitResponse, error) {
	return s.service.ApplyBatch(ctx, s.Username, s.Level, mods)
}

// Move records a new position and tells the peers interested in its region.
func (s *Session) Move(pos protocol.Vec3) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.position = pos
	s.mu.Unlock()

	region := pos.Chunk().Region()
	interest := s.service.interest
	s.broadcastPresence(protocol.EventPlayerMoved, pos, func(peer *Session) bool {
		return interest.Interested(peer.ID, region)
	})
}

// SubscribeRegions replaces the region interest set of this session.
func (s *Session) SubscribeRegions(regions []chunkmap.RegionCoord) (protocol.RegionsAck, error) {
	delta, err := s.service.interest.UpdateRegions(s.ID, s.Level, regions)
	if err != nil {
		return protocol.RegionsAck{}, err
	}
	return protocol.RegionsAck{
		Type:    protocol.TypeRegionsAck,
		Added:   delta.Added,
		Removed: delta.Removed,
		Current: delta.Current,
	}, nil
}

// Close releases the username, closes the outbound queue and tells the
// peers this player left. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pos := s.position
	close(s.send)
	s.mu.Unlock()

	s.service.registry.remove(s)
	s.service.interest.Remove(s.ID)
	s.broadcastPresence(protocol.EventPlayerLeft, pos, nil)
	log.Printf("[World] %s left level %s", s.Username, s.Level)
}

func (s *Session) broadcastPresence(event string, pos protocol.Vec3, accept func(*Session) bool) {
	msg, err := protocol.NewBroadcast(protocol.PresenceEvent{
		Type:     event,
		Username: s.Username,
		Position: pos,
	})
	if err != nil {
		log.Printf("[World] encode %s: %v", event, err)
		return
	}
	s.service.registry.broadcast(s.Level, s.ID, msg, accept)
}
