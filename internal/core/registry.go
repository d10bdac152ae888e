package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"beam/server/internal/metrics"
	"beam/server/internal/protocol"
)

// Sentinel errors the transport layers map onto status codes / close codes.
var (
	ErrCapacity        = errors.New("room registry at capacity")
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrConnectionLimit = errors.New("too many connections from address")
)

// Registry owns the room namespace: code→room mapping, per-address
// connection counts and the rolling counters behind /api/stats. It is the
// single shared mutable structure on the signaling path, so every
// read-modify-write goes through one coarse mutex; each operation is O(1)
// (or O(peers-per-room), which is ≤2) and the room count is bounded, so
// contention is a non-issue.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*Room
	addrConns map[string]int

	totalConnections int64
	totalMessages    int64
	latencies        []float64

	startTime time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		addrConns: make(map[string]int),
		startTime: time.Now(),
	}
}

// Create allocates a room under a freshly generated code and returns the
// code. Fails with ErrCapacity at MaxRooms.
func (g *Registry) Create() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	code, err := g.createLocked("")
	if err != nil {
		return "", err
	}
	slog.Info("room created", "code", code, "active_rooms", len(g.rooms))
	return code, nil
}

// createLocked inserts a new room, generating a code unique among live
// rooms unless the caller supplies one. Caller holds g.mu.
func (g *Registry) createLocked(code string) (string, error) {
	if len(g.rooms) >= MaxRooms {
		return "", ErrCapacity
	}
	if code == "" {
		for {
			code = randomCode()
			if _, taken := g.rooms[code]; !taken {
				break
			}
		}
	}
	g.rooms[code] = newRoom(code)
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	return code, nil
}

// Lookup returns a read-only view of a room. An expired room found here is
// removed in-line before reporting not-found (lazy reaping).
func (g *Registry) Lookup(code string) (RoomInfo, bool) {
	code = CanonicalCode(code)

	g.mu.Lock()
	room := g.lookupLocked(code)
	if room == nil {
		g.mu.Unlock()
		return RoomInfo{}, false
	}
	info := RoomInfo{
		Code:      room.Code,
		CreatedAt: room.CreatedAt,
		PeerCount: len(room.peers),
		HasHost:   room.hasHost(),
	}
	g.mu.Unlock()
	return info, true
}

// lookupLocked resolves a canonical code, lazily reaping an expired room.
// An expired room has been idle for a full RoomTimeout, so any peers it
// still holds are shut down here the same way Close would. Caller holds
// g.mu.
func (g *Registry) lookupLocked(code string) *Room {
	room, ok := g.rooms[code]
	if !ok {
		return nil
	}
	if room.expired(time.Now()) {
		g.removeRoomLocked(room, protocol.CloseNormal, "Room closed")
		slog.Debug("expired room reaped on lookup", "code", code)
		return nil
	}
	return room
}

// removeRoomLocked drops a room and shuts down all member peers with the
// given close frame. Errors closing individual channels are swallowed by
// construction (shutdown never fails). Caller holds g.mu.
func (g *Registry) removeRoomLocked(room *Room, closeCode int, closeText string) {
	delete(g.rooms, room.Code)
	for _, p := range room.peers {
		g.decAddrLocked(p.Addr)
		p.shutdown(closeCode, closeText)
	}
	room.peers = make(map[string]*Peer)
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
}

// Close removes the room and closes every member channel with close code
// 1000 ("Room closed"). Closing a code with no live room is a no-op.
func (g *Registry) Close(code string) {
	code = CanonicalCode(code)

	g.mu.Lock()
	room, ok := g.rooms[code]
	if ok {
		g.removeRoomLocked(room, protocol.CloseNormal, "Room closed")
	}
	active := len(g.rooms)
	g.mu.Unlock()

	if ok {
		slog.Info("room closed", "code", code, "active_rooms", active)
	}
}

// CheckAddrLimit reports whether a new connection from addr is within the
// per-address bound. Called before the websocket upgrade.
func (g *Registry) CheckAddrLimit(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addrConns[addr] < MaxConnectionsPerIP
}

func (g *Registry) decAddrLocked(addr string) {
	if n := g.addrConns[addr]; n > 1 {
		g.addrConns[addr] = n - 1
	} else {
		// Saturate at zero and keep the map from accumulating dead keys.
		delete(g.addrConns, addr)
	}
}

// Join admits a peer into the room addressed by code, running the whole
// admission sequence under the registry mutex: lookup with lazy reap,
// host auto-create with the requested code, capacity check, membership
// insert and counter updates. Notifications (peer-joined to the prior
// members, room-joined to the new peer) are enqueued before returning.
//
// The returned Peer carries the final peer id: a supplied id that collides
// with an existing member is replaced with a generated one.
func (g *Registry) Join(code, peerID string, isHost bool, addr string) (*Peer, error) {
	code = CanonicalCode(code)

	g.mu.Lock()
	room := g.lookupLocked(code)
	if room == nil {
		if !isHost {
			g.mu.Unlock()
			return nil, ErrRoomNotFound
		}
		// Hosts may rendezvous on a code that does not exist yet; the
		// requested code goes straight into the create path under the
		// same lock, so concurrent hosts cannot race it into existence
		// twice.
		if _, err := g.createLocked(code); err != nil {
			g.mu.Unlock()
			return nil, err
		}
		room = g.rooms[code]
		slog.Info("room created by host", "code", code)
	}

	if len(room.peers) >= MaxPeersPerRoom {
		g.mu.Unlock()
		return nil, ErrRoomFull
	}

	if peerID == "" {
		peerID = NewToken(8)
	}
	if _, taken := room.peers[peerID]; taken {
		replaced := NewToken(8)
		slog.Debug("peer id collision, regenerated", "code", code, "requested", peerID, "assigned", replaced)
		peerID = replaced
	}
	if isHost && room.hasHost() {
		// A room has at most one host. A second claimant joins as guest.
		slog.Debug("host slot already held, demoting to guest", "code", code, "peer_id", peerID)
		isHost = false
	}

	peer := newPeer(peerID, isHost, code, addr)

	prior := make([]*Peer, 0, len(room.peers))
	priorIDs := make([]string, 0, len(room.peers))
	for id, p := range room.peers {
		prior = append(prior, p)
		priorIDs = append(priorIDs, id)
	}

	room.peers[peerID] = peer
	room.lastActivity = time.Now()
	g.totalConnections++
	g.addrConns[addr]++
	count := len(room.peers)
	g.mu.Unlock()

	metrics.ConnectionsTotal.Inc()

	joined := protocol.PeerJoined{
		Type:      protocol.TypePeerJoined,
		PeerID:    peerID,
		IsHost:    isHost,
		PeerCount: count,
	}
	for _, p := range prior {
		enqueue(p.send, joined)
	}
	enqueue(peer.send, protocol.RoomJoined{
		Type:      protocol.TypeRoomJoined,
		RoomCode:  code,
		PeerID:    peerID,
		IsHost:    isHost,
		PeerCount: count,
		Peers:     priorIDs,
	})

	slog.Info("peer joined", "code", code, "peer_id", peerID, "is_host", isHost, "peer_count", count)
	return peer, nil
}

// Leave removes a peer from its room, notifies the survivors and closes
// the room if it is now empty. Leaving a room or peer that is already gone
// is a no-op; disconnect cleanup races the janitor by design.
func (g *Registry) Leave(code, peerID string) {
	code = CanonicalCode(code)

	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return
	}
	peer, ok := room.peers[peerID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(room.peers, peerID)
	g.decAddrLocked(peer.Addr)

	survivors := make([]*Peer, 0, len(room.peers))
	for _, p := range room.peers {
		survivors = append(survivors, p)
	}
	count := len(room.peers)
	empty := count == 0
	if empty {
		g.removeRoomLocked(room, protocol.CloseNormal, "Room closed")
	}
	active := len(g.rooms)
	g.mu.Unlock()

	// The departing peer's websocket is already gone; no close frame owed.
	peer.shutdown(0, "")

	left := protocol.PeerLeft{
		Type:      protocol.TypePeerLeft,
		PeerID:    peerID,
		PeerCount: count,
	}
	for _, p := range survivors {
		enqueue(p.send, left)
	}

	slog.Info("peer left", "code", code, "peer_id", peerID, "room_closed", empty, "active_rooms", active)
}

// CheckRateLimit reports whether the peer may relay one more message right
// now. On success it advances the peer's counters.
func (g *Registry) CheckRateLimit(p *Peer) bool {
	if !p.limiter.Allow() {
		return false
	}
	g.mu.Lock()
	p.messagesSent++
	p.lastMessage = time.Now()
	g.mu.Unlock()
	return true
}

// Relay fans one signaling message out to the sender's room. The only
// server-interpreted field is targetId: when present, delivery is
// restricted to that peer. The outbound copy carries senderId regardless
// of what the client put there. Delivery failure to an individual peer is
// silent; the affected peer's own receive loop will clean it up.
func (g *Registry) Relay(code string, sender *Peer, msg map[string]any) {
	start := time.Now()
	code = CanonicalCode(code)

	targetID, _ := msg["targetId"].(string)
	msg["senderId"] = sender.ID

	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		g.mu.Unlock()
		return
	}
	room.lastActivity = time.Now()
	room.messageCount++
	g.totalMessages++

	targets := make([]*Peer, 0, len(room.peers))
	for id, p := range room.peers {
		if id == sender.ID {
			continue
		}
		if targetID != "" && id != targetID {
			continue
		}
		targets = append(targets, p)
	}
	g.mu.Unlock()

	metrics.MessagesTotal.Inc()
	for _, p := range targets {
		enqueue(p.send, msg)
	}

	g.recordLatency(float64(time.Since(start).Microseconds()) / 1000)
}

func (g *Registry) recordLatency(ms float64) {
	g.mu.Lock()
	g.latencies = append(g.latencies, ms)
	if len(g.latencies) > latencyWindowMax {
		g.latencies = append(g.latencies[:0], g.latencies[len(g.latencies)-latencyWindowKeep:]...)
	}
	g.mu.Unlock()
}

// Stats is the registry's contribution to /api/stats.
type Stats struct {
	ActiveRooms      int
	TotalConnections int64
	TotalMessages    int64
	UptimeSeconds    float64
	AvgLatencyMs     float64
}

// Snapshot returns current counters and the mean of the latency window.
func (g *Registry) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var avg float64
	if len(g.latencies) > 0 {
		var sum float64
		for _, v := range g.latencies {
			sum += v
		}
		avg = sum / float64(len(g.latencies))
	}
	return Stats{
		ActiveRooms:      len(g.rooms),
		TotalConnections: g.totalConnections,
		TotalMessages:    g.totalMessages,
		UptimeSeconds:    time.Since(g.startTime).Seconds(),
		AvgLatencyMs:     avg,
	}
}

// RunJanitor sweeps expired rooms every minute until ctx is canceled. A
// cancellation mid-sleep exits promptly without another sweep.
func (g *Registry) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sweep(); n > 0 {
				slog.Info("expired rooms swept", "count", n)
			}
		}
	}
}

// sweep closes every expired room and returns how many were removed.
func (g *Registry) sweep() int {
	now := time.Now()

	g.mu.Lock()
	expired := make([]*Room, 0)
	for _, room := range g.rooms {
		if room.expired(now) {
			expired = append(expired, room)
		}
	}
	for _, room := range expired {
		g.removeRoomLocked(room, protocol.CloseNormal, "Room closed")
	}
	g.mu.Unlock()

	return len(expired)
}
