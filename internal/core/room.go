package core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Peer is one end of a signaling channel. A Peer exists only while its
// websocket is open and it is a member of exactly one room.
type Peer struct {
	ID          string
	IsHost      bool
	RoomCode    string
	Addr        string
	ConnectedAt time.Time

	limiter *rate.Limiter

	// Guarded by the owning Registry's mutex.
	messagesSent int64
	lastMessage  time.Time

	send      chan any
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newPeer(id string, isHost bool, roomCode, addr string) *Peer {
	return &Peer{
		ID:          id,
		IsHost:      isHost,
		RoomCode:    roomCode,
		Addr:        addr,
		ConnectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(MaxMessagesPerSecond), 1),
		send:        make(chan any, sendBufferDepth),
	}
}

// Outbound is the peer's delivery queue. The connection's writer goroutine
// ranges over it; the channel is closed exactly once when the peer is
// removed or its room is closed.
func (p *Peer) Outbound() <-chan any {
	return p.send
}

// CloseReason returns the close code and text set before the outbound
// channel was closed. Code 0 means no close frame is owed (the transport
// already went away on its own).
func (p *Peer) CloseReason() (int, string) {
	return p.closeCode, p.closeText
}

// Enqueue offers one frame to this peer's own queue, used for in-band
// error frames so the connection's single writer stays the only writer.
func (p *Peer) Enqueue(msg any) bool {
	return enqueue(p.send, msg)
}

// shutdown closes the outbound channel, recording the close frame the
// writer should emit. Safe to call more than once; only the first wins.
func (p *Peer) shutdown(code int, text string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeText = text
		close(p.send)
	})
}

// enqueue offers one frame to the peer's queue, giving up after
// sendTimeout. A peer that cannot drain its queue loses frames rather than
// stalling fan-out to anyone else; per-peer ordering is preserved by the
// single writer goroutine on the other end.
func enqueue(ch chan any, msg any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(sendTimeout):
		return false
	}
}

// Room is a rendezvous container addressed by a short code, holding up to
// MaxPeersPerRoom peers for the duration of signaling. All fields are
// guarded by the owning Registry's mutex.
type Room struct {
	Code      string
	CreatedAt time.Time

	peers        map[string]*Peer
	lastActivity time.Time
	messageCount int64
}

func newRoom(code string) *Room {
	now := time.Now()
	return &Room{
		Code:         code,
		CreatedAt:    now,
		peers:        make(map[string]*Peer),
		lastActivity: now,
	}
}

func (r *Room) expired(now time.Time) bool {
	return now.Sub(r.lastActivity) > RoomTimeout
}

func (r *Room) hasHost() bool {
	for _, p := range r.peers {
		if p.IsHost {
			return true
		}
	}
	return false
}

// RoomInfo is the registry's read-only view of one room.
type RoomInfo struct {
	Code      string
	CreatedAt time.Time
	PeerCount int
	HasHost   bool
}
