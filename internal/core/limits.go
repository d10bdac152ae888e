package core

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files. All of these are compile-time;
// only the listen address and upload directory come from the environment.
const (
	// MaxRooms caps the number of concurrently active rooms. Create fails
	// with ErrCapacity once the registry holds this many.
	MaxRooms = 10000

	// MaxPeersPerRoom is the room membership bound (one host, one guest).
	MaxPeersPerRoom = 2

	// RoomTimeout is the idle window after which a room is expired. Any
	// relayed message or membership change resets the clock.
	RoomTimeout = time.Hour

	// RoomCodeLength is the number of symbols drawn for a room code.
	RoomCodeLength = 6

	// MaxMessagesPerSecond is the per-peer inbound signaling rate limit.
	MaxMessagesPerSecond = 100

	// MaxConnectionsPerIP bounds concurrent signaling connections from one
	// source address.
	MaxConnectionsPerIP = 10

	// sendBufferDepth is the per-peer outbound queue depth. A peer that
	// cannot drain this many frames starts losing them.
	sendBufferDepth = 64

	// sendTimeout bounds how long an enqueue to one peer may block before
	// the frame is dropped for that peer.
	sendTimeout = 50 * time.Millisecond

	// janitorInterval is the cadence of the expired-room sweep.
	janitorInterval = time.Minute

	// latencyWindowMax / latencyWindowKeep bound the rolling relay-latency
	// window: once the window exceeds the max it is trimmed to the most
	// recent keep samples.
	latencyWindowMax  = 1000
	latencyWindowKeep = 500
)
