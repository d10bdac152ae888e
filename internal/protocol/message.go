// Package protocol defines the server-generated signaling events and the
// websocket close codes. Peer-to-peer payloads are opaque JSON objects and
// never appear here; the server only ever stamps senderId into them.
package protocol

// Event types emitted by the server.
const (
	TypeRoomJoined = "room-joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeError      = "error"
)

// Websocket close codes. The 4xxx range is application-defined.
const (
	CloseNormal             = 1000
	CloseRoomFull           = 4003
	CloseRoomNotFound       = 4004
	CloseTooManyConnections = 4029
)

// RoomJoined acknowledges a successful join to the joining peer. Peers
// lists the ids of the members that were already present.
type RoomJoined struct {
	Type      string   `json:"type"`
	RoomCode  string   `json:"roomCode"`
	PeerID    string   `json:"peerId"`
	IsHost    bool     `json:"isHost"`
	PeerCount int      `json:"peerCount"`
	Peers     []string `json:"peers"`
}

// PeerJoined notifies existing members that a new peer arrived.
type PeerJoined struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	IsHost    bool   `json:"isHost"`
	PeerCount int    `json:"peerCount"`
}

// PeerLeft notifies surviving members that a peer departed.
type PeerLeft struct {
	Type      string `json:"type"`
	PeerID    string `json:"peerId"`
	PeerCount int    `json:"peerCount"`
}

// ErrorEvent is the in-band error frame.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Errorf builds an error frame with the given message.
func Errorf(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}
