// Package ws is the signaling endpoint: it admits peers into rooms over
// websocket and pumps their frames through the registry's relay.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"beam/server/internal/core"
	"beam/server/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second

	// maxFrameBytes bounds one inbound signaling frame. Signaling payloads
	// are SDP blobs and ICE candidates; 1 MiB is generous.
	maxFrameBytes = 1 << 20
)

// Handler owns websocket transport for the signaling engine.
type Handler struct {
	registry *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a signaling handler bound to the registry.
func NewHandler(registry *core.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the signaling route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/:code", h.HandleSignaling)
}

// HandleSignaling upgrades one request and serves it until disconnect.
// URL shape: /ws/<ROOM_CODE>?peerId=<opt>&isHost=<true|false>.
func (h *Handler) HandleSignaling(c echo.Context) error {
	code := c.Param("code")
	peerID := c.QueryParam("peerId")
	isHost := strings.EqualFold(c.QueryParam("isHost"), "true")
	addr := c.RealIP()

	// Admission starts before the upgrade: a source address over its
	// connection budget never reaches the join path. The close code still
	// has to travel over the upgraded socket, so the frame is written
	// immediately after the handshake.
	admitted := h.registry.CheckAddrLimit(addr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	if !admitted {
		slog.Info("connection refused, address over limit", "addr", addr)
		h.closeWith(conn, protocol.CloseTooManyConnections, "Too many connections")
		return nil
	}

	h.serveConn(conn, code, peerID, isHost, addr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, code, peerID string, isHost bool, addr string) {
	conn.SetReadLimit(maxFrameBytes)

	peer, err := h.registry.Join(code, peerID, isHost, addr)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrRoomNotFound):
			h.writeDirectError(conn, "Room not found")
			h.closeWith(conn, protocol.CloseRoomNotFound, "Room not found")
		case errors.Is(err, core.ErrRoomFull):
			h.writeDirectError(conn, "Room is full")
			h.closeWith(conn, protocol.CloseRoomFull, "Room full")
		case errors.Is(err, core.ErrCapacity):
			h.writeDirectError(conn, "Server at capacity")
			h.closeWith(conn, websocket.CloseTryAgainLater, "Server at capacity")
		default:
			h.writeDirectError(conn, err.Error())
		}
		return
	}

	roomCode := peer.RoomCode
	defer h.registry.Leave(roomCode, peer.ID)

	// Dedicated writer: the only goroutine that touches the connection's
	// write side after a successful join. It drains the peer's queue, and
	// once the registry closes that queue it emits whatever close frame
	// the registry recorded (e.g. 1000 "Room closed").
	go func() {
		for out := range peer.Outbound() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
		if closeCode, closeText := peer.CloseReason(); closeCode != 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeText))
		}
		_ = conn.Close()
	}()

	for {
		// Text or binary, either way the payload is a JSON object.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			// Undecodable frame: skip it, keep the connection.
			slog.Debug("undecodable signaling frame skipped", "peer_id", peer.ID, "err", err)
			continue
		}

		if !h.registry.CheckRateLimit(peer) {
			peer.Enqueue(protocol.Errorf("Rate limited"))
			continue
		}

		h.registry.Relay(roomCode, peer, msg)
	}
}

// writeDirectError writes an error frame on a connection that has no
// writer goroutine yet (pre-join reject paths only).
func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.Errorf(errMsg))
}

func (h *Handler) closeWith(conn *websocket.Conn, closeCode int, text string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, text))
}
