package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"beam/server/internal/core"
	"beam/server/internal/protocol"
)

func startTestServer(t *testing.T) (*core.Registry, string) {
	t.Helper()

	registry := core.NewRegistry()
	e := echo.New()
	NewHandler(registry).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return registry, wsURL
}

func dialPeer(t *testing.T, baseWSURL, code, query string) *websocket.Conn {
	t.Helper()

	url := baseWSURL + "/ws/" + code
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg map[string]any
		err := conn.ReadJSON(&msg)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatal("timed out waiting for matching message")
	return nil
}

// readCloseCode reads frames until the peer closes the connection and
// returns the close code it sent.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	for {
		var msg map[string]any
		err := conn.ReadJSON(&msg)
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code
		}
		t.Fatalf("connection ended without close frame: %v", err)
	}
}

func isType(msgType string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == msgType }
}

func TestHostRendezvousAndGuestArrives(t *testing.T) {
	_, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "AB23CD", "isHost=true")
	joined := readUntil(t, host, isType(protocol.TypeRoomJoined))
	if joined["roomCode"] != "AB23CD" || joined["isHost"] != true {
		t.Fatalf("host room-joined = %#v", joined)
	}
	if joined["peerCount"] != float64(1) {
		t.Fatalf("host peerCount = %v, want 1", joined["peerCount"])
	}
	if peers, ok := joined["peers"].([]any); !ok || len(peers) != 0 {
		t.Fatalf("host prior peers = %#v, want empty list", joined["peers"])
	}
	hostID, _ := joined["peerId"].(string)
	if hostID == "" {
		t.Fatal("host was not assigned a peer id")
	}

	// Lowercase code resolves to the same room.
	guest := dialPeer(t, baseURL, "ab23cd", "isHost=false")
	guestJoined := readUntil(t, guest, isType(protocol.TypeRoomJoined))
	if guestJoined["roomCode"] != "AB23CD" || guestJoined["isHost"] != false {
		t.Fatalf("guest room-joined = %#v", guestJoined)
	}
	if peers, ok := guestJoined["peers"].([]any); !ok || len(peers) != 1 || peers[0] != hostID {
		t.Fatalf("guest prior peers = %#v, want [%s]", guestJoined["peers"], hostID)
	}

	notify := readUntil(t, host, isType(protocol.TypePeerJoined))
	if notify["isHost"] != false || notify["peerCount"] != float64(2) {
		t.Fatalf("host peer-joined = %#v", notify)
	}
}

func TestTargetedRelayStampsSender(t *testing.T) {
	_, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "CD23AB", "isHost=true")
	hostJoined := readUntil(t, host, isType(protocol.TypeRoomJoined))
	hostID := hostJoined["peerId"].(string)

	guest := dialPeer(t, baseURL, "CD23AB", "peerId=guest-1")
	readUntil(t, guest, isType(protocol.TypeRoomJoined))
	readUntil(t, host, isType(protocol.TypePeerJoined))

	writeMsg(t, guest, map[string]any{
		"type":     "offer",
		"targetId": hostID,
		"sdp":      "v=0 o=- 0 0 IN IP4 0.0.0.0",
		"senderId": "spoofed",
	})

	offer := readUntil(t, host, isType("offer"))
	if offer["senderId"] != "guest-1" {
		t.Fatalf("senderId = %v, want guest-1", offer["senderId"])
	}
	if offer["sdp"] != "v=0 o=- 0 0 IN IP4 0.0.0.0" {
		t.Fatalf("payload mangled: %#v", offer)
	}
}

func TestFullRoomRejectedWith4003(t *testing.T) {
	_, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "EF23GH", "isHost=true")
	readUntil(t, host, isType(protocol.TypeRoomJoined))
	guest := dialPeer(t, baseURL, "EF23GH", "")
	readUntil(t, guest, isType(protocol.TypeRoomJoined))

	third := dialPeer(t, baseURL, "EF23GH", "")
	errFrame := readUntil(t, third, isType(protocol.TypeError))
	if errFrame["message"] != "Room is full" {
		t.Fatalf("error frame = %#v", errFrame)
	}
	if code := readCloseCode(t, third); code != protocol.CloseRoomFull {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseRoomFull)
	}
}

func TestGuestUnknownRoomRejectedWith4004(t *testing.T) {
	_, baseURL := startTestServer(t)

	guest := dialPeer(t, baseURL, "GH23EF", "isHost=false")
	errFrame := readUntil(t, guest, isType(protocol.TypeError))
	if errFrame["message"] != "Room not found" {
		t.Fatalf("error frame = %#v", errFrame)
	}
	if code := readCloseCode(t, guest); code != protocol.CloseRoomNotFound {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseRoomNotFound)
	}
}

func TestRateLimitedFramesKeepConnection(t *testing.T) {
	_, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "JK23LM", "isHost=true")
	readUntil(t, host, isType(protocol.TypeRoomJoined))
	guest := dialPeer(t, baseURL, "JK23LM", "")
	readUntil(t, guest, isType(protocol.TypeRoomJoined))
	readUntil(t, host, isType(protocol.TypePeerJoined))

	// Blast frames far faster than the limiter refills.
	for i := 0; i < 30; i++ {
		writeMsg(t, guest, map[string]any{"type": "candidate", "seq": i})
	}

	limited := readUntil(t, guest, isType(protocol.TypeError))
	if limited["message"] != "Rate limited" {
		t.Fatalf("error frame = %#v", limited)
	}

	// The connection survives; after the interval a frame relays again.
	time.Sleep(50 * time.Millisecond)
	writeMsg(t, guest, map[string]any{"type": "candidate", "seq": "after-limit"})
	readUntil(t, host, func(m map[string]any) bool {
		return m["type"] == "candidate" && m["seq"] == "after-limit"
	})
}

func TestAddressLimitRejectedWith4029(t *testing.T) {
	_, baseURL := startTestServer(t)

	// Every test connection shares 127.0.0.1, so filling the per-address
	// budget only takes hosting distinct rooms.
	for i := 0; i < core.MaxConnectionsPerIP; i++ {
		code := fmt.Sprintf("QQ23%02d", i)
		conn := dialPeer(t, baseURL, code, "isHost=true")
		readUntil(t, conn, isType(protocol.TypeRoomJoined))
	}

	extra := dialPeer(t, baseURL, "QQ23XX", "isHost=true")
	if code := readCloseCode(t, extra); code != protocol.CloseTooManyConnections {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseTooManyConnections)
	}
}

func TestUndecodableFrameIsSkipped(t *testing.T) {
	_, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "NP23QR", "isHost=true")
	readUntil(t, host, isType(protocol.TypeRoomJoined))
	guest := dialPeer(t, baseURL, "NP23QR", "")
	readUntil(t, guest, isType(protocol.TypeRoomJoined))
	readUntil(t, host, isType(protocol.TypePeerJoined))

	_ = guest.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := guest.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	// The connection is preserved and the next valid frame relays.
	writeMsg(t, guest, map[string]any{"type": "candidate", "seq": "after-garbage"})
	readUntil(t, host, func(m map[string]any) bool {
		return m["type"] == "candidate" && m["seq"] == "after-garbage"
	})
}

func TestDisconnectNotifiesSurvivor(t *testing.T) {
	registry, baseURL := startTestServer(t)

	host := dialPeer(t, baseURL, "ST23UV", "isHost=true")
	readUntil(t, host, isType(protocol.TypeRoomJoined))
	guest := dialPeer(t, baseURL, "ST23UV", "peerId=leaver")
	readUntil(t, guest, isType(protocol.TypeRoomJoined))
	readUntil(t, host, isType(protocol.TypePeerJoined))

	_ = guest.Close()

	left := readUntil(t, host, isType(protocol.TypePeerLeft))
	if left["peerId"] != "leaver" || left["peerCount"] != float64(1) {
		t.Fatalf("peer-left = %#v", left)
	}

	info, ok := registry.Lookup("ST23UV")
	if !ok || info.PeerCount != 1 {
		t.Fatalf("room info after disconnect = %+v ok=%v", info, ok)
	}
}
