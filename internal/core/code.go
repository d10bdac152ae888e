package core

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// codeAlphabet is the 32-symbol room code alphabet. Letters that resemble
// digits (I, O) and the digits 0 and 1 are excluded so codes survive being
// read aloud or scribbled down.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// randomCode draws RoomCodeLength symbols from codeAlphabet using a
// cryptographically strong source. 32 symbols per position means each byte
// of entropy maps to exactly one symbol with no modulo bias.
func randomCode() string {
	var raw [RoomCodeLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("core: read random bytes: " + err.Error())
	}
	code := make([]byte, RoomCodeLength)
	for i, b := range raw {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code)
}

// CanonicalCode uppercases a client-supplied room code. Codes are
// case-insensitive on input; the canonical form is uppercase.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewToken returns a URL-safe random token from n bytes of entropy,
// unpadded base64url like the original peer and file identifiers.
func NewToken(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic("core: read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
