package common

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
)

// --------------------------------------------------------------------------
// Cookie
// --------------------------------------------------------------------------

// Cookie is the session identifier of a connection. The router assigns one to
// every accepted socket and routes by cookie, never by socket.
type Cookie uint64

const (
	// CookieUnknown means "not assigned yet". It is also the target of a
	// message without a concrete receiver.
	CookieUnknown Cookie = 0
	// CookieLocal marks messages produced inside the router process
	CookieLocal Cookie = 1
	// CookieRouter identifies the router itself
	CookieRouter Cookie = 2
	// CookieFirstRemote is the first cookie handed out to an accepted client
	CookieFirstRemote Cookie = 256
)

// IsRemote reports whether the cookie lies in the range assigned to clients
func (c Cookie) IsRemote() bool {
	return c >= CookieFirstRemote
}

// String returns a readable representation of the cookie
func (c Cookie) String() string {
	switch c {
	case CookieUnknown:
		return "unknown"
	case CookieLocal:
		return "local"
	case CookieRouter:
		return "router"
	default:
		return strconv.FormatUint(uint64(c), 10)
	}
}

// --------------------------------------------------------------------------
// Message ID
// --------------------------------------------------------------------------

// MessageID identifies the kind of a RemoteMessage. The router only looks at
// the range an id falls into, the meaning of executable ids belongs to the
// application.
type MessageID uint32

const (
	MsgIDInvalid MessageID = 0

	// Executable ids: requests, responses and notifications between peers

	MsgIDFirstExecutable MessageID = 0x00001000
	MsgIDEcho                      = MsgIDFirstExecutable // answered by the built-in echo handler
	MsgIDLastExecutable  MessageID = 0x7FFFFFFF

	// Control ids: handled by the router itself

	MsgIDFirstControl      MessageID = 0xF0000000
	MsgIDServiceConnect    MessageID = 0xF0000001 // handshake request/response, connect notify
	MsgIDServiceDisconnect MessageID = 0xF0000002 // client goodbye, disconnect notify
)

// IsExecutable reports whether the id carries application traffic
func (id MessageID) IsExecutable() bool {
	return id >= MsgIDFirstExecutable && id <= MsgIDLastExecutable
}

// IsControl reports whether the id is reserved for the router
func (id MessageID) IsControl() bool {
	return id >= MsgIDFirstControl
}

// String returns the name of well known ids and the hex value otherwise
func (id MessageID) String() string {
	switch id {
	case MsgIDInvalid:
		return "invalid"
	case MsgIDEcho:
		return "echo"
	case MsgIDServiceConnect:
		return "connect"
	case MsgIDServiceDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("0x%08x", uint32(id))
	}
}

// MarshalJSON writes well known ids by name and all others as numbers
func (id MessageID) MarshalJSON() ([]byte, error) {
	switch id {
	case MsgIDInvalid, MsgIDEcho, MsgIDServiceConnect, MsgIDServiceDisconnect:
		return json.Marshal(id.String())
	default:
		return json.Marshal(uint32(id))
	}
}

// UnmarshalJSON accepts both forms written by MarshalJSON
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var n uint32
	if err := json.Unmarshal(data, &n); err == nil {
		*id = MessageID(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "invalid":
		*id = MsgIDInvalid
	case "echo":
		*id = MsgIDEcho
	case "connect":
		*id = MsgIDServiceConnect
	case "disconnect":
		*id = MsgIDServiceDisconnect
	default:
		return fmt.Errorf("unknown message id: %s", s)
	}
	return nil
}

// --------------------------------------------------------------------------
// Remote Message
// --------------------------------------------------------------------------

// RemoteMessage is the unit of routing. It is passed by value and not
// modified after construction.
type RemoteMessage struct {
	MessageID MessageID `json:"id"`
	Source    Cookie    `json:"source"`
	Target    Cookie    `json:"target"`
	Checksum  uint32    `json:"checksum"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Checksum computes the checksum stored in a RemoteMessage
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Verify recomputes the checksum and compares it with the stored one
func (m RemoteMessage) Verify() error {
	if actual := Checksum(m.Payload); actual != m.Checksum {
		return &ChecksumMismatchError{MessageID: m.MessageID, Expected: m.Checksum, Actual: actual}
	}
	return nil
}

// Reply creates the answer to m: same id, source and target swapped
func (m RemoteMessage) Reply(payload []byte) RemoteMessage {
	return NewRemoteMessage(m.MessageID, m.Target, m.Source, payload)
}

// String returns a short description used in log lines
func (m RemoteMessage) String() string {
	return fmt.Sprintf("[id=%s src=%s dst=%s len=%d]", m.MessageID, m.Source, m.Target, len(m.Payload))
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRemoteMessage creates a message and computes its checksum
func NewRemoteMessage(id MessageID, source, target Cookie, payload []byte) RemoteMessage {
	return RemoteMessage{
		MessageID: id,
		Source:    source,
		Target:    target,
		Checksum:  Checksum(payload),
		Payload:   payload,
	}
}

// NewConnectRequest creates the first message a client sends. The client does
// not know its cookie yet, so the source is unknown.
func NewConnectRequest() RemoteMessage {
	return NewRemoteMessage(MsgIDServiceConnect, CookieUnknown, CookieRouter, nil)
}

// NewConnectResponse creates the handshake answer. The target is the cookie the
// router assigned at accept time, the payload repeats it for clients that
// only look at the body.
func NewConnectResponse(cookie Cookie) RemoteMessage {
	return NewRemoteMessage(MsgIDServiceConnect, CookieRouter, cookie, EncodeCookie(cookie))
}

// NewConnectNotify tells local consumers that a client completed the handshake
func NewConnectNotify(cookie Cookie) RemoteMessage {
	return NewRemoteMessage(MsgIDServiceConnect, cookie, CookieLocal, EncodeCookie(cookie))
}

// NewDisconnectRequest creates the goodbye message of a client
func NewDisconnectRequest(cookie Cookie) RemoteMessage {
	return NewRemoteMessage(MsgIDServiceDisconnect, cookie, CookieRouter, nil)
}

// NewDisconnectNotify tells local consumers that a client is gone
func NewDisconnectNotify(cookie Cookie) RemoteMessage {
	return NewRemoteMessage(MsgIDServiceDisconnect, cookie, CookieLocal, EncodeCookie(cookie))
}

// EncodeCookie writes a cookie as 8 big endian bytes
func EncodeCookie(c Cookie) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(c))
	return b
}

// DecodeCookie reads a cookie written by EncodeCookie
func DecodeCookie(b []byte) (Cookie, error) {
	if len(b) < 8 {
		return CookieUnknown, &ShortFrameError{Name: "cookie", Size: len(b), Minimum: 8}
	}
	return Cookie(binary.BigEndian.Uint64(b[:8])), nil
}
