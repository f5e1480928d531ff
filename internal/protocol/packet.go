// Package protocol defines the wire model for the session core: the Packet
// value type, its header fields and flag bitfield, the typed payload arms,
// and the Codec that frames packets onto a byte stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the payload arm carried by a packet.
type MessageType string

const (
	TypePing  MessageType = "PING"
	TypePong  MessageType = "PONG"
	TypeEvent MessageType = "EVENT"
	// TypeControl is the JSON control envelope (subscribe/unsubscribe/
	// publish/presence/auth). On the wire the type key reads "JSON" for
	// compatibility with the original gateway.
	TypeControl MessageType = "JSON"
)

// Action is the verb inside a control envelope.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPublish     Action = "publish"
	ActionPresence    Action = "presence"
	ActionAuth        Action = "auth"
)

// Flag is the packet flag bitfield.
type Flag uint32

const (
	FlagCompressed Flag = 1
	FlagEncrypted  Flag = 2
	FlagChecksum   Flag = 4
	FlagUrgent     Flag = 8
	FlagNoAck      Flag = 16
	FlagBroadcast  Flag = 32
	FlagRetry      Flag = 64
)

// Has reports whether all bits in mask are set.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

// Version is the protocol version carried in every header.
// v1 accepts exactly major=1, minor=0.
type Version struct {
	Major int
	Minor int
	Patch int
	Pre   string
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}

// ParseVersion parses "major.minor.patch[-pre]".
func ParseVersion(s string) (Version, error) {
	var v Version
	base := s
	if i := strings.IndexByte(s, '-'); i >= 0 {
		base, v.Pre = s[:i], s[i+1:]
	}
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return Version{}, E(CodeInvalidVersion, "malformed version %q", s)
	}
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, E(CodeInvalidVersion, "malformed version %q", s)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, E(CodeInvalidVersion, "malformed version %q", s)
	}
	if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
		return Version{}, E(CodeInvalidVersion, "malformed version %q", s)
	}
	return v, nil
}

// CurrentVersion is the version stamped on packets built by this process.
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Supported reports whether this node speaks the given version.
func (v Version) Supported() bool { return v.Major == 1 && v.Minor == 0 }

// Header carries routing and envelope metadata for one packet.
// Optional fields serialize only when non-zero.
type Header struct {
	ID            string
	Type          MessageType
	Timestamp     int64 // unix millis
	Version       Version
	Priority      int
	TTL           int
	Source        string
	Destination   string
	CorrelationID string
	Flags         Flag
	Checksum      string // 16 hex chars, present iff FlagChecksum
	Compression   string // none|gzip|deflate
	Encryption    string // none|aes128|aes256
}

// WireError is the in-band error arm of a payload.
type WireError struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

// PingBody is the payload of a PING packet.
type PingBody struct {
	Timestamp int64 `json:"timestamp"`
}

// PongBody echoes the originating ping timestamp so the sender can
// compute round-trip latency without local bookkeeping.
type PongBody struct {
	OriginalTimestamp int64 `json:"originalTimestamp,omitempty"`
	Timestamp         int64 `json:"timestamp"`
}

// EventBody is a data message fanned out on a channel. Seq is the
// channel-local sequence number; subscribers use it to detect gaps
// after a lagged marker.
type EventBody struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Lagged  uint64          `json:"lagged,omitempty"` // events dropped before this one
}

// ControlBody is the JSON control envelope.
type ControlBody struct {
	Action      Action          `json:"action"`
	Channel     string          `json:"channel,omitempty"`
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	FromHistory int             `json:"fromHistory,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Status      string          `json:"status,omitempty"`
	Token       string          `json:"token,omitempty"`
}

// Payload is a tagged variant: exactly one arm matching the header type is
// set. Free-form payloads are deliberately not representable.
type Payload struct {
	Ping     *PingBody
	Pong     *PongBody
	Event    *EventBody
	Control  *ControlBody
	Metadata map[string]string
	Error    *WireError
}

// wirePayload is the self-describing JSON shape of a Payload.
type wirePayload struct {
	Kind     MessageType       `json:"kind"`
	Ping     *PingBody         `json:"ping,omitempty"`
	Pong     *PongBody         `json:"pong,omitempty"`
	Event    *EventBody        `json:"event,omitempty"`
	Control  *ControlBody      `json:"control,omitempty"`
	Metadata map[string]string `json:"meta,omitempty"`
	Error    *WireError        `json:"error,omitempty"`
}

// Packet is the unit of exchange on a connection. Value semantics: the
// codec never retains a reference after Encode returns.
type Packet struct {
	Header  Header
	Payload Payload
}

// NewPacket builds a packet of the given type with a fresh id, current
// timestamp, and the current protocol version.
func NewPacket(t MessageType) *Packet {
	return &Packet{Header: Header{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Version:   CurrentVersion,
	}}
}

// Validate checks structural requirements before encoding: required header
// fields, a supported version, and a payload arm matching the type.
func (p *Packet) Validate() error {
	if p.Header.ID == "" {
		return E(CodeInvalidMessage, "missing packet id")
	}
	if p.Header.Timestamp == 0 {
		return E(CodeInvalidMessage, "missing timestamp")
	}
	if !p.Header.Version.Supported() {
		return E(CodeInvalidVersion, "unsupported version %s", p.Header.Version)
	}
	switch p.Header.Type {
	case TypePing:
		if p.Payload.Ping == nil {
			return E(CodeInvalidMessage, "PING packet without ping body")
		}
	case TypePong:
		if p.Payload.Pong == nil {
			return E(CodeInvalidMessage, "PONG packet without pong body")
		}
	case TypeEvent:
		if p.Payload.Event == nil {
			return E(CodeInvalidMessage, "EVENT packet without event body")
		}
		if p.Payload.Event.Channel == "" {
			return E(CodeInvalidMessage, "EVENT packet without channel")
		}
	case TypeControl:
		if p.Payload.Control == nil {
			return E(CodeInvalidMessage, "control packet without envelope")
		}
		switch p.Payload.Control.Action {
		case ActionSubscribe, ActionUnsubscribe, ActionPublish, ActionPresence, ActionAuth:
		default:
			return E(CodeInvalidMessage, "unknown control action %q", p.Payload.Control.Action)
		}
	default:
		return E(CodeInvalidMessage, "unknown message type %q", p.Header.Type)
	}
	return nil
}

func (p *Payload) marshal(kind MessageType) ([]byte, error) {
	return json.Marshal(wirePayload{
		Kind:     kind,
		Ping:     p.Ping,
		Pong:     p.Pong,
		Event:    p.Event,
		Control:  p.Control,
		Metadata: p.Metadata,
		Error:    p.Error,
	})
}

func unmarshalPayload(data []byte, kind MessageType) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return Payload{}, E(CodeInvalidFormat, "malformed payload document")
	}
	if w.Kind != "" && w.Kind != kind {
		return Payload{}, E(CodeInvalidFormat, "payload kind %q does not match header type %q", w.Kind, kind)
	}
	return Payload{
		Ping:     w.Ping,
		Pong:     w.Pong,
		Event:    w.Event,
		Control:  w.Control,
		Metadata: w.Metadata,
		Error:    w.Error,
	}, nil
}
