// Package protocol implements the distributed wire protocol between a
// Coordinator and its Workers: a length-prefixed Envelope carrying one of
// a fixed set of payload types.
//
// Fixed-width header fields are big-endian, and framing is a 4-byte
// big-endian length prefix ahead of the encoded Envelope. Payload bodies
// are JSON, the same serialization the websocket control channel already
// speaks, while the outer Envelope keeps a compact fixed-width header.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/forgebuild/forge/action"
)

// Version is the current wire protocol version.
const Version uint8 = 1

// PayloadType is the envelope's declared tag byte identifying how to
// interpret Payload.
type PayloadType uint8

const (
	PayloadActionRequest PayloadType = iota + 1
	PayloadActionResult
	PayloadHeartBeat
	PayloadStealRequest
	PayloadStealResponse
	PayloadShutdown
	PayloadPeerAnnounce
)

func (t PayloadType) String() string {
	switch t {
	case PayloadActionRequest:
		return "ActionRequest"
	case PayloadActionResult:
		return "ActionResult"
	case PayloadHeartBeat:
		return "HeartBeat"
	case PayloadStealRequest:
		return "StealRequest"
	case PayloadStealResponse:
		return "StealResponse"
	case PayloadShutdown:
		return "Shutdown"
	case PayloadPeerAnnounce:
		return "PeerAnnounce"
	default:
		return fmt.Sprintf("PayloadType(%d)", uint8(t))
	}
}

// CompressionTag identifies how Payload bytes are compressed, if at all.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = iota
	CompressionZstd
)

// Envelope is the wire frame exchanged between Coordinator and Worker:
// protocol version, 64-bit message id, sender and recipient WorkerIds,
// timestamp (nanos since epoch), compression tag, payload type tag, and
// payload bytes.
type Envelope struct {
	Version     uint8
	MessageID   uint64
	Sender      action.WorkerId
	Recipient   action.WorkerId
	TimestampNs int64
	Compression CompressionTag
	Type        PayloadType
	Payload     []byte
}

// fixedHeaderSize is the byte length of every Envelope field up to and
// including the payload-type tag, before the variable-length payload.
const fixedHeaderSize = 1 + 8 + 8 + 8 + 8 + 1 + 1

// Encode serializes e's fixed header followed by its payload bytes.
func (e Envelope) Encode() []byte {
	buf := make([]byte, fixedHeaderSize+len(e.Payload))
	buf[0] = e.Version
	binary.BigEndian.PutUint64(buf[1:9], e.MessageID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.Sender))
	binary.BigEndian.PutUint64(buf[17:25], uint64(e.Recipient))
	binary.BigEndian.PutUint64(buf[25:33], uint64(e.TimestampNs))
	buf[33] = byte(e.Compression)
	buf[34] = byte(e.Type)
	copy(buf[fixedHeaderSize:], e.Payload)
	return buf
}

// DecodeEnvelope parses bytes previously produced by Encode. Unknown
// payload type tags are rejected with a structured error rather than
// silently accepted.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) < fixedHeaderSize {
		return Envelope{}, fmt.Errorf("protocol: envelope too short: %d bytes", len(data))
	}
	e := Envelope{
		Version:     data[0],
		MessageID:   binary.BigEndian.Uint64(data[1:9]),
		Sender:      action.WorkerId(binary.BigEndian.Uint64(data[9:17])),
		Recipient:   action.WorkerId(binary.BigEndian.Uint64(data[17:25])),
		TimestampNs: int64(binary.BigEndian.Uint64(data[25:33])),
		Compression: CompressionTag(data[33]),
		Type:        PayloadType(data[34]),
	}
	if e.Payload = nil; len(data) > fixedHeaderSize {
		e.Payload = append([]byte(nil), data[fixedHeaderSize:]...)
	}
	if !validPayloadType(e.Type) {
		return Envelope{}, fmt.Errorf("protocol: unknown payload type tag %d", uint8(e.Type))
	}
	return e, nil
}

func validPayloadType(t PayloadType) bool {
	return t >= PayloadActionRequest && t <= PayloadPeerAnnounce
}

// WriteFrame writes e to w length-prefixed with a 4-byte big-endian
// length, the framing the raw TCP envelope stream uses.
func WriteFrame(w io.Writer, e Envelope) error {
	body := e.Encode()
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("protocol: writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("protocol: writing frame body: %w", err)
	}
	return nil
}

// maxFrameBytes bounds a single frame to guard against a corrupt or
// malicious length prefix exhausting memory.
const maxFrameBytes = 256 << 20

// ReadFrame reads one length-prefixed frame from r and decodes it.
func ReadFrame(r io.Reader) (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, err // io.EOF propagates for clean stream close
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return Envelope{}, fmt.Errorf("protocol: frame length %d exceeds maximum %d", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("protocol: reading frame body: %w", err)
	}
	return DecodeEnvelope(body)
}

// EncodePayload JSON-marshals a typed payload into bytes suitable for
// Envelope.Payload.
func EncodePayload(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload types are all plain structs of wire-safe fields;
		// marshaling failure here would be a programming error.
		panic(fmt.Sprintf("protocol: marshaling payload: %v", err))
	}
	return data
}

// DecodePayload unmarshals e.Payload into dst, which must match e.Type.
func DecodePayload(e Envelope, dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decoding %s payload: %w", e.Type, err)
	}
	return nil
}
