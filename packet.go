package netsync

import (
	"bytes"
	"errors"
	"fmt"
)

// MsgType is the first byte of every packet
type MsgType uint8

const (
	MsgUnknown MsgType = iota
	MsgClientHello
	MsgServerWelcome
	MsgPositionUpdate
	MsgPositionBroadcast
	MsgClientDisconnect
	MsgObjectDespawn
)

const (
	headerSize    = 1
	transformSize = 7 * 4
	entrySize     = 4 + 4 + transformSize
)

var (
	ErrShortPacket  = errors.New("packet too short")
	ErrWrongType    = errors.New("packet has wrong message type")
	ErrUnknownType  = errors.New("unknown message type")
	ErrTrailingData = errors.New("trailing data after message")
	ErrBadCount     = errors.New("entry count does not match packet size")
)

func (t MsgType) String() string {
	switch t {
	case MsgClientHello:
		return "ClientHello"
	case MsgServerWelcome:
		return "ServerWelcome"
	case MsgPositionUpdate:
		return "PositionUpdate"
	case MsgPositionBroadcast:
		return "PositionBroadcast"
	case MsgClientDisconnect:
		return "ClientDisconnect"
	case MsgObjectDespawn:
		return "ObjectDespawn"
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// PeekType returns the message type of a packet without decoding it.
// It returns MsgUnknown for empty packets and unassigned type bytes.
func PeekType(data []byte) MsgType {
	if len(data) < headerSize {
		return MsgUnknown
	}

	t := MsgType(data[0])
	if t <= MsgUnknown || t > MsgObjectDespawn {
		return MsgUnknown
	}
	return t
}

// A Msg is a protocol message that can be put on the wire
type Msg interface {
	Type() MsgType

	encode(w *bytes.Buffer)
	decode(r *byteReader)
}

// ClientHello starts the handshake
type ClientHello struct{}

// ServerWelcome completes the handshake and assigns the client its ID
type ServerWelcome struct {
	ClientID ClientID
}

// PositionUpdate reports the transform of one object of the sender
type PositionUpdate struct {
	ClientID  ClientID
	ObjectID  NetObjectID
	Transform Transform
}

// PositionBroadcast carries the last known transform of every client
type PositionBroadcast struct {
	Entries []BroadcastEntry
}

// ClientDisconnect announces that the client is leaving
type ClientDisconnect struct {
	ClientID ClientID
}

// ObjectDespawn tells clients that an object left the world
type ObjectDespawn struct {
	ClientID ClientID
	ObjectID NetObjectID
}

func (*ClientHello) Type() MsgType       { return MsgClientHello }
func (*ServerWelcome) Type() MsgType     { return MsgServerWelcome }
func (*PositionUpdate) Type() MsgType    { return MsgPositionUpdate }
func (*PositionBroadcast) Type() MsgType { return MsgPositionBroadcast }
func (*ClientDisconnect) Type() MsgType  { return MsgClientDisconnect }
func (*ObjectDespawn) Type() MsgType     { return MsgObjectDespawn }

func (*ClientHello) encode(*bytes.Buffer) {}
func (*ClientHello) decode(*byteReader)   {}

func (m *ServerWelcome) encode(w *bytes.Buffer) {
	writeUint32(w, uint32(m.ClientID))
}

func (m *ServerWelcome) decode(r *byteReader) {
	m.ClientID = ClientID(r.uint32())
}

func (m *PositionUpdate) encode(w *bytes.Buffer) {
	writeUint32(w, uint32(m.ClientID))
	writeUint32(w, uint32(m.ObjectID))
	writeTransform(w, m.Transform)
}

func (m *PositionUpdate) decode(r *byteReader) {
	m.ClientID = ClientID(r.uint32())
	m.ObjectID = NetObjectID(r.uint32())
	m.Transform = r.transform()
}

func (m *PositionBroadcast) encode(w *bytes.Buffer) {
	writeUint32(w, uint32(len(m.Entries)))
	for _, e := range m.Entries {
		writeUint32(w, uint32(e.ClientID))
		writeUint32(w, uint32(e.ObjectID))
		writeTransform(w, e.Transform)
	}
}

func (m *PositionBroadcast) decode(r *byteReader) {
	n := r.uint32()
	if r.err != nil {
		return
	}

	// The count is checked against the bytes actually present
	// before anything is allocated.
	if uint64(n)*entrySize != uint64(r.remaining()) {
		r.err = ErrBadCount
		return
	}

	m.Entries = make([]BroadcastEntry, n)
	for i := range m.Entries {
		m.Entries[i].ClientID = ClientID(r.uint32())
		m.Entries[i].ObjectID = NetObjectID(r.uint32())
		m.Entries[i].Transform = r.transform()
	}
}

func (m *ClientDisconnect) encode(w *bytes.Buffer) {
	writeUint32(w, uint32(m.ClientID))
}

func (m *ClientDisconnect) decode(r *byteReader) {
	m.ClientID = ClientID(r.uint32())
}

func (m *ObjectDespawn) encode(w *bytes.Buffer) {
	writeUint32(w, uint32(m.ClientID))
	writeUint32(w, uint32(m.ObjectID))
}

func (m *ObjectDespawn) decode(r *byteReader) {
	m.ClientID = ClientID(r.uint32())
	m.ObjectID = NetObjectID(r.uint32())
}

// Marshal returns the wire encoding of msg
func Marshal(msg Msg) []byte {
	w := bytes.NewBuffer(make([]byte, 0, encodedSize(msg)))
	writeUint8(w, uint8(msg.Type()))
	msg.encode(w)
	return w.Bytes()
}

func encodedSize(msg Msg) int {
	switch m := msg.(type) {
	case *ServerWelcome, *ClientDisconnect:
		return headerSize + 4
	case *PositionUpdate:
		return headerSize + entrySize
	case *PositionBroadcast:
		return headerSize + 4 + len(m.Entries)*entrySize
	case *ObjectDespawn:
		return headerSize + 8
	}
	return headerSize
}

// Unmarshal decodes data into msg.
// It fails if data holds a different message type,
// is truncated or has bytes left over.
func Unmarshal(data []byte, msg Msg) error {
	if len(data) < headerSize {
		return ErrShortPacket
	}
	if t := MsgType(data[0]); t != msg.Type() {
		return fmt.Errorf("%w: want %v, got %v", ErrWrongType, msg.Type(), t)
	}

	r := &byteReader{data: data, off: headerSize}
	msg.decode(r)
	if r.err != nil {
		return fmt.Errorf("decode %v: %w", msg.Type(), r.err)
	}
	if r.remaining() != 0 {
		return fmt.Errorf("decode %v: %w (%d bytes)", msg.Type(), ErrTrailingData, r.remaining())
	}

	return nil
}

// Decode decodes a packet of any known type
func Decode(data []byte) (Msg, error) {
	var msg Msg
	switch t := PeekType(data); t {
	case MsgClientHello:
		msg = &ClientHello{}
	case MsgServerWelcome:
		msg = &ServerWelcome{}
	case MsgPositionUpdate:
		msg = &PositionUpdate{}
	case MsgPositionBroadcast:
		msg = &PositionBroadcast{}
	case MsgClientDisconnect:
		msg = &ClientDisconnect{}
	case MsgObjectDespawn:
		msg = &ObjectDespawn{}
	default:
		if len(data) < headerSize {
			return nil, ErrShortPacket
		}
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, MsgType(data[0]))
	}

	if err := Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
