package netsync

// ClientIDs are assigned by the server in increasing order
// and never reused while the server is running
type ClientID uint32

// NetObjectIDs identify the networked objects a client owns
type NetObjectID uint32

const (
	// Used by clients before the server sets their ID
	ClientIDNil ClientID = 0

	// Lowest ID the server can assign to a client
	ClientIDMin ClientID = 1
)

// NetObjectIDNil is never a real object
const NetObjectIDNil NetObjectID = 0

const (
	DefaultPort = 7777
	DefaultHost = "127.0.0.1"
)

// A Channel selects the delivery class of a packet.
// The numbering is fixed system-wide and never negotiated.
type Channel uint8

const (
	// Reliable packets are received in the order they are sent in
	ChannelReliable Channel = iota

	// Unreliable packets may be dropped, duplicated or reordered
	ChannelUnreliable

	// ChannelCount is the maximum channel number + 1
	ChannelCount
)

func (ch Channel) String() string {
	switch ch {
	case ChannelReliable:
		return "reliable"
	case ChannelUnreliable:
		return "unreliable"
	}
	return "invalid"
}

// Transform is a position plus a rotation quaternion.
// The quaternion is stored and sent in W, X, Y, Z order.
type Transform struct {
	PosX, PosY, PosZ       float32
	RotW, RotX, RotY, RotZ float32
}

// IdentityTransform is the origin with no rotation
var IdentityTransform = Transform{RotW: 1}

// BroadcastEntry is one client object in a position broadcast
type BroadcastEntry struct {
	ClientID  ClientID
	ObjectID  NetObjectID
	Transform Transform
}
