package netsync

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RemoteEntry is the latest known transform of an object
// owned by some client, as broadcast by the server
type RemoteEntry struct {
	ClientID  ClientID
	ObjectID  NetObjectID
	Transform Transform
}

// DespawnEntry announces that an object left the world
type DespawnEntry struct {
	ClientID ClientID
	ObjectID NetObjectID
}

// A Client keeps one connection to a Server in sync.
// Connect, Poll, SendPositionUpdate and Disconnect must be called
// from one goroutine; the pending buffers and the queries
// may be used from any goroutine.
type Client struct {
	t       Transport
	log     *zap.SugaredLogger
	dropLog *rate.Limiter

	localID atomic.Uint32

	mu          deadlock.Mutex
	pending     []RemoteEntry
	despawns    []DespawnEntry
	onBroadcast func([]RemoteEntry)
	onDespawn   func(DespawnEntry)
}

// NewClient returns a client that talks to the server through t.
// A nil logger discards all output.
func NewClient(t Transport, log *zap.SugaredLogger) *Client {
	return &Client{
		t:       t,
		log:     nopIfNil(log),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Connect starts connecting to host:port.
// The handshake is driven by Poll.
func (c *Client) Connect(host string, port uint16) error {
	c.localID.Store(uint32(ClientIDNil))

	if err := c.t.Connect(host, port); err != nil {
		return err
	}

	c.log.Infow("connecting", "host", host, "port", port)
	return nil
}

// Disconnect says goodbye to the server if the handshake
// completed and closes the transport
func (c *Client) Disconnect() {
	if id := c.LocalClientID(); id != ClientIDNil {
		if err := c.t.Send(Marshal(&ClientDisconnect{ClientID: id}), ChannelReliable); err != nil {
			c.log.Debugw("send disconnect", "err", err)
		}
	}
	c.localID.Store(uint32(ClientIDNil))

	c.t.Disconnect()
}

// Close disconnects and releases the transport
func (c *Client) Close() error {
	c.Disconnect()

	if cl, ok := c.t.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// IsConnected reports whether the link is up and
// the server has assigned a ClientID
func (c *Client) IsConnected() bool {
	return c.t.IsConnected() && c.LocalClientID() != ClientIDNil
}

// LocalClientID returns the id the server assigned or ClientIDNil
func (c *Client) LocalClientID() ClientID {
	return ClientID(c.localID.Load())
}

// OnPositionBroadcast registers a function that is called from Poll
// with the entries of every position broadcast
func (c *Client) OnPositionBroadcast(function func([]RemoteEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onBroadcast = function
}

// OnObjectDespawn registers a function that is called from Poll
// for every object that leaves the world
func (c *Client) OnObjectDespawn(function func(DespawnEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onDespawn = function
}

// TakePending returns and clears the latest broadcast entries
// and the despawns received since the last call
func (c *Client) TakePending() ([]RemoteEntry, []DespawnEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, despawns := c.pending, c.despawns
	c.pending, c.despawns = nil, nil
	return entries, despawns
}

// SendPositionUpdate uploads the transform of one local object
func (c *Client) SendPositionUpdate(objectID NetObjectID, tr Transform) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return c.t.Send(Marshal(&PositionUpdate{
		ClientID:  c.LocalClientID(),
		ObjectID:  objectID,
		Transform: tr,
	}), ChannelUnreliable)
}

// Poll handles all queued transport events,
// waiting at most timeout for the first one
func (c *Client) Poll(timeout time.Duration) {
	for _, ev := range c.t.Poll(timeout) {
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnect:
		c.log.Debug("link up, sending hello")
		if err := c.t.Send(Marshal(&ClientHello{}), ChannelReliable); err != nil {
			c.log.Warnw("send hello", "err", err)
		}
	case EventDisconnect:
		if c.localID.Swap(uint32(ClientIDNil)) != uint32(ClientIDNil) {
			c.log.Info("disconnected by server")
		} else {
			c.log.Info("connection failed or closed")
		}
	case EventReceive:
		c.handlePacket(ev.Data)
	}
}

func (c *Client) handlePacket(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		if c.dropLog.Allow() {
			c.log.Warnw("dropping packet", "type", PeekType(data), "len", len(data), "err", err)
		}
		return
	}

	switch msg := msg.(type) {
	case *ServerWelcome:
		if ClientID(c.localID.Swap(uint32(msg.ClientID))) != msg.ClientID {
			c.log.Infow("welcomed", "client", msg.ClientID)
		}
	case *PositionBroadcast:
		entries := make([]RemoteEntry, len(msg.Entries))
		for i, e := range msg.Entries {
			entries[i] = RemoteEntry(e)
		}

		c.mu.Lock()
		c.pending = entries
		fn := c.onBroadcast
		c.mu.Unlock()

		if fn != nil {
			fn(append([]RemoteEntry(nil), entries...))
		}
	case *ObjectDespawn:
		d := DespawnEntry{ClientID: msg.ClientID, ObjectID: msg.ObjectID}

		c.mu.Lock()
		c.despawns = append(c.despawns, d)
		fn := c.onDespawn
		c.mu.Unlock()

		if fn != nil {
			fn(d)
		}
	default:
		if c.dropLog.Allow() {
			c.log.Warnw("ignoring packet", "type", msg.Type())
		}
	}
}
