package netsync

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrNotConnected    = errors.New("not connected")
	ErrTransportClosed = errors.New("transport closed")
	ErrAlreadyOpen     = errors.New("transport already open")
	ErrBadChannel      = errors.New("invalid channel")
	ErrUnknownBackend  = errors.New("unknown transport backend")
)

const (
	// GracefulTimeout bounds how long a client disconnect waits
	// for outstanding reliable data before the link is reset
	GracefulTimeout = 3 * time.Second

	// ConnectTimeout bounds how long a client waits for the server
	// to acknowledge the link
	ConnectTimeout = 8 * time.Second

	// DefaultMaxClients is used by Listen when maxClients is not positive
	DefaultMaxClients = 32

	// eventQueueSize is the capacity of the hand-off queue between
	// backend goroutines and Poll
	eventQueueSize = 1024
)

// EventKind tags an Event
type EventKind uint8

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventReceive
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// An Event is something that happened on a transport.
// Poll returns events in the order the transport delivered them.
type Event struct {
	Kind EventKind

	// Peer is the remote endpoint on server transports
	// and PeerHandle{} on client transports
	Peer PeerHandle

	Channel Channel
	Data    []byte
}

// Transport is the client side of a network link to one server
type Transport interface {
	// Connect starts connecting to host:port.
	// An EventConnect or EventDisconnect is delivered by Poll
	// once the link is up or has failed.
	Connect(host string, port uint16) error

	// Disconnect closes the link, waiting at most GracefulTimeout
	// for outstanding reliable data to be acknowledged
	Disconnect()

	// Poll returns all queued events, waiting at most timeout
	// for the first one. A zero timeout never blocks.
	Poll(timeout time.Duration) []Event

	Send(data []byte, ch Channel) error
	IsConnected() bool
}

// ServerTransport accepts links from many clients
type ServerTransport interface {
	Listen(port uint16, maxClients int) error

	Poll(timeout time.Duration) []Event

	SendTo(h PeerHandle, data []byte, ch Channel) error
	Broadcast(data []byte, ch Channel)

	// Kick terminates the link to h.
	// An EventDisconnect for h is delivered by a later Poll.
	Kick(h PeerHandle)

	// PeerAddr returns the remote address of h or nil
	PeerAddr(h PeerHandle) net.Addr

	Close() error
}

func checkChannel(ch Channel) error {
	if ch >= ChannelCount {
		return fmt.Errorf("%w: %d", ErrBadChannel, ch)
	}
	return nil
}

// eventQueue is the hand-off point between the goroutines
// doing socket I/O and the single goroutine calling Poll
type eventQueue struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		ch:   make(chan Event, eventQueueSize),
		done: make(chan struct{}),
	}
}

// push queues ev. Unreliable data is dropped when the queue is full,
// other events wait for Poll to make room or for the queue to close.
func (q *eventQueue) push(ev Event) bool {
	if ev.Kind == EventReceive && ev.Channel == ChannelUnreliable {
		select {
		case q.ch <- ev:
			return true
		default:
			return false
		}
	}

	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	}
}

// pushWithin is like push but gives up after timeout
func (q *eventQueue) pushWithin(ev Event, timeout time.Duration) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	case <-t.C:
		return false
	}
}

func (q *eventQueue) poll(timeout time.Duration) []Event {
	var evs []Event

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case ev := <-q.ch:
			evs = append(evs, ev)
		case <-t.C:
			return nil
		case <-q.done:
		}
	}

	for {
		select {
		case ev := <-q.ch:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func (q *eventQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *eventQueue) closed() <-chan struct{} { return q.done }

// NewTransport returns a client transport of the named backend
func NewTransport(backend string, loop *LoopbackNetwork) (Transport, error) {
	switch backend {
	case "udp", "":
		return NewUDPTransport(), nil
	case "ws":
		return NewWSTransport(), nil
	case "loopback":
		if loop == nil {
			loop = DefaultLoopback
		}
		return loop.NewTransport(), nil
	case "null":
		return NullTransport{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

// NewServerTransport returns a server transport of the named backend
func NewServerTransport(backend string, loop *LoopbackNetwork) (ServerTransport, error) {
	switch backend {
	case "udp", "":
		return NewUDPServerTransport(), nil
	case "ws":
		return NewWSServerTransport(), nil
	case "loopback":
		if loop == nil {
			loop = DefaultLoopback
		}
		return loop.NewServerTransport(), nil
	case "null":
		return NullServerTransport{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
