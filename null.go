package netsync

import (
	"errors"
	"net"
	"time"
)

// ErrNoNetwork is returned by the null backend
var ErrNoNetwork = errors.New("networking not available")

// NullTransport is the client backend of builds without networking.
// Connect always fails and everything else does nothing.
type NullTransport struct{}

func (NullTransport) Connect(host string, port uint16) error { return ErrNoNetwork }
func (NullTransport) Disconnect()                            {}
func (NullTransport) Poll(timeout time.Duration) []Event     { return nil }
func (NullTransport) Send(data []byte, ch Channel) error     { return ErrNotConnected }
func (NullTransport) IsConnected() bool                      { return false }

// NullServerTransport is the server backend of builds without networking
type NullServerTransport struct{}

func (NullServerTransport) Listen(port uint16, maxClients int) error { return ErrNoNetwork }
func (NullServerTransport) Poll(timeout time.Duration) []Event       { return nil }
func (NullServerTransport) SendTo(h PeerHandle, data []byte, ch Channel) error {
	return ErrUnknownPeer
}
func (NullServerTransport) Broadcast(data []byte, ch Channel) {}
func (NullServerTransport) Kick(h PeerHandle)                 {}
func (NullServerTransport) PeerAddr(h PeerHandle) net.Addr    { return nil }
func (NullServerTransport) Close() error                      { return nil }
