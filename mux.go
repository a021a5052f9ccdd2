package netsync

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const muxPollInterval = 2 * time.Millisecond

// A Mux serves several server transports as one,
// so a single server accepts desktop and browser clients.
// Handles of backend b are renumbered to Index*len(backends)+b,
// which keeps them unique without any lookup table.
// Events of one backend keep their order; events of different
// backends are only ordered by the Poll that returned them.
type Mux struct {
	backends []ServerTransport
}

func NewMux(backends ...ServerTransport) *Mux {
	return &Mux{backends: backends}
}

func (m *Mux) wrap(b int, h PeerHandle) PeerHandle {
	return PeerHandle{Index: h.Index*uint32(len(m.backends)) + uint32(b), Gen: h.Gen}
}

func (m *Mux) unwrap(h PeerHandle) (ServerTransport, PeerHandle, bool) {
	n := uint32(len(m.backends))
	if n == 0 || h.IsZero() {
		return nil, PeerHandle{}, false
	}
	return m.backends[h.Index%n], PeerHandle{Index: h.Index / n, Gen: h.Gen}, true
}

// Listen opens every backend on port; maxClients applies per backend.
// If any backend fails the ones already open are closed again.
func (m *Mux) Listen(port uint16, maxClients int) error {
	for i, t := range m.backends {
		if err := t.Listen(port, maxClients); err != nil {
			for _, open := range m.backends[:i] {
				open.Close()
			}
			return fmt.Errorf("mux backend %d: %w", i, err)
		}
	}
	return nil
}

func (m *Mux) pollOnce() []Event {
	var evs []Event
	for b, t := range m.backends {
		for _, ev := range t.Poll(0) {
			ev.Peer = m.wrap(b, ev.Peer)
			evs = append(evs, ev)
		}
	}
	return evs
}

func (m *Mux) Poll(timeout time.Duration) []Event {
	evs := m.pollOnce()
	if len(evs) > 0 || timeout <= 0 {
		return evs
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(min(muxPollInterval, time.Until(deadline)))
		if evs = m.pollOnce(); len(evs) > 0 {
			return evs
		}
	}
	return nil
}

func (m *Mux) SendTo(h PeerHandle, data []byte, ch Channel) error {
	t, inner, ok := m.unwrap(h)
	if !ok {
		return fmt.Errorf("send to %v: %w", h, ErrUnknownPeer)
	}
	return t.SendTo(inner, data, ch)
}

func (m *Mux) Broadcast(data []byte, ch Channel) {
	for _, t := range m.backends {
		t.Broadcast(data, ch)
	}
}

func (m *Mux) Kick(h PeerHandle) {
	if t, inner, ok := m.unwrap(h); ok {
		t.Kick(inner)
	}
}

func (m *Mux) PeerAddr(h PeerHandle) net.Addr {
	t, inner, ok := m.unwrap(h)
	if !ok {
		return nil
	}
	return t.PeerAddr(inner)
}

func (m *Mux) Close() error {
	var errs []error
	for _, t := range m.backends {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
