package netsync

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anon55555/mt/rudp"
	"github.com/sasha-s/go-deadlock"
)

func udpPkt(data []byte, ch Channel) rudp.Pkt {
	return rudp.Pkt{Data: data, ChNo: uint8(ch), Unrel: ch == ChannelUnreliable}
}

func pktChannel(pkt rudp.Pkt) Channel {
	if pkt.Unrel {
		return ChannelUnreliable
	}
	return ChannelReliable
}

// peerClosed reports whether a Recv error means p is gone
func peerClosed(p *rudp.Peer, err error) bool {
	select {
	case <-p.Disco():
		return true
	default:
	}

	return errors.Is(err, net.ErrClosed)
}

// A udpPeer is a client connected to a UDPServerTransport
type udpPeer struct {
	*rudp.Peer
	h PeerHandle
}

// UDPServerTransport accepts clients over reliable UDP.
// Channel 0 packets are sent reliably, channel 1 packets unreliably.
type UDPServerTransport struct {
	mu  deadlock.Mutex
	pc  net.PacketConn
	q   *eventQueue
	max int

	peers Arena[*udpPeer]
}

func NewUDPServerTransport() *UDPServerTransport {
	return &UDPServerTransport{}
}

func (s *UDPServerTransport) Listen(port uint16, maxClients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil {
		return ErrAlreadyOpen
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	if err := netOpen(s); err != nil {
		return err
	}

	pc, err := net.ListenPacket("udp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		netClose(s)
		return fmt.Errorf("listen udp port %d: %w", port, err)
	}

	s.pc = pc
	s.q = newEventQueue()
	s.max = maxClients

	go s.acceptPeers(rudp.Listen(pc), s.q)

	return nil
}

// Addr returns the local address the transport listens on or nil
func (s *UDPServerTransport) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

func (s *UDPServerTransport) acceptPeers(l *rudp.Listener, q *eventQueue) {
	for {
		rp, err := l.Accept()
		if err != nil {
			select {
			case <-q.closed():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			continue
		}

		if s.peers.Len() >= s.max {
			rp.SendDisco(0, true)
			rp.Close()
			continue
		}

		p := &udpPeer{Peer: rp}
		p.h = s.peers.Alloc(p)
		q.push(Event{Kind: EventConnect, Peer: p.h})

		go s.recvPeer(p, q)
	}
}

func (s *UDPServerTransport) recvPeer(p *udpPeer, q *eventQueue) {
	for {
		pkt, err := p.Recv()
		if err != nil {
			if peerClosed(p.Peer, err) {
				// Announce before the slot can be reused
				q.push(Event{Kind: EventDisconnect, Peer: p.h})
				s.peers.Free(p.h)
				return
			}

			continue
		}

		// Empty packets only establish the link
		if len(pkt.Data) == 0 {
			continue
		}

		q.push(Event{Kind: EventReceive, Peer: p.h, Channel: pktChannel(pkt), Data: pkt.Data})
	}
}

func (s *UDPServerTransport) queue() *eventQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.q
}

func (s *UDPServerTransport) Poll(timeout time.Duration) []Event {
	q := s.queue()
	if q == nil {
		return nil
	}
	return q.poll(timeout)
}

func (s *UDPServerTransport) SendTo(h PeerHandle, data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	p, ok := s.peers.Get(h)
	if !ok {
		return fmt.Errorf("send to %v: %w", h, ErrUnknownPeer)
	}

	if _, err := p.Send(udpPkt(data, ch)); err != nil {
		return fmt.Errorf("send to %v: %w", h, err)
	}
	return nil
}

func (s *UDPServerTransport) Broadcast(data []byte, ch Channel) {
	for _, p := range s.peers.Values() {
		p.Send(udpPkt(data, ch))
	}
}

func (s *UDPServerTransport) Kick(h PeerHandle) {
	p, ok := s.peers.Get(h)
	if !ok {
		return
	}

	p.SendDisco(0, true)
	p.Close()
}

func (s *UDPServerTransport) PeerAddr(h PeerHandle) net.Addr {
	p, ok := s.peers.Get(h)
	if !ok {
		return nil
	}
	return p.Addr()
}

// Close disconnects every client and releases the socket
func (s *UDPServerTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return nil
	}

	for _, p := range s.peers.Values() {
		p.SendDisco(0, true)
		p.Close()
	}

	s.q.close()
	err := s.pc.Close()
	s.pc = nil
	netClose(s)

	return err
}

// clientListenPacket opens the local socket of a UDPTransport
var clientListenPacket = net.ListenPacket

// UDPTransport connects to a UDPServerTransport
type UDPTransport struct {
	mu      deadlock.Mutex
	pc      net.PacketConn
	peer    *rudp.Peer
	q       *eventQueue
	up      bool
	lastAck <-chan struct{}
}

func NewUDPTransport() *UDPTransport {
	return &UDPTransport{}
}

// Connect sends an empty reliable packet to host:port.
// The link is up once the server acknowledges it.
func (t *UDPTransport) Connect(host string, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.peer != nil {
		return ErrAlreadyOpen
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	if err := netOpen(t); err != nil {
		return err
	}

	pc, err := clientListenPacket("udp", ":0")
	if err != nil {
		netClose(t)
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	p := rudp.Connect(pc, addr)
	ack, err := p.Send(rudp.Pkt{Data: []byte{}})
	if err != nil {
		p.Close()
		pc.Close()
		netClose(t)
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}

	t.pc = pc
	t.peer = p
	t.q = newEventQueue()
	t.up = false
	t.lastAck = nil

	go t.handshake(p, t.q, ack)
	go t.recv(p, t.q)

	return nil
}

func (t *UDPTransport) handshake(p *rudp.Peer, q *eventQueue, ack <-chan struct{}) {
	select {
	case <-ack:
		t.mu.Lock()
		cur := t.peer == p
		if cur {
			t.up = true
		}
		t.mu.Unlock()

		if cur {
			q.push(Event{Kind: EventConnect})
		}
	case <-p.Disco():
	case <-time.After(ConnectTimeout):
		p.SendDisco(0, true)
		p.Close()
	}
}

func (t *UDPTransport) recv(p *rudp.Peer, q *eventQueue) {
	for {
		pkt, err := p.Recv()
		if err != nil {
			if peerClosed(p, err) {
				t.linkDown(p, q)
				return
			}

			continue
		}

		if len(pkt.Data) == 0 {
			continue
		}

		q.push(Event{Kind: EventReceive, Channel: pktChannel(pkt), Data: pkt.Data})
	}
}

// linkDown forgets p after the server or a timeout closed it
func (t *UDPTransport) linkDown(p *rudp.Peer, q *eventQueue) {
	t.mu.Lock()
	if t.peer != p {
		t.mu.Unlock()
		return
	}
	t.peer = nil
	t.up = false
	pc := t.pc
	t.pc = nil
	t.mu.Unlock()

	pc.Close()
	q.push(Event{Kind: EventDisconnect})
}

func (t *UDPTransport) Poll(timeout time.Duration) []Event {
	t.mu.Lock()
	q := t.q
	t.mu.Unlock()

	if q == nil {
		return nil
	}
	return q.poll(timeout)
}

func (t *UDPTransport) Send(data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.up {
		return ErrNotConnected
	}

	ack, err := t.peer.Send(udpPkt(data, ch))
	if err != nil {
		return err
	}
	if ch == ChannelReliable {
		t.lastAck = ack
	}

	return nil
}

func (t *UDPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.up
}

// Disconnect waits at most GracefulTimeout for the last reliable
// packet to be acknowledged, then closes the link
func (t *UDPTransport) Disconnect() {
	t.mu.Lock()
	p, pc, ack := t.peer, t.pc, t.lastAck
	t.peer = nil
	t.pc = nil
	t.up = false
	t.lastAck = nil
	t.mu.Unlock()

	if p == nil {
		return
	}

	if ack != nil {
		select {
		case <-ack:
		case <-p.Disco():
		case <-time.After(GracefulTimeout):
		}
	}

	p.SendDisco(0, true)
	p.Close()
	pc.Close()
}

func (t *UDPTransport) Close() error {
	t.Disconnect()
	netClose(t)
	return nil
}
