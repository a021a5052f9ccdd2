package netsync

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// A LoopbackNetwork connects transports inside one process.
// Servers are addressed by port; the host passed to Connect is ignored.
// Unreliable packets can be dropped on purpose to exercise loss handling.
type LoopbackNetwork struct {
	mu       deadlock.Mutex
	servers  map[uint16]*LoopbackServerTransport
	dropRate float64
	rng      *rand.Rand
	nextAddr int
}

// DefaultLoopback is used by NewTransport and NewServerTransport
// when no LoopbackNetwork is given
var DefaultLoopback = NewLoopbackNetwork()

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		servers: make(map[uint16]*LoopbackServerTransport),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDropRate sets the probability in [0, 1] that an unreliable packet is lost
func (n *LoopbackNetwork) SetDropRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.dropRate = p
}

// SetSeed makes packet loss reproducible
func (n *LoopbackNetwork) SetSeed(seed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.rng = rand.New(rand.NewSource(seed))
}

func (n *LoopbackNetwork) drop(ch Channel) bool {
	if ch != ChannelUnreliable {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.dropRate > 0 && n.rng.Float64() < n.dropRate
}

func (n *LoopbackNetwork) newAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextAddr++
	return loopAddr(fmt.Sprintf("loopback:%d", n.nextAddr))
}

func (n *LoopbackNetwork) NewTransport() *LoopbackTransport {
	return &LoopbackTransport{net: n}
}

func (n *LoopbackNetwork) NewServerTransport() *LoopbackServerTransport {
	return &LoopbackServerTransport{net: n}
}

// loopSendTimeout bounds how long a reliable packet waits
// for room in the queue of a client that stopped polling
var loopSendTimeout = 5 * time.Second

type loopAddr string

func (a loopAddr) Network() string { return "loopback" }
func (a loopAddr) String() string  { return string(a) }

// loopLink is one connection between a client and a server transport
type loopLink struct {
	srv  *LoopbackServerTransport
	clt  *LoopbackTransport
	h    PeerHandle
	addr net.Addr
}

func cloneData(data []byte) []byte {
	return append([]byte(nil), data...)
}

// LoopbackServerTransport is the server side of a LoopbackNetwork
type LoopbackServerTransport struct {
	net *LoopbackNetwork

	mu   deadlock.Mutex
	port uint16
	max  int
	q    *eventQueue
	open bool

	unlinkMu deadlock.Mutex
	peers    Arena[*loopLink]
}

func (s *LoopbackServerTransport) Listen(port uint16, maxClients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return ErrAlreadyOpen
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	s.net.mu.Lock()
	_, taken := s.net.servers[port]
	if !taken {
		s.net.servers[port] = s
	}
	s.net.mu.Unlock()

	if taken {
		return fmt.Errorf("listen loopback:%d: address already in use", port)
	}

	if err := netOpen(s); err != nil {
		s.net.mu.Lock()
		delete(s.net.servers, port)
		s.net.mu.Unlock()
		return err
	}

	s.port = port
	s.max = maxClients
	s.q = newEventQueue()
	s.open = true

	return nil
}

func (s *LoopbackServerTransport) queue() *eventQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	return s.q
}

// accept links a connecting client
func (s *LoopbackServerTransport) accept(clt *LoopbackTransport) (*loopLink, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect loopback:%d: %w", s.port, ErrTransportClosed)
	}
	if s.peers.Len() >= s.max {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect loopback:%d: server full", s.port)
	}

	link := &loopLink{srv: s, clt: clt, addr: s.net.newAddr()}
	link.h = s.peers.Alloc(link)
	q := s.q
	s.mu.Unlock()

	q.push(Event{Kind: EventConnect, Peer: link.h})
	return link, nil
}

// unlink removes a link from the server side.
// The disconnect event is queued before the slot is released
// so a reused slot is always announced after its previous owner left.
func (s *LoopbackServerTransport) unlink(link *loopLink) bool {
	s.unlinkMu.Lock()
	defer s.unlinkMu.Unlock()

	if _, ok := s.peers.Get(link.h); !ok {
		return false
	}
	if q := s.queue(); q != nil {
		q.push(Event{Kind: EventDisconnect, Peer: link.h})
	}

	_, ok := s.peers.Free(link.h)
	return ok
}

func (s *LoopbackServerTransport) Poll(timeout time.Duration) []Event {
	q := s.queue()
	if q == nil {
		return nil
	}
	return q.poll(timeout)
}

func (s *LoopbackServerTransport) SendTo(h PeerHandle, data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	link, ok := s.peers.Get(h)
	if !ok {
		return fmt.Errorf("send to %v: %w", h, ErrUnknownPeer)
	}
	if s.net.drop(ch) {
		return nil
	}

	link.clt.deliver(link, Event{Kind: EventReceive, Channel: ch, Data: cloneData(data)})
	return nil
}

func (s *LoopbackServerTransport) Broadcast(data []byte, ch Channel) {
	for _, h := range s.peers.Handles() {
		s.SendTo(h, data, ch)
	}
}

func (s *LoopbackServerTransport) Kick(h PeerHandle) {
	link, ok := s.peers.Get(h)
	if !ok {
		return
	}

	if s.unlink(link) {
		link.clt.linkDown(link)
	}
}

func (s *LoopbackServerTransport) PeerAddr(h PeerHandle) net.Addr {
	link, ok := s.peers.Get(h)
	if !ok {
		return nil
	}
	return link.addr
}

// Close disconnects every client and stops listening
func (s *LoopbackServerTransport) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	port := s.port
	s.mu.Unlock()

	for _, link := range s.peers.Values() {
		if s.unlink(link) {
			link.clt.linkDown(link)
		}
	}

	s.mu.Lock()
	s.open = false
	s.q.close()
	s.mu.Unlock()

	s.net.mu.Lock()
	if s.net.servers[port] == s {
		delete(s.net.servers, port)
	}
	s.net.mu.Unlock()

	netClose(s)
	return nil
}

// LoopbackTransport is the client side of a LoopbackNetwork
type LoopbackTransport struct {
	net *LoopbackNetwork

	mu   deadlock.Mutex
	link *loopLink
	q    *eventQueue

	// lost is set when the server dropped the link because
	// the queue stayed full; Poll reports it after the queue
	lost bool
}

// Connect links to the server listening on port.
// Unlike the network backends it fails immediately
// when nothing listens on port.
func (t *LoopbackTransport) Connect(host string, port uint16) error {
	if err := netOpen(t); err != nil {
		return err
	}

	t.mu.Lock()
	if t.link != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	q := newEventQueue()
	t.q = q
	t.lost = false
	t.mu.Unlock()

	t.net.mu.Lock()
	srv := t.net.servers[port]
	t.net.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("connect %s:%d: connection refused", host, port)
	}

	link, err := srv.accept(t)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.link = link
	t.mu.Unlock()

	q.push(Event{Kind: EventConnect})
	return nil
}

func (t *LoopbackTransport) current() (*loopLink, *eventQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.link, t.q
}

func (t *LoopbackTransport) deliver(link *loopLink, ev Event) {
	cur, q := t.current()
	if cur != link {
		return
	}

	if ev.Channel == ChannelUnreliable {
		q.push(ev)
		return
	}
	if !q.pushWithin(ev, loopSendTimeout) {
		t.drop(link)
	}
}

// drop ends link because the client stopped reading
func (t *LoopbackTransport) drop(link *loopLink) {
	t.mu.Lock()
	if t.link != link {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.lost = true
	t.mu.Unlock()

	link.srv.unlink(link)
}

// linkDown is called when the server side ended link
func (t *LoopbackTransport) linkDown(link *loopLink) {
	t.mu.Lock()
	if t.link != link {
		t.mu.Unlock()
		return
	}
	t.link = nil
	q := t.q
	t.mu.Unlock()

	q.push(Event{Kind: EventDisconnect})
}

func (t *LoopbackTransport) Send(data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	link, _ := t.current()
	if link == nil {
		return ErrNotConnected
	}
	if t.net.drop(ch) {
		return nil
	}

	q := link.srv.queue()
	if q == nil {
		return ErrNotConnected
	}
	q.push(Event{Kind: EventReceive, Peer: link.h, Channel: ch, Data: cloneData(data)})
	return nil
}

func (t *LoopbackTransport) Poll(timeout time.Duration) []Event {
	_, q := t.current()
	if q == nil {
		return nil
	}
	evs := q.poll(timeout)

	t.mu.Lock()
	lost := t.lost
	t.lost = false
	t.mu.Unlock()

	if lost {
		evs = append(evs, Event{Kind: EventDisconnect})
	}
	return evs
}

func (t *LoopbackTransport) IsConnected() bool {
	link, _ := t.current()
	return link != nil
}

// Disconnect ends the link. Loopback delivery is synchronous,
// so there is never outstanding data to wait for.
func (t *LoopbackTransport) Disconnect() {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()

	if link != nil {
		link.srv.unlink(link)
	}
}

func (t *LoopbackTransport) Close() error {
	t.Disconnect()
	netClose(t)
	return nil
}
