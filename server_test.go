package netsync

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

type sentPacket struct {
	to   PeerHandle
	data []byte
	ch   Channel
}

// fakeServerTransport records what a Server sends
// and delivers events queued by the test
type fakeServerTransport struct {
	listening bool
	events    []Event
	sent      []sentPacket
	kicked    []PeerHandle
}

func (f *fakeServerTransport) Listen(port uint16, maxClients int) error {
	f.listening = true
	return nil
}

func (f *fakeServerTransport) Poll(timeout time.Duration) []Event {
	evs := f.events
	f.events = nil
	return evs
}

func (f *fakeServerTransport) SendTo(h PeerHandle, data []byte, ch Channel) error {
	f.sent = append(f.sent, sentPacket{to: h, data: data, ch: ch})
	return nil
}

func (f *fakeServerTransport) Broadcast(data []byte, ch Channel) {
	f.sent = append(f.sent, sentPacket{data: data, ch: ch})
}

func (f *fakeServerTransport) Kick(h PeerHandle) {
	f.kicked = append(f.kicked, h)
}

func (f *fakeServerTransport) PeerAddr(h PeerHandle) net.Addr {
	return loopAddr("fake:" + h.String())
}

func (f *fakeServerTransport) Close() error {
	f.listening = false
	return nil
}

func (f *fakeServerTransport) connect(h PeerHandle) {
	f.events = append(f.events, Event{Kind: EventConnect, Peer: h})
}

func (f *fakeServerTransport) disconnect(h PeerHandle) {
	f.events = append(f.events, Event{Kind: EventDisconnect, Peer: h})
}

func (f *fakeServerTransport) recv(h PeerHandle, msg Msg) {
	f.recvRaw(h, Marshal(msg))
}

func (f *fakeServerTransport) recvRaw(h PeerHandle, data []byte) {
	f.events = append(f.events, Event{Kind: EventReceive, Peer: h, Data: data})
}

// take returns and forgets the packets sent so far
func (f *fakeServerTransport) take() []sentPacket {
	s := f.sent
	f.sent = nil
	return s
}

func newFakeServer(t *testing.T) (*Server, *fakeServerTransport) {
	t.Helper()

	ft := &fakeServerTransport{}
	srv := NewServer(ft, nil)
	if err := srv.Start(DefaultPort, DefaultMaxClients); err != nil {
		t.Fatal(err)
	}
	return srv, ft
}

func peer(i uint32) PeerHandle { return PeerHandle{Index: i, Gen: 1} }

func decodeAs[T Msg](t *testing.T, data []byte, msg T) T {
	t.Helper()

	if err := Unmarshal(data, msg); err != nil {
		t.Fatalf("decode %v: %v", msg.Type(), err)
	}
	return msg
}

func TestServerLifecycleNoLeak(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	srv.Tick()
	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d after connect, want 1", n)
	}
	if sent := ft.take(); len(sent) != 0 {
		t.Fatalf("server sent %d packets on connect, want 0", len(sent))
	}

	ft.connect(peer(1))
	ft.recv(peer(1), &ClientHello{})
	ft.recv(peer(1), &PositionUpdate{ClientID: 2, ObjectID: 1, Transform: IdentityTransform})
	srv.Tick()
	before := srv.ClientCount()

	ft.recv(peer(0), &ClientHello{})
	for i := 0; i < 5; i++ {
		ft.recv(peer(0), &PositionUpdate{ClientID: 1, ObjectID: 1, Transform: testTransform})
		srv.Tick()
	}
	ft.disconnect(peer(0))
	srv.Tick()

	if n := srv.ClientCount(); n != before-1 {
		t.Fatalf("ClientCount() = %d, want %d", n, before-1)
	}
	if len(srv.Clients()) != srv.ClientCount() {
		t.Fatal("Clients() and ClientCount() disagree")
	}
	if _, ok := srv.Client(1); ok {
		t.Fatal("state of disconnected client still present")
	}
	if _, ok := srv.Client(2); !ok {
		t.Fatal("state of other client lost")
	}
}

func TestServerIDsIncrease(t *testing.T) {
	srv, ft := newFakeServer(t)

	for i := uint32(0); i < 3; i++ {
		ft.connect(peer(i))
	}
	ft.disconnect(peer(1))
	ft.connect(PeerHandle{Index: 1, Gen: 2})
	srv.Tick()

	cs, ok := srv.Client(4)
	if !ok || cs.Peer != (PeerHandle{Index: 1, Gen: 2}) {
		t.Fatalf("reconnected peer did not get a fresh id: %+v", srv.Clients())
	}
	if _, ok := srv.Client(2); ok {
		t.Fatal("id 2 still in use")
	}
}

func TestServerUnknownSender(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(0), &PositionUpdate{ClientID: 1, ObjectID: 1, Transform: IdentityTransform})
	srv.Tick()
	ft.take()

	want, _ := srv.Client(1)

	ft.recv(peer(5), &PositionUpdate{ClientID: 9, ObjectID: 9, Transform: testTransform})
	ft.recv(PeerHandle{Index: 0, Gen: 2}, &PositionUpdate{ClientID: 1, ObjectID: 3, Transform: testTransform})
	ft.recv(peer(5), &ClientHello{})
	for _, ev := range ft.Poll(0) {
		srv.handleEvent(ev)
	}

	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}
	if got, _ := srv.Client(1); got != want {
		t.Fatalf("state changed by unknown sender: %+v, want %+v", got, want)
	}
	if sent := ft.take(); len(sent) != 0 {
		t.Fatalf("server answered unknown sender with %d packets", len(sent))
	}
	if n := srv.Metrics().UnknownSender.Load(); n != 3 {
		t.Fatalf("UnknownSender = %d, want 3", n)
	}
}

func TestServerEmptyBroadcast(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.connect(peer(1))
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(1), &PositionUpdate{ClientID: 2, ObjectID: 1, Transform: testTransform})
	srv.Tick()

	// Only the welcome, no broadcast: the welcomed client has
	// no transform and the one with a transform isn't welcomed
	sent := ft.take()
	if len(sent) != 1 || PeekType(sent[0].data) != MsgServerWelcome {
		t.Fatalf("sent %d packets, want only the welcome", len(sent))
	}

	srv.Tick()
	if sent := ft.take(); len(sent) != 0 {
		t.Fatalf("sent %d packets without anything to broadcast", len(sent))
	}
	if n := srv.Metrics().BroadcastsSent.Load(); n != 0 {
		t.Fatalf("BroadcastsSent = %d, want 0", n)
	}
}

func TestServerHelloIdempotent(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	srv.Tick()

	sent := ft.take()
	if len(sent) != 1 || sent[0].ch != ChannelReliable {
		t.Fatalf("sent %+v, want one reliable welcome", sent)
	}
	if w := decodeAs(t, sent[0].data, &ServerWelcome{}); w.ClientID != 1 {
		t.Fatalf("welcome id = %d, want 1", w.ClientID)
	}

	ft.recv(peer(0), &ClientHello{})
	srv.Tick()
	if sent := ft.take(); len(sent) != 0 {
		t.Fatalf("second hello produced %d packets", len(sent))
	}
	if cs, _ := srv.Client(1); !cs.Welcomed {
		t.Fatal("client no longer welcomed")
	}
}

func TestServerMalformed(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	srv.Tick()
	ft.take()

	ft.recvRaw(peer(0), nil)
	ft.recvRaw(peer(0), []byte{0x42, 1})
	ft.recvRaw(peer(0), Marshal(&PositionUpdate{})[:7])
	ft.recv(peer(0), &ServerWelcome{ClientID: 5})
	srv.Tick()

	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}
	if cs, _ := srv.Client(1); cs.HasTransform {
		t.Fatal("malformed update accepted")
	}
	if len(ft.kicked) != 0 {
		t.Fatal("malformed packet ended the connection")
	}
	if n := srv.Metrics().Malformed.Load(); n != 4 {
		t.Fatalf("Malformed = %d, want 4", n)
	}
}

func TestServerBroadcast(t *testing.T) {
	srv, ft := newFakeServer(t)

	for i := uint32(0); i < 3; i++ {
		ft.connect(peer(i))
	}
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(1), &ClientHello{})
	ft.recv(peer(0), &PositionUpdate{ClientID: 1, ObjectID: 7, Transform: testTransform})
	ft.recv(peer(2), &PositionUpdate{ClientID: 3, ObjectID: 1, Transform: testTransform})
	srv.Tick()

	var broadcasts []sentPacket
	for _, p := range ft.take() {
		if PeekType(p.data) == MsgPositionBroadcast {
			broadcasts = append(broadcasts, p)
		}
	}

	if len(broadcasts) != 2 {
		t.Fatalf("broadcast to %d clients, want the 2 welcomed", len(broadcasts))
	}
	if string(broadcasts[0].data) != string(broadcasts[1].data) {
		t.Fatal("clients got different broadcasts")
	}

	for _, p := range broadcasts {
		if p.to == peer(2) {
			t.Fatal("broadcast sent to unwelcomed client")
		}
		if p.ch != ChannelUnreliable {
			t.Fatalf("broadcast on %v channel", p.ch)
		}
	}

	b := decodeAs(t, broadcasts[0].data, &PositionBroadcast{})
	want := BroadcastEntry{ClientID: 1, ObjectID: 7, Transform: testTransform}
	if len(b.Entries) != 1 || b.Entries[0] != want {
		t.Fatalf("entries = %+v, want [%+v]", b.Entries, want)
	}
}

func TestServerClientDisconnectMessage(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(0), &ClientDisconnect{ClientID: 1})
	srv.Tick()

	if srv.ClientCount() != 0 {
		t.Fatal("client state kept after ClientDisconnect")
	}
	if len(ft.kicked) != 1 || ft.kicked[0] != peer(0) {
		t.Fatalf("kicked = %v, want [%v]", ft.kicked, peer(0))
	}

	// The transport reports the disconnect afterwards
	ft.disconnect(peer(0))
	srv.Tick()
	if n := srv.Metrics().Disconnects.Load(); n != 1 {
		t.Fatalf("Disconnects = %d, want 1", n)
	}
}

func TestServerDespawn(t *testing.T) {
	srv, ft := newFakeServer(t)

	for i := uint32(0); i < 3; i++ {
		ft.connect(peer(i))
		ft.recv(peer(i), &ClientHello{})
	}
	ft.recv(peer(0), &PositionUpdate{ClientID: 1, ObjectID: 4, Transform: testTransform})
	srv.Tick()
	ft.take()

	ft.disconnect(peer(0))
	ft.disconnect(peer(1))
	srv.Tick()

	var despawns []sentPacket
	for _, p := range ft.take() {
		if PeekType(p.data) == MsgObjectDespawn {
			despawns = append(despawns, p)
		}
	}

	// Client 2 never reported a transform, so only client 1 despawns
	if len(despawns) != 2 {
		t.Fatalf("sent %d despawns, want 2", len(despawns))
	}
	for _, p := range despawns {
		if p.to == peer(0) {
			t.Fatal("despawn sent to the departed client")
		}
		if p.ch != ChannelReliable {
			t.Fatal("despawn sent unreliably")
		}
		d := decodeAs(t, p.data, &ObjectDespawn{})
		if d.ClientID != 1 || d.ObjectID != 4 {
			t.Fatalf("despawn = %+v", d)
		}
	}
}

func TestServerKick(t *testing.T) {
	srv, ft := newFakeServer(t)

	var reasons []string
	srv.RegisterOnLeave(func(cs ClientState, reason string) {
		reasons = append(reasons, reason)
	})

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	srv.Tick()

	if srv.Kick(99) {
		t.Fatal("kicked a client that doesn't exist")
	}
	if !srv.Kick(1) {
		t.Fatal("Kick(1) failed")
	}
	if srv.ClientCount() != 0 || len(ft.kicked) != 1 {
		t.Fatal("client not removed")
	}
	if len(reasons) != 1 || reasons[0] != LeaveKicked {
		t.Fatalf("leave reasons = %v", reasons)
	}
}

func TestServerHooks(t *testing.T) {
	srv, ft := newFakeServer(t)

	var joined []ClientID
	var left []string
	srv.RegisterOnJoin(func(cs ClientState) { joined = append(joined, cs.ID) })
	srv.RegisterOnLeave(func(cs ClientState, reason string) { left = append(left, reason) })

	ft.connect(peer(0))
	ft.connect(peer(1))
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(0), &ClientHello{})
	srv.Tick()

	if len(joined) != 1 || joined[0] != 1 {
		t.Fatalf("joined = %v, want [1]", joined)
	}

	// Unwelcomed clients never joined, so they don't leave either
	ft.disconnect(peer(1))
	ft.disconnect(peer(0))
	srv.Tick()

	if len(left) != 1 || left[0] != LeaveDisconnected {
		t.Fatalf("left = %v", left)
	}
}

type historyCall struct {
	op      string
	session uuid.UUID
	reason  string
}

type fakeRecorder struct {
	calls []historyCall
}

func (r *fakeRecorder) Joined(rec SessionRecord) error {
	r.calls = append(r.calls, historyCall{op: "join", session: rec.Session})
	return nil
}

func (r *fakeRecorder) Welcomed(session uuid.UUID, at time.Time) error {
	r.calls = append(r.calls, historyCall{op: "welcome", session: session})
	return nil
}

func (r *fakeRecorder) Left(session uuid.UUID, at time.Time, reason string) error {
	r.calls = append(r.calls, historyCall{op: "leave", session: session, reason: reason})
	return nil
}

func TestServerHistory(t *testing.T) {
	srv, ft := newFakeServer(t)
	rec := &fakeRecorder{}
	srv.SetHistory(rec)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	ft.recv(peer(0), &ClientDisconnect{ClientID: 1})
	srv.Tick()

	if len(rec.calls) != 3 {
		t.Fatalf("history calls = %+v", rec.calls)
	}
	ops := []string{"join", "welcome", "leave"}
	for i, c := range rec.calls {
		if c.op != ops[i] || c.session != rec.calls[0].session {
			t.Fatalf("call %d = %+v", i, c)
		}
	}
	if rec.calls[2].reason != LeaveQuit {
		t.Fatalf("leave reason = %q, want %q", rec.calls[2].reason, LeaveQuit)
	}
}

func TestServerStatus(t *testing.T) {
	srv, ft := newFakeServer(t)

	ft.connect(peer(0))
	ft.recv(peer(0), &ClientHello{})
	srv.Tick()

	st := srv.Status()
	if !st.Running || len(st.Clients) != 1 || !st.Clients[0].Welcomed {
		t.Fatalf("status = %+v", st)
	}
	if st.Metrics.Ticks != 1 || st.Metrics.Connects != 1 {
		t.Fatalf("metrics = %+v", st.Metrics)
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if st := srv.Status(); st.Running || len(st.Clients) != 0 {
		t.Fatalf("status after stop = %+v", st)
	}
	if ft.listening {
		t.Fatal("transport still open after stop")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, ft := newFakeServer(t)

	if err := srv.Start(DefaultPort, 1); err == nil {
		t.Fatal("second Start succeeded")
	}

	ft.connect(peer(0))
	srv.Tick()
	srv.Stop()

	if err := srv.Start(DefaultPort, 1); err != nil {
		t.Fatal(err)
	}
	ft.connect(peer(0))
	srv.Tick()
	if _, ok := srv.Client(ClientIDMin); !ok {
		t.Fatal("ids did not restart after Start")
	}
}
