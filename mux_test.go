package netsync

import (
	"testing"
	"time"
)

func TestMuxRouting(t *testing.T) {
	na, nb := NewLoopbackNetwork(), NewLoopbackNetwork()
	m := NewMux(na.NewServerTransport(), nb.NewServerTransport())
	if err := m.Listen(9100, 4); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	a, b := na.NewTransport(), nb.NewTransport()
	defer a.Close()
	defer b.Close()
	if err := a.Connect("", 9100); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect("", 9100); err != nil {
		t.Fatal(err)
	}
	a.Poll(0)
	b.Poll(0)

	evs := m.Poll(time.Second)
	if len(evs) != 2 {
		t.Fatalf("mux events = %v", pollKinds(evs))
	}
	ha, hb := evs[0].Peer, evs[1].Peer
	if ha == hb {
		t.Fatalf("backends share handle %v", ha)
	}

	if err := m.SendTo(hb, []byte{2}, ChannelReliable); err != nil {
		t.Fatal(err)
	}
	if evs := a.Poll(0); len(evs) != 0 {
		t.Fatal("packet for b delivered to a")
	}
	if evs := b.Poll(0); len(evs) != 1 || evs[0].Data[0] != 2 {
		t.Fatalf("b events = %+v", evs)
	}

	a.Send([]byte{1}, ChannelReliable)
	evs = m.Poll(0)
	if len(evs) != 1 || evs[0].Peer != ha {
		t.Fatalf("mux events = %+v, want a packet from %v", evs, ha)
	}

	m.Broadcast([]byte{3}, ChannelReliable)
	if len(a.Poll(0)) != 1 || len(b.Poll(0)) != 1 {
		t.Fatal("broadcast did not reach both backends")
	}

	if m.PeerAddr(ha) == nil {
		t.Fatal("no address for a")
	}

	m.Kick(ha)
	if a.IsConnected() || !b.IsConnected() {
		t.Fatal("kick reached the wrong backend")
	}
}

func TestMuxServer(t *testing.T) {
	na, nb := NewLoopbackNetwork(), NewLoopbackNetwork()
	srv := NewServer(NewMux(na.NewServerTransport(), nb.NewServerTransport()), nil)
	if err := srv.Start(9101, 4); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	ca := NewClient(na.NewTransport(), nil)
	cb := NewClient(nb.NewTransport(), nil)
	defer ca.Close()
	defer cb.Close()
	ca.Connect("", 9101)
	cb.Connect("", 9101)

	pump(srv, ca, cb)
	if ca.LocalClientID() == cb.LocalClientID() || !ca.IsConnected() || !cb.IsConnected() {
		t.Fatalf("ids %d and %d", ca.LocalClientID(), cb.LocalClientID())
	}

	ca.SendPositionUpdate(1, testTransform)
	pump(srv, ca, cb)

	entries, _ := cb.TakePending()
	if len(entries) != 1 || entries[0].ClientID != ca.LocalClientID() {
		t.Fatalf("client b got %+v", entries)
	}
}

func TestMuxListenRollback(t *testing.T) {
	n := NewLoopbackNetwork()
	taken := n.NewServerTransport()
	if err := taken.Listen(9102, 1); err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	first := NewLoopbackNetwork().NewServerTransport()
	m := NewMux(first, n.NewServerTransport())
	if err := m.Listen(9102, 1); err == nil {
		t.Fatal("mux listened on a taken port")
	}

	// The first backend was closed again, so it can listen anew
	if err := first.Listen(9102, 1); err != nil {
		t.Fatalf("first backend left open: %v", err)
	}
	first.Close()
}
