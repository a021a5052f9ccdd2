package netsync

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func listenWS(t *testing.T, max int) (*WSServerTransport, uint16) {
	t.Helper()

	st := NewWSServerTransport()
	if err := st.Listen(0, max); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	return st, localPort(t, st.Addr())
}

func TestWSTransport(t *testing.T) {
	st, port := listenWS(t, 4)

	ct := NewWSTransport()
	defer ct.Close()
	if err := ct.Connect("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, ct.Poll, EventConnect)
	h := waitEvent(t, st.Poll, EventConnect).Peer

	if err := ct.Send([]byte{1, 2, 3}, ChannelUnreliable); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, st.Poll, EventReceive)
	if ev.Peer != h || ev.Channel != ChannelUnreliable || string(ev.Data) != "\x01\x02\x03" {
		t.Fatalf("server got %+v", ev)
	}

	st.Broadcast([]byte{4}, ChannelReliable)
	ev = waitEvent(t, ct.Poll, EventReceive)
	if ev.Channel != ChannelReliable || string(ev.Data) != "\x04" {
		t.Fatalf("client got %+v", ev)
	}

	st.Kick(h)
	waitEvent(t, ct.Poll, EventDisconnect)
	waitEvent(t, st.Poll, EventDisconnect)
	if ct.IsConnected() {
		t.Fatal("client still connected after kick")
	}
}

func TestWSRefused(t *testing.T) {
	st, port := listenWS(t, 4)
	st.Close()

	ct := NewWSTransport()
	defer ct.Close()
	if err := ct.Connect("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	waitEvent(t, ct.Poll, EventDisconnect)
	if ct.IsConnected() {
		t.Fatal("connected to a closed server")
	}
}

func TestWSFull(t *testing.T) {
	st, port := listenWS(t, 1)

	first := NewWSTransport()
	defer first.Close()
	first.Connect("127.0.0.1", port)
	waitEvent(t, first.Poll, EventConnect)
	waitEvent(t, st.Poll, EventConnect)

	url := "ws://127.0.0.1:" + strconv.Itoa(int(port)) + WSPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("full server accepted a second client")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second client got %v", resp)
	}
}

func TestWSIgnoresBadFrames(t *testing.T) {
	st, port := listenWS(t, 4)

	url := "ws://127.0.0.1:" + strconv.Itoa(int(port)) + WSPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	waitEvent(t, st.Poll, EventConnect)

	ws.WriteMessage(websocket.TextMessage, []byte("\x00\x01"))
	ws.WriteMessage(websocket.BinaryMessage, []byte{0})
	ws.WriteMessage(websocket.BinaryMessage, []byte{9, 1})
	ws.WriteMessage(websocket.BinaryMessage, []byte{byte(ChannelReliable), 42})

	ev := waitEvent(t, st.Poll, EventReceive)
	if string(ev.Data) != "\x2a" {
		t.Fatalf("first delivered frame = %v, want the valid one", ev.Data)
	}
}

func TestWSSession(t *testing.T) {
	st := NewWSServerTransport()
	srv := NewServer(st, nil)
	if err := srv.Start(0, 4); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	port := localPort(t, st.Addr())

	c := NewClient(NewWSTransport(), nil)
	defer c.Close()
	if err := c.Connect("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}

	clts := []*Client{c}
	runUntil(t, srv, clts, c.IsConnected)

	c.SendPositionUpdate(1, testTransform)
	runUntil(t, srv, clts, func() bool {
		cs, ok := srv.Client(c.LocalClientID())
		return ok && cs.HasTransform
	})

	id := c.LocalClientID()
	if !srv.Kick(id) {
		t.Fatal("Kick returned false")
	}
	runUntil(t, srv, clts, func() bool { return !c.IsConnected() })
}

func TestWSDisconnectSilentServer(t *testing.T) {
	release := make(chan struct{})
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// Never read, so the close message is never answered
		<-release
	}))
	defer hs.Close()
	defer close(release)

	ct := NewWSTransport()
	defer ct.Close()
	ct.Connect("127.0.0.1", localPort(t, hs.Listener.Addr()))
	waitEvent(t, ct.Poll, EventConnect)

	if err := ct.Send([]byte{1}, ChannelReliable); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	ct.Disconnect()
	if d := time.Since(start); d > GracefulTimeout+time.Second {
		t.Fatalf("Disconnect took %v", d)
	}
	if ct.IsConnected() {
		t.Fatal("still connected after Disconnect")
	}
}
