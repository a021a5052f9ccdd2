package netsync

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sasha-s/go-deadlock"
)

// WebSocket frames are binary messages of the form [channel][packet].
// The stream is ordered and reliable, so the channel only selects
// how a full send queue is handled: unreliable frames are dropped,
// reliable frames wait up to wsWriteTimeout and then end the link.
const (
	WSPath = "/ws"

	wsSendQueue    = 64
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

var errWSQueueFull = errors.New("websocket send queue full")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are served from other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn pumps frames for one WebSocket connection
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte

	// quit stops the write pump, done is closed when the read pump ends
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, wsSendQueue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func wsFrame(data []byte, ch Channel) []byte {
	frame := make([]byte, 1+len(data))
	frame[0] = uint8(ch)
	copy(frame[1:], data)
	return frame
}

func (c *wsConn) enqueue(data []byte, ch Channel) error {
	frame := wsFrame(data, ch)

	if ch == ChannelUnreliable {
		select {
		case c.send <- frame:
		case <-c.quit:
			return ErrNotConnected
		default:
			// Stale positions are superseded by the next tick anyway
		}
		return nil
	}

	t := time.NewTimer(wsWriteTimeout)
	defer t.Stop()

	select {
	case c.send <- frame:
		return nil
	case <-c.quit:
		return ErrNotConnected
	case <-t.C:
		c.stop()
		c.ws.Close()
		return errWSQueueFull
	}
}

// closeGracefully queues a close message behind all pending frames
func (c *wsConn) closeGracefully() {
	select {
	case c.send <- nil:
	case <-c.quit:
	default:
		c.stop()
		c.ws.Close()
	}
}

func (c *wsConn) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *wsConn) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if frame == nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				c.ws.WriteMessage(websocket.CloseMessage, msg)
				return
			}

			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.ws.Close()
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		case <-c.quit:
			return
		}
	}
}

// readPump calls fn for every valid frame until the connection ends
func (c *wsConn) readPump(fn func(data []byte, ch Channel)) {
	defer close(c.done)
	defer c.stop()
	defer c.ws.Close()

	c.ws.SetReadLimit(wsReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		typ, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if typ != websocket.BinaryMessage || len(frame) < 2 || Channel(frame[0]) >= ChannelCount {
			continue
		}

		fn(frame[1:], Channel(frame[0]))
	}
}

type wsPeer struct {
	*wsConn
	h    PeerHandle
	addr net.Addr
}

// WSServerTransport accepts browser clients over WebSocket
type WSServerTransport struct {
	mu  deadlock.Mutex
	srv *http.Server
	ln  net.Listener
	q   *eventQueue
	max int

	peers Arena[*wsPeer]
}

func NewWSServerTransport() *WSServerTransport {
	return &WSServerTransport{}
}

// Listen serves the WebSocket endpoint at WSPath on port
func (s *WSServerTransport) Listen(port uint16, maxClients int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return ErrAlreadyOpen
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}

	if err := netOpen(s); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		netClose(s)
		return fmt.Errorf("listen websocket port %d: %w", port, err)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get(WSPath, s.serveWS)

	s.ln = ln
	s.q = newEventQueue()
	s.max = maxClients
	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go s.srv.Serve(ln)

	return nil
}

// Addr returns the local address the transport listens on or nil
func (s *WSServerTransport) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *WSServerTransport) queue() *eventQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.q
}

func (s *WSServerTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	q := s.queue()
	if q == nil {
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}
	if s.peers.Len() >= s.max {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &wsPeer{wsConn: newWSConn(ws), addr: ws.RemoteAddr()}
	p.h = s.peers.Alloc(p)
	q.push(Event{Kind: EventConnect, Peer: p.h})

	go p.writePump()
	go func() {
		p.readPump(func(data []byte, ch Channel) {
			q.push(Event{Kind: EventReceive, Peer: p.h, Channel: ch, Data: data})
		})

		q.push(Event{Kind: EventDisconnect, Peer: p.h})
		s.peers.Free(p.h)
	}()
}

func (s *WSServerTransport) Poll(timeout time.Duration) []Event {
	q := s.queue()
	if q == nil {
		return nil
	}
	return q.poll(timeout)
}

func (s *WSServerTransport) SendTo(h PeerHandle, data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	p, ok := s.peers.Get(h)
	if !ok {
		return fmt.Errorf("send to %v: %w", h, ErrUnknownPeer)
	}
	return p.enqueue(data, ch)
}

func (s *WSServerTransport) Broadcast(data []byte, ch Channel) {
	for _, p := range s.peers.Values() {
		p.enqueue(data, ch)
	}
}

func (s *WSServerTransport) Kick(h PeerHandle) {
	if p, ok := s.peers.Get(h); ok {
		p.closeGracefully()
	}
}

func (s *WSServerTransport) PeerAddr(h PeerHandle) net.Addr {
	p, ok := s.peers.Get(h)
	if !ok {
		return nil
	}
	return p.addr
}

func (s *WSServerTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	for _, p := range s.peers.Values() {
		p.stop()
		p.ws.Close()
	}

	err := s.srv.Close()
	s.q.close()
	s.srv = nil
	s.ln = nil
	netClose(s)

	return err
}

// WSTransport connects to a WSServerTransport
type WSTransport struct {
	mu   deadlock.Mutex
	conn *wsConn
	q    *eventQueue
	up   bool
}

func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Connect dials ws://host:port/ws in the background
func (t *WSTransport) Connect(host string, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.q != nil && (t.up || t.conn != nil) {
		return ErrAlreadyOpen
	}
	if err := netOpen(t); err != nil {
		return err
	}

	q := newEventQueue()
	t.q = q
	t.up = false

	url := "ws://" + net.JoinHostPort(host, strconv.Itoa(int(port))) + WSPath
	go t.dial(url, q)

	return nil
}

func (t *WSTransport) dial(url string, q *eventQueue) {
	d := websocket.Dialer{HandshakeTimeout: ConnectTimeout}
	ws, _, err := d.Dial(url, nil)
	if err != nil {
		q.push(Event{Kind: EventDisconnect})
		return
	}

	c := newWSConn(ws)

	t.mu.Lock()
	if t.q != q {
		t.mu.Unlock()
		ws.Close()
		return
	}
	t.conn = c
	t.up = true
	t.mu.Unlock()

	q.push(Event{Kind: EventConnect})

	go c.writePump()
	c.readPump(func(data []byte, ch Channel) {
		q.push(Event{Kind: EventReceive, Channel: ch, Data: data})
	})

	t.mu.Lock()
	cur := t.conn == c
	if cur {
		t.conn = nil
		t.up = false
	}
	t.mu.Unlock()

	if cur {
		q.push(Event{Kind: EventDisconnect})
	}
}

func (t *WSTransport) Poll(timeout time.Duration) []Event {
	t.mu.Lock()
	q := t.q
	t.mu.Unlock()

	if q == nil {
		return nil
	}
	return q.poll(timeout)
}

func (t *WSTransport) Send(data []byte, ch Channel) error {
	if err := checkChannel(ch); err != nil {
		return err
	}

	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(data, ch)
}

func (t *WSTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.up
}

// Disconnect sends a close message after all queued frames
// and waits at most GracefulTimeout for the server to close
func (t *WSTransport) Disconnect() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.up = false
	t.q = nil
	t.mu.Unlock()

	if c == nil {
		return
	}

	c.closeGracefully()

	select {
	case <-c.done:
	case <-time.After(GracefulTimeout):
	}

	c.stop()
	c.ws.Close()
}

func (t *WSTransport) Close() error {
	t.Disconnect()
	netClose(t)
	return nil
}
