package netsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientState is what the server knows about one connection
type ClientState struct {
	ID            ClientID
	Peer          PeerHandle
	ObjectID      NetObjectID
	LastTransform Transform
	HasTransform  bool
	Welcomed      bool

	Session     uuid.UUID
	Addr        string
	ConnectedAt time.Time
}

// ClientInfo is the JSON form of a ClientState
type ClientInfo struct {
	ID           ClientID    `json:"id"`
	ObjectID     NetObjectID `json:"object_id"`
	Welcomed     bool        `json:"welcomed"`
	HasTransform bool        `json:"has_transform"`
	Transform    Transform   `json:"transform"`
	Session      string      `json:"session"`
	Addr         string      `json:"addr"`
	ConnectedAt  time.Time   `json:"connected_at"`
}

func (cs *ClientState) info() ClientInfo {
	return ClientInfo{
		ID:           cs.ID,
		ObjectID:     cs.ObjectID,
		Welcomed:     cs.Welcomed,
		HasTransform: cs.HasTransform,
		Transform:    cs.LastTransform,
		Session:      cs.Session.String(),
		Addr:         cs.Addr,
		ConnectedAt:  cs.ConnectedAt,
	}
}

// Status is published by the server at the end of every tick
type Status struct {
	Running bool            `json:"running"`
	Port    uint16          `json:"port"`
	Clients []ClientInfo    `json:"clients"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// A Server is the authority over every connected client.
// All methods except Status and Metrics must be called
// from the goroutine that calls Tick.
type Server struct {
	t       ServerTransport
	log     *zap.SugaredLogger
	history SessionRecorder
	hooks   clientHooks

	running bool
	port    uint16
	nextID  ClientID

	// sessions is indexed by PeerHandle.Index;
	// an entry belongs to a handle only if its Peer equals it
	sessions []*ClientState
	count    int

	dropLog *rate.Limiter
	metrics Metrics

	statusMu deadlock.Mutex
	status   Status
}

// NewServer returns a server that accepts clients on t.
// A nil logger discards all output.
func NewServer(t ServerTransport, log *zap.SugaredLogger) *Server {
	return &Server{
		t:       t,
		log:     nopIfNil(log),
		nextID:  ClientIDMin,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// SetHistory makes the server record every session in rec
func (s *Server) SetHistory(rec SessionRecorder) {
	s.history = rec
}

// Start listens on port. Client ids start at ClientIDMin again.
func (s *Server) Start(port uint16, maxClients int) error {
	if s.running {
		return ErrAlreadyOpen
	}

	if err := s.t.Listen(port, maxClients); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	s.running = true
	s.port = port
	s.nextID = ClientIDMin
	s.publishStatus()

	s.log.Infow("listening", "port", port, "max_clients", maxClients)
	return nil
}

// Running reports whether the server has been started and not stopped
func (s *Server) Running() bool { return s.running }

// Stop removes every client and closes the transport
func (s *Server) Stop() error {
	if !s.running {
		return nil
	}

	for _, cs := range s.sessions {
		if cs != nil {
			s.remove(cs.Peer, LeaveShutdown)
		}
	}
	s.sessions = nil

	s.running = false
	err := s.t.Close()
	s.publishStatus()

	s.log.Info("stopped")
	return err
}

// Tick handles all queued transport events
// and then broadcasts the positions of all clients
func (s *Server) Tick() {
	s.TickWait(0)
}

// TickWait is like Tick but waits at most timeout for the first event
func (s *Server) TickWait(timeout time.Duration) {
	if !s.running {
		return
	}

	start := time.Now()

	for _, ev := range s.t.Poll(timeout) {
		s.handleEvent(ev)
	}
	s.broadcastPositions()

	s.metrics.tick(time.Since(start))
	s.publishStatus()
}

func (s *Server) lookup(h PeerHandle) *ClientState {
	if h.IsZero() || int(h.Index) >= len(s.sessions) {
		return nil
	}

	cs := s.sessions[h.Index]
	if cs == nil || cs.Peer != h {
		return nil
	}
	return cs
}

func (s *Server) insert(cs *ClientState) {
	i := int(cs.Peer.Index)
	if i >= len(s.sessions) {
		s.sessions = append(s.sessions, make([]*ClientState, i+1-len(s.sessions))...)
	}

	if old := s.sessions[i]; old != nil {
		// The transport reused the slot, so the old peer is gone
		// even if its disconnect never reached us.
		s.remove(old.Peer, LeaveDisconnected)
	}

	s.sessions[i] = cs
	s.count++
}

func (s *Server) take(h PeerHandle) *ClientState {
	cs := s.lookup(h)
	if cs == nil {
		return nil
	}

	s.sessions[h.Index] = nil
	s.count--
	return cs
}

func (s *Server) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnect:
		s.handleConnect(ev.Peer)
	case EventDisconnect:
		s.remove(ev.Peer, LeaveDisconnected)
	case EventReceive:
		s.handlePacket(ev.Peer, ev.Data)
	}
}

func (s *Server) allocID() ClientID {
	id := s.nextID
	s.nextID++
	if s.nextID == ClientIDNil {
		s.nextID = ClientIDMin
	}
	return id
}

func (s *Server) handleConnect(h PeerHandle) {
	cs := &ClientState{
		ID:          s.allocID(),
		Peer:        h,
		Session:     uuid.New(),
		ConnectedAt: time.Now(),
	}
	if addr := s.t.PeerAddr(h); addr != nil {
		cs.Addr = addr.String()
	}

	s.insert(cs)
	s.metrics.Connects.Add(1)

	s.log.Infow("client connected", "client", cs.ID, "peer", h, "addr", cs.Addr)

	if s.history != nil {
		rec := SessionRecord{
			Session:     cs.Session,
			ClientID:    cs.ID,
			Addr:        cs.Addr,
			ConnectedAt: cs.ConnectedAt,
		}
		if err := s.history.Joined(rec); err != nil {
			s.log.Warnw("record session", "client", cs.ID, "err", err)
		}
	}
}

func (s *Server) handlePacket(h PeerHandle, data []byte) {
	s.metrics.PacketsIn.Add(1)

	cs := s.lookup(h)
	if cs == nil {
		// Packets can race the disconnect of their sender
		s.metrics.UnknownSender.Add(1)
		return
	}

	msg, err := Decode(data)
	if err != nil {
		s.metrics.Malformed.Add(1)
		if s.dropLog.Allow() {
			s.log.Warnw("dropping packet", "client", cs.ID, "type", PeekType(data), "len", len(data), "err", err)
		}
		return
	}

	switch msg := msg.(type) {
	case *ClientHello:
		s.welcome(cs)
	case *PositionUpdate:
		if msg.ClientID != cs.ID {
			s.log.Debugw("position update with foreign id", "client", cs.ID, "claimed", msg.ClientID)
		}
		cs.ObjectID = msg.ObjectID
		cs.LastTransform = msg.Transform
		cs.HasTransform = true
	case *ClientDisconnect:
		s.remove(h, LeaveQuit)
		s.t.Kick(h)
	default:
		s.metrics.Malformed.Add(1)
		if s.dropLog.Allow() {
			s.log.Warnw("dropping packet", "client", cs.ID, "type", msg.Type(), "err", "not sent by clients")
		}
	}
}

func (s *Server) welcome(cs *ClientState) {
	if cs.Welcomed {
		return
	}
	cs.Welcomed = true

	if err := s.t.SendTo(cs.Peer, Marshal(&ServerWelcome{ClientID: cs.ID}), ChannelReliable); err != nil {
		s.log.Warnw("send welcome", "client", cs.ID, "err", err)
	}

	s.log.Infow("client welcomed", "client", cs.ID)

	if s.history != nil {
		if err := s.history.Welcomed(cs.Session, time.Now()); err != nil {
			s.log.Warnw("record session", "client", cs.ID, "err", err)
		}
	}

	s.processJoin(*cs)
}

// remove forgets the client of h, announces its despawn
// to everybody else and runs the leave hooks
func (s *Server) remove(h PeerHandle, reason string) {
	cs := s.take(h)
	if cs == nil {
		return
	}

	s.metrics.Disconnects.Add(1)
	s.log.Infow("client removed", "client", cs.ID, "reason", reason)

	if cs.Welcomed && cs.HasTransform {
		s.despawn(cs)
	}

	if s.history != nil {
		if err := s.history.Left(cs.Session, time.Now(), reason); err != nil {
			s.log.Warnw("record session", "client", cs.ID, "err", err)
		}
	}

	if cs.Welcomed {
		s.processLeave(*cs, reason)
	}
}

func (s *Server) despawn(gone *ClientState) {
	data := Marshal(&ObjectDespawn{ClientID: gone.ID, ObjectID: gone.ObjectID})

	for _, cs := range s.sessions {
		if cs == nil || !cs.Welcomed {
			continue
		}
		s.sendTo(cs, data, ChannelReliable)
	}
	s.metrics.Despawns.Add(1)
}

func (s *Server) sendTo(cs *ClientState, data []byte, ch Channel) {
	err := s.t.SendTo(cs.Peer, data, ch)
	if err != nil && !errors.Is(err, ErrUnknownPeer) {
		s.log.Debugw("send", "client", cs.ID, "channel", ch, "err", err)
	}
}

func (s *Server) broadcastPositions() {
	var entries []BroadcastEntry
	for _, cs := range s.sessions {
		if cs == nil || !cs.Welcomed || !cs.HasTransform {
			continue
		}
		entries = append(entries, BroadcastEntry{
			ClientID:  cs.ID,
			ObjectID:  cs.ObjectID,
			Transform: cs.LastTransform,
		})
	}

	if len(entries) == 0 {
		return
	}

	data := Marshal(&PositionBroadcast{Entries: entries})

	n := 0
	for _, cs := range s.sessions {
		if cs == nil || !cs.Welcomed {
			continue
		}
		s.sendTo(cs, data, ChannelUnreliable)
		n++
	}

	s.metrics.BroadcastsSent.Add(1)
	s.metrics.BytesBroadcast.Add(uint64(n * len(data)))
}

// Kick removes the client with the given id
// and terminates its connection
func (s *Server) Kick(id ClientID) bool {
	cs := s.byID(id)
	if cs == nil {
		return false
	}

	h := cs.Peer
	s.remove(h, LeaveKicked)
	s.t.Kick(h)
	return true
}

func (s *Server) byID(id ClientID) *ClientState {
	if id == ClientIDNil {
		return nil
	}

	for _, cs := range s.sessions {
		if cs != nil && cs.ID == id {
			return cs
		}
	}
	return nil
}

// Client returns a copy of the state of the client with the given id
func (s *Server) Client(id ClientID) (ClientState, bool) {
	cs := s.byID(id)
	if cs == nil {
		return ClientState{}, false
	}
	return *cs, true
}

// Clients returns copies of all client states
func (s *Server) Clients() []ClientState {
	r := make([]ClientState, 0, s.count)
	for _, cs := range s.sessions {
		if cs != nil {
			r = append(r, *cs)
		}
	}
	return r
}

// ClientCount reports how many connections have a client state,
// welcomed or not
func (s *Server) ClientCount() int { return s.count }

func (s *Server) publishStatus() {
	st := Status{
		Running: s.running,
		Port:    s.port,
		Clients: make([]ClientInfo, 0, s.count),
		Metrics: s.metrics.Snapshot(),
	}
	for _, cs := range s.sessions {
		if cs != nil {
			st.Clients = append(st.Clients, cs.info())
		}
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status = st
}

// Status returns the state published by the last tick.
// It is safe to call from any goroutine.
func (s *Server) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.status
}

// Metrics returns the counters of s. They are safe to read from any goroutine.
func (s *Server) Metrics() *Metrics { return &s.metrics }
