package netsync

// Leave reasons passed to leave hooks and stored in the history
const (
	LeaveDisconnected = "disconnected"
	LeaveQuit         = "quit"
	LeaveKicked       = "kicked"
	LeaveShutdown     = "shutdown"
)

type clientHooks struct {
	onJoin  []func(ClientState)
	onLeave []func(ClientState, string)
}

// RegisterOnJoin registers a function that is called
// every time a client completes the handshake
func (s *Server) RegisterOnJoin(function func(ClientState)) {
	s.hooks.onJoin = append(s.hooks.onJoin, function)
}

// RegisterOnLeave registers a function that is called
// every time a welcomed client is removed
func (s *Server) RegisterOnLeave(function func(cs ClientState, reason string)) {
	s.hooks.onLeave = append(s.hooks.onLeave, function)
}

func (s *Server) processJoin(cs ClientState) {
	for i := range s.hooks.onJoin {
		s.hooks.onJoin[i](cs)
	}
}

func (s *Server) processLeave(cs ClientState, reason string) {
	for i := range s.hooks.onLeave {
		s.hooks.onLeave[i](cs, reason)
	}
}
