package netsync

import (
	"errors"
	"io"

	"github.com/sasha-s/go-deadlock"
)

// ErrNetShutdown is returned when a transport is opened after Shutdown
var ErrNetShutdown = errors.New("network subsystem shut down")

// netsys is the process-wide network subsystem.
// It is initialised by the first Listen or Connect of any transport,
// never re-initialised, and torn down once by Shutdown.
var netsys struct {
	mu    deadlock.Mutex
	ready bool
	down  bool
	inits int
	live  map[io.Closer]struct{}
}

// netOpen initialises the subsystem if needed
// and registers c so Shutdown can close it
func netOpen(c io.Closer) error {
	netsys.mu.Lock()
	defer netsys.mu.Unlock()

	if netsys.down {
		return ErrNetShutdown
	}
	if !netsys.ready {
		netsys.live = make(map[io.Closer]struct{})
		netsys.ready = true
		netsys.inits++
	}

	netsys.live[c] = struct{}{}
	return nil
}

// netClose forgets c. It is called by transports as they close.
func netClose(c io.Closer) {
	netsys.mu.Lock()
	defer netsys.mu.Unlock()

	delete(netsys.live, c)
}

// NetInitialized reports whether any transport has been opened
func NetInitialized() bool {
	netsys.mu.Lock()
	defer netsys.mu.Unlock()

	return netsys.ready
}

// LiveTransports reports how many transports are open
func LiveTransports() int {
	netsys.mu.Lock()
	defer netsys.mu.Unlock()

	return len(netsys.live)
}

// Shutdown closes every open transport.
// It is meant to be called once when the process exits;
// later calls do nothing and opening a transport afterwards fails.
func Shutdown() {
	netsys.mu.Lock()
	if netsys.down {
		netsys.mu.Unlock()
		return
	}
	netsys.down = true

	live := make([]io.Closer, 0, len(netsys.live))
	for c := range netsys.live {
		live = append(live, c)
	}
	netsys.live = nil
	netsys.mu.Unlock()

	for _, c := range live {
		c.Close()
	}
}
