package netsync

import (
	"sync/atomic"
	"time"
)

// Metrics counts what a Server did. All fields are updated atomically
// by the tick goroutine and may be read from any goroutine.
type Metrics struct {
	PacketsIn      atomic.Uint64
	Malformed      atomic.Uint64
	UnknownSender  atomic.Uint64
	Connects       atomic.Uint64
	Disconnects    atomic.Uint64
	BroadcastsSent atomic.Uint64
	BytesBroadcast atomic.Uint64
	Despawns       atomic.Uint64
	Ticks          atomic.Uint64

	lastTick atomic.Int64
}

type MetricsSnapshot struct {
	PacketsIn      uint64  `json:"packets_in"`
	Malformed      uint64  `json:"malformed"`
	UnknownSender  uint64  `json:"unknown_sender"`
	Connects       uint64  `json:"connects"`
	Disconnects    uint64  `json:"disconnects"`
	BroadcastsSent uint64  `json:"broadcasts_sent"`
	BytesBroadcast uint64  `json:"bytes_broadcast"`
	Despawns       uint64  `json:"despawns"`
	Ticks          uint64  `json:"ticks"`
	LastTickMillis float64 `json:"last_tick_ms"`
}

func (m *Metrics) tick(d time.Duration) {
	m.Ticks.Add(1)
	m.lastTick.Store(int64(d))
}

// LastTick returns how long the most recent Tick took
func (m *Metrics) LastTick() time.Duration {
	return time.Duration(m.lastTick.Load())
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PacketsIn:      m.PacketsIn.Load(),
		Malformed:      m.Malformed.Load(),
		UnknownSender:  m.UnknownSender.Load(),
		Connects:       m.Connects.Load(),
		Disconnects:    m.Disconnects.Load(),
		BroadcastsSent: m.BroadcastsSent.Load(),
		BytesBroadcast: m.BytesBroadcast.Load(),
		Despawns:       m.Despawns.Load(),
		Ticks:          m.Ticks.Load(),
		LastTickMillis: float64(m.LastTick()) / float64(time.Millisecond),
	}
}
