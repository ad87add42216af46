package protocol

import (
	"sync/atomic"
	"time"
)

// Stats tracks the traffic of one connection across all of its reconstructions
type Stats struct {
	started   time.Time
	bytesSent atomic.Uint64
	bytesRcvd atomic.Uint64
	flagsRcvd atomic.Uint64
}

func newStats() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) AddBytesSent(delta uint64) {
	s.bytesSent.Add(delta)
}

func (s *Stats) AddBytesRcvd(delta uint64) {
	s.bytesRcvd.Add(delta)
}

func (s *Stats) addFlagRcvd() {
	s.flagsRcvd.Add(1)
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

func (s *Stats) GetBytesRcvd() uint64 {
	return s.bytesRcvd.Load()
}

func (s *Stats) GetFlagsRcvd() uint64 {
	return s.flagsRcvd.Load()
}

// Age is the time since the connection was created
func (s *Stats) Age() time.Duration {
	return time.Since(s.started)
}
