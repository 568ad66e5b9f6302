package kernel

import (
	"sync"
	"time"
)

// EventSource drives the kernel loop. Each value received from Ticks runs
// one iteration; a closed channel ends the loop.
type EventSource interface {
	Ticks() <-chan time.Time
	Stop()
}

// TimerSource ticks at a fixed interval.
type TimerSource struct {
	ticker *time.Ticker
}

func NewTimerSource(d time.Duration) *TimerSource {
	return &TimerSource{ticker: time.NewTicker(d)}
}

func (s *TimerSource) Ticks() <-chan time.Time { return s.ticker.C }

func (s *TimerSource) Stop() { s.ticker.Stop() }

// ManualSource ticks only when Fire is called.
type ManualSource struct {
	ch   chan time.Time
	once sync.Once
}

func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan time.Time)}
}

// Fire delivers one tick and returns once the loop has received it. Two
// consecutive calls guarantee the first tick has been fully processed.
func (s *ManualSource) Fire() {
	s.ch <- time.Now()
}

func (s *ManualSource) Ticks() <-chan time.Time { return s.ch }

// Stop closes the tick channel. It is safe to call more than once.
func (s *ManualSource) Stop() {
	s.once.Do(func() { close(s.ch) })
}
