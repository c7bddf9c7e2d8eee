// Package connectivity provides the online/offline signal the sync
// coordinator reacts to.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Source delivers online/offline transitions
type Source interface {
	// Online reports the current state
	Online() bool
	// Subscribe returns a channel receiving every transition and a function
	// releasing the subscription. Slow subscribers only see the latest state.
	Subscribe() (<-chan bool, func())
}

// signal is the shared state and fan-out used by the sources
type signal struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

func newSignal(online bool) *signal {
	return &signal{online: online, subs: make(map[chan bool]struct{})}
}

func (s *signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *signal) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// set records the state and reports whether it changed
func (s *signal) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	for ch := range s.subs {
		// keep only the latest state for slow readers
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Manual is a Source driven by the host application. It starts online, as
// absence of signals means "assume online".
type Manual struct {
	*signal
}

// NewManual creates a source in the given state
func NewManual(online bool) *Manual {
	return &Manual{signal: newSignal(online)}
}

// SetOnline switches the state; subscribers are notified on change only
func (m *Manual) SetOnline(online bool) {
	if m.set(online) {
		logrus.WithField("online", online).Info("Connectivity changed")
	}
}

// ProbeFunc checks reachability of the remote
type ProbeFunc func(ctx context.Context) error

// Prober derives connectivity from periodic probes, typically the remote's
// Ping
type Prober struct {
	*signal
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. It assumes online until the first probe fails.
func NewProber(probe ProbeFunc, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Prober{signal: newSignal(true), probe: probe, interval: interval, timeout: timeout}
}

// Check runs a single probe and updates the state
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx)
	online := err == nil
	if p.set(online) {
		entry := logrus.WithField("online", online)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("Connectivity changed")
	}
	return online
}

// Run probes until ctx is done
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
