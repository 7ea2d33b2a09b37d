// Package bustest provides an in-process loopback bus for tests. It has the
// same method set as bus.Client and satisfies the fabric's Bus interface.
package bustest

import (
	"sync"
	"time"
)

// Loop delivers published messages to in-process subscribers. An optional
// per-subject delay models bus latency relative to ledger visibility.
type Loop struct {
	mu        sync.Mutex
	handlers  map[string][]func(subject string, data []byte)
	delays    map[string]time.Duration
	connected bool
	published map[string]int
	wg        sync.WaitGroup
}

func New() *Loop {
	return &Loop{
		handlers:  make(map[string][]func(string, []byte)),
		delays:    make(map[string]time.Duration),
		connected: true,
		published: make(map[string]int),
	}
}

// SetDelay delays delivery on one subject.
func (l *Loop) SetDelay(subject string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[subject] = d
}

// SetConnected flips the reported connectivity.
func (l *Loop) SetConnected(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = up
}

func (l *Loop) Publish(subject string, data []byte) error {
	l.mu.Lock()
	l.published[subject]++
	handlers := append([]func(string, []byte){}, l.handlers[subject]...)
	delay := l.delays[subject]
	l.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)

	if delay == 0 {
		for _, h := range handlers {
			h(subject, cp)
		}
		return nil
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		time.Sleep(delay)
		for _, h := range handlers {
			h(subject, cp)
		}
	}()
	return nil
}

func (l *Loop) Subscribe(subject string, handler func(subject string, data []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subject] = append(l.handlers[subject], handler)
	return nil
}

func (l *Loop) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loop) Close() {
	l.wg.Wait()
}

// Published returns how many messages were published on a subject.
func (l *Loop) Published(subject string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published[subject]
}
