package metrics

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stream fans metric snapshots out to per-connector subscribers. Slow
// subscribers lose intermediate snapshots; the latest one always wins.
type Stream struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscriber
	nextID      uint64
	closed      bool
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Snapshot
	mu     sync.Mutex
	done   bool
}

// NewStream builds a stream with bufferSize slots per subscriber.
func NewStream(bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Stream{bufferSize: bufferSize, subscribers: make(map[string]map[uint64]*subscriber)}
}

// Subscribe registers for snapshots of connectorID. The channel closes when
// ctx ends, the returned cancel is called, or the stream closes.
func (s *Stream) Subscribe(ctx context.Context, connectorID string) (<-chan Snapshot, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ctx: ctx, cancel: cancel, ch: make(chan Snapshot, s.bufferSize)}
	id := atomic.AddUint64(&s.nextID, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	if _, ok := s.subscribers[connectorID]; !ok {
		s.subscribers[connectorID] = make(map[uint64]*subscriber)
	}
	s.subscribers[connectorID][id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if subs := s.subscribers[connectorID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subscribers, connectorID)
			}
		}
		s.mu.Unlock()
		sub.close()
	}()
	return sub.ch, cancel
}

// Publish delivers snap to every subscriber of its connector.
func (s *Stream) Publish(snap Snapshot) {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers[snap.ConnectorID]))
	for _, sub := range s.subscribers[snap.ConnectorID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(snap)
	}
}

// Subscribers returns the number of live subscriptions for connectorID.
func (s *Stream) Subscribers(connectorID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[connectorID])
}

// Close ends every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var subs []*subscriber
	for id, group := range s.subscribers {
		for _, sub := range group {
			subs = append(subs, sub)
		}
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		// Drop the oldest pending snapshot to make room.
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
