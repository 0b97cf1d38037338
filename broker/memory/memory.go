// Package memory is an in-process broker.Broker. It suits single-node
// deployments and tests; state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/jwtgateway/broker"
)

// Per-connection retention limits. The newest envelope is always kept.
const (
	DefaultMaxRetained      = 1000
	DefaultMaxRetainedBytes = 64 << 20
)

type Option func(*Broker)

// WithMaxRetained bounds per-connection history. Older envelopes are dropped
// and can no longer be resumed from.
func WithMaxRetained(n int) Option { return func(b *Broker) { b.maxRetained = n } }

// WithMaxRetainedBytes bounds the total body bytes retained per connection.
func WithMaxRetainedBytes(n int64) Option { return func(b *Broker) { b.maxBytes = n } }

// Broker implements broker.Broker with per-connection in-memory logs.
type Broker struct {
	maxRetained int
	maxBytes    int64
	seq         atomic.Int64

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	log     []broker.Envelope
	bytes   int64
	dropped int
	// wake is closed and replaced on every publish and on cleanup.
	wake   chan struct{}
	closed bool
}

func New(opts ...Option) *Broker {
	b := &Broker{maxRetained: DefaultMaxRetained, maxBytes: DefaultMaxRetainedBytes, streams: make(map[string]*stream)}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxRetained <= 0 {
		b.maxRetained = DefaultMaxRetained
	}
	if b.maxBytes <= 0 {
		b.maxBytes = DefaultMaxRetainedBytes
	}
	return b
}

func (b *Broker) stream(connection string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[connection]
	if !ok {
		s = &stream{wake: make(chan struct{})}
		b.streams[connection] = s
	}
	return s
}

func (b *Broker) Publish(ctx context.Context, connection string, unit broker.WorkUnit) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s := b.stream(connection)
	id := strconv.FormatInt(b.seq.Add(1), 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: %q", broker.ErrClosed, connection)
	}
	s.log = append(s.log, broker.Envelope{ID: id, Unit: unit})
	s.bytes += int64(len(unit.Body))
	s.trim(b.maxRetained, b.maxBytes)
	close(s.wake)
	s.wake = make(chan struct{})
	return id, nil
}

// trim drops the oldest envelopes until both limits hold. The log is
// resliced rather than copied; append reclaims the dropped prefix when it
// next grows the backing array.
func (s *stream) trim(maxLen int, maxBytes int64) {
	over := 0
	for over < len(s.log)-1 && (len(s.log)-over > maxLen || s.bytes > maxBytes) {
		s.bytes -= int64(len(s.log[over].Unit.Body))
		over++
	}
	if over == 0 {
		return
	}
	clear(s.log[:over])
	s.log = s.log[over:]
	s.dropped += over
}

func (b *Broker) Subscribe(ctx context.Context, connection string, lastEventID string, h broker.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := b.stream(connection)

	// pos is an absolute offset: log[pos-dropped] is the next envelope.
	s.mu.Lock()
	pos := s.dropped + len(s.log)
	if lastEventID != "" {
		found := false
		for i, env := range s.log {
			if env.ID == lastEventID {
				pos = s.dropped + i + 1
				found = true
				break
			}
		}
		if !found {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q", broker.ErrUnknownEventID, lastEventID)
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return broker.ErrClosed
		}
		if pos < s.dropped {
			pos = s.dropped
		}
		var batch []broker.Envelope
		if i := pos - s.dropped; i < len(s.log) {
			batch = append(batch, s.log[i:]...)
		}
		wake := s.wake
		s.mu.Unlock()

		for _, env := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h(ctx, env); err != nil {
				return err
			}
			pos++
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, connection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	s, ok := b.streams[connection]
	delete(b.streams, connection)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.log = nil
		s.bytes = 0
		close(s.wake)
	}
	return nil
}

// Retained reports the envelopes and body bytes retained for connection.
func (b *Broker) Retained(connection string) (n int, bytes int64) {
	b.mu.Lock()
	s, ok := b.streams[connection]
	b.mu.Unlock()
	if !ok {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log), s.bytes
}

// Len reports the retained envelopes for connection.
func (b *Broker) Len(connection string) int {
	b.mu.Lock()
	s, ok := b.streams[connection]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

var _ broker.Broker = (*Broker)(nil)
