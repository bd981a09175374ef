package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Async delivers events to a wrapped sink in the background. Emit never
// blocks: when the buffer is full the event is dropped. Delivery failures are
// logged and reported on Errors(); they never reach the emitter.
type Async struct {
	sink   Sink
	queue  chan Event
	errs   chan error
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		queue:  make(chan Event, buffer),
		errs:   make(chan error, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	defer close(a.errs)
	for e := range a.queue {
		if err := a.sink.Emit(context.Background(), e); err != nil {
			err = fmt.Errorf("emit %s: %w", e.Type, err)
			a.logger.Warn("event sink failed", "event", e.Type, "session_id", e.SessionID, "error", err)
			select {
			case a.errs <- err:
			default:
			}
		}
	}
}

// Emit queues the event and returns immediately. It always returns nil.
func (a *Async) Emit(_ context.Context, e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- e:
	default:
		a.dropped++
	}
	return nil
}

// Errors reports delivery failures. It is closed after Close returns.
func (a *Async) Errors() <-chan error {
	return a.errs
}

// Dropped returns how many events were discarded because the buffer was full.
func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events and waits until queued events are delivered.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}

// WriterSink writes events as JSON lines.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const streamMaxLen = 10000

// RedisSink appends events to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Emit(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":       string(e.Type),
			"session_id": e.SessionID,
			"ts":         e.Time.Format(time.RFC3339Nano),
			"payload":    string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
