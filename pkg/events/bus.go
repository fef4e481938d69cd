package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

var (
	ErrBusClosed = errors.New("event bus closed")
	ErrBusFull   = errors.New("event bus buffer full")
)

// Sink receives events from the bus, one at a time and in publish order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e core.Event) error
}

// Bus decouples the matching path from downstream consumers. Publish only
// enqueues; a single Run loop delivers to every sink, so each sink observes
// events in exactly the order they were published.
//
// The engine publishes while it holds a market lock, so Publish never waits
// for buffer space: when sinks fall behind far enough to fill the buffer the
// event is refused with ErrBusFull and matching carries on. Delivery is at
// most once either way; the store stays the record of truth.
type Bus struct {
	ch    chan core.Event
	sinks []Sink
	log   *zap.Logger

	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

var _ core.Publisher = (*Bus)(nil)

func NewBus(buffer int, log *zap.Logger, sinks ...Sink) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		ch:      make(chan core.Event, buffer),
		sinks:   sinks,
		log:     log,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// AddSink registers s. Must be called before Run.
func (b *Bus) AddSink(s Sink) { b.sinks = append(b.sinks, s) }

// Publish enqueues e without blocking. It fails with ErrBusFull when the
// buffer has no room.
func (b *Bus) Publish(ctx context.Context, e core.Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.ch <- e:
		return nil
	default:
		return fmt.Errorf("%s event for %s: %w", e.Kind, e.MarketID(), ErrBusFull)
	}
}

// Run delivers events until ctx is cancelled or Close is called, then
// flushes whatever is still buffered.
func (b *Bus) Run(ctx context.Context) {
	b.running.Store(true)
	defer close(b.stopped)
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		case <-ctx.Done():
			b.drain(context.Background())
			return
		case <-b.done:
			b.drain(ctx)
			return
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.deliver(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e core.Event) {
	for _, s := range b.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			b.log.Warn("event_delivery_failed",
				zap.String("sink", s.Name()),
				zap.String("kind", string(e.Kind)),
				zap.String("market_id", e.MarketID()),
				zap.Error(err))
		}
	}
}

// Close stops accepting events. If Run is active, Close waits for it to
// flush the buffer.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() { close(b.done) })
	if !b.running.Load() {
		return nil
	}
	select {
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Encode is the JSON payload every external sink ships.
func Encode(e core.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (core.Event, error) {
	var e core.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// FuncSink adapts a function to Sink.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, e core.Event) error
}

func (f FuncSink) Name() string { return f.SinkName }

func (f FuncSink) Deliver(ctx context.Context, e core.Event) error { return f.Fn(ctx, e) }
