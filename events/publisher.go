package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/log"
)

var (
	ErrPublisherClosed = errors.New("publisher is closed")
	ErrQueueFull       = errors.New("event queue is full")
)

// Publisher delivers lifecycle events to whoever listens. Implementations
// must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// OverflowPolicy decides what happens when events outpace delivery.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// Block waits for room until the context is cancelled.
	Block OverflowPolicy = "block"
	// Fail rejects the publish with ErrQueueFull.
	Fail OverflowPolicy = "fail"
)

func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch OverflowPolicy(name) {
	case DropOldest, Block, Fail:
		return OverflowPolicy(name), nil
	}
	return "", errors.Errorf("unknown overflow policy %q", name)
}

type bufferedOpts struct {
	bufferSize int
	policy     OverflowPolicy
}

type BufferedOpt func(o *bufferedOpts)

func WithBufferSize(size int) BufferedOpt {
	return func(o *bufferedOpts) {
		o.bufferSize = size
	}
}

func WithOverflowPolicy(policy OverflowPolicy) BufferedOpt {
	return func(o *bufferedOpts) {
		o.policy = policy
	}
}

// BufferedPublisher decouples publishers from delivery with a bounded
// queue in front of a delegate. Delivery order is preserved; a slow
// delegate never blocks the caller except under the Block policy.
type BufferedPublisher struct {
	delegate Publisher
	logger   log.Logger
	policy   OverflowPolicy

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   uint64
}

func NewBufferedPublisher(delegate Publisher, logger log.Logger, opts ...BufferedOpt) *BufferedPublisher {
	options := &bufferedOpts{
		bufferSize: 256,
		policy:     DropOldest,
	}
	for _, opt := range opts {
		opt(options)
	}

	p := &BufferedPublisher{
		delegate: delegate,
		logger:   logger,
		policy:   options.policy,
		queue:    make(chan Event, options.bufferSize),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *BufferedPublisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-p.done:
		return errors.WithStack(ErrPublisherClosed)
	default:
	}

	switch p.policy {
	case Block:
		select {
		case p.queue <- event:
			return nil
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-p.done:
			return errors.WithStack(ErrPublisherClosed)
		}
	case Fail:
		select {
		case p.queue <- event:
			return nil
		default:
			return errors.Wrapf(ErrQueueFull, "event %s", event.EventName())
		}
	default:
		for {
			select {
			case p.queue <- event:
				return nil
			default:
			}
			select {
			case evicted := <-p.queue:
				dropped := atomic.AddUint64(&p.dropped, 1)
				p.logger.Logf(log.WarnLevel, "event queue full, dropped oldest event %s (%d dropped total)", evicted.EventName(), dropped)
			default:
			}
		}
	}
}

// Dropped reports how many events the DropOldest policy evicted.
func (p *BufferedPublisher) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Close stops accepting events, flushes the queue and waits for the
// delegate to finish.
func (p *BufferedPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *BufferedPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.done:
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *BufferedPublisher) deliver(event Event) {
	if err := p.delegate.Publish(context.Background(), event); err != nil {
		p.logger.Logf(log.ErrorLevel, "delivering event %s: %s", event.EventName(), err)
	}
}

// LogPublisher writes every event to the logger, the default delegate
// when no broker is configured.
type LogPublisher struct {
	logger log.Logger
}

func NewLogPublisher(logger log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.WithFields(log.Fields{"event": event.EventName(), "occurred_at": event.OccurredAt()}).
		Logf(log.InfoLevel, "event %+v", event)
	return nil
}

// NilPublisher discards every event.
type NilPublisher struct{}

func NewNilPublisher() *NilPublisher {
	return &NilPublisher{}
}

func (NilPublisher) Publish(context.Context, Event) error {
	return nil
}
