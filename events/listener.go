package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/go-bastion/bastion/log"
)

// Listener consumes published envelopes from the broker and fans them
// out to subscribed handlers.
type Listener interface {
	// Run declares the exchange, queue and bindings, then processes
	// deliveries until ctx is canceled.
	Run(ctx context.Context) error
	// Stop drains in-flight events and closes the consuming channel.
	Stop(ctx context.Context) error
}

// ListenerConfig tunes the consuming workflow.
type ListenerConfig struct {
	// Exchange the queue is bound to.
	Exchange string
	// Queue events are consumed from.
	Queue string
	// Bindings are the routing key patterns bound to the queue.
	Bindings []string
	// Workers is the number of events processed concurrently.
	Workers uint
	// ProcessingTimeout bounds the handling of a single event.
	ProcessingTimeout time.Duration
	// ShutdownTimeout bounds the graceful drain of in-flight events.
	ShutdownTimeout time.Duration
}

var DefaultListenerConfig = ListenerConfig{
	Exchange:          DefaultExchange,
	Queue:             DefaultQueue,
	Bindings:          []string{"#"},
	Workers:           10,
	ProcessingTimeout: time.Second * 60,
	ShutdownTimeout:   time.Second * 61,
}

type ListenerOpt func(o *listenerOpts)

type listenerOpts struct {
	config *ListenerConfig
}

func WithListenerConfig(c *ListenerConfig) ListenerOpt {
	return func(o *listenerOpts) {
		o.config = c
	}
}

func NewListener(conn *Connection, codec Codec, dispatcher Dispatcher, logger log.Logger, opts ...ListenerOpt) Listener {
	lOpts := &listenerOpts{}

	for _, o := range opts {
		o(lOpts)
	}

	config := &DefaultListenerConfig
	if lOpts.config != nil {
		config = lOpts.config
	}

	return &listener{
		conn:       conn,
		codec:      codec,
		dispatcher: dispatcher,
		logger:     logger,
		pool:       newWorkerPool(config.Workers),
		config:     config,
	}
}

type listener struct {
	conn       *Connection
	channel    AMQPChannel
	codec      Codec
	dispatcher Dispatcher
	logger     log.Logger
	pool       *workerPool
	config     *ListenerConfig
}

func (l *listener) Run(ctx context.Context) error {
	if err := l.openChannel(); err != nil {
		return err
	}
	if err := l.declare(); err != nil {
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), l.config.ShutdownTimeout)
	defer cancelShutdown()

	if err := l.channel.Qos(int(l.config.Workers), 0, false); err != nil {
		return errors.WithStack(err)
	}

	deliveries, err := l.channel.Consume(l.config.Queue, l.config.Queue, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consuming %s", l.config.Queue)
	}

	l.pool.start(ctx)
	l.logger.Logf(log.InfoLevel, "listening for events on %s", l.config.Queue)

	for {
		select {
		case workerTasks, open := <-l.pool.free():
			if !open {
				return nil
			}
			select {
			case delivery, open := <-deliveries:
				if !open {
					l.logger.Log(log.WarnLevel, "deliveries channel closed")
					return nil
				}
				select {
				case workerTasks <- &processTask{ctx: ctx, listener: l, delivery: delivery}:
				case <-ctx.Done():
					// the worker may have exited with the context, its
					// slot still has to go back for the pool drain
					l.pool.free() <- workerTasks
					l.logger.Log(log.InfoLevel, "listener context canceled")
					return l.Stop(shutdownCtx)
				}
			case <-ctx.Done():
				l.pool.free() <- workerTasks
				l.logger.Log(log.InfoLevel, "listener context canceled")
				return l.Stop(shutdownCtx)
			}
		case <-ctx.Done():
			l.logger.Log(log.InfoLevel, "listener context canceled")
			return l.Stop(shutdownCtx)
		}
	}
}

func (l *listener) Stop(ctx context.Context) error {
	if l.channel == nil {
		return nil
	}

	if busy := l.pool.busy(); busy > 0 {
		l.logger.Logf(log.InfoLevel, "waiting for %d in-flight events", busy)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for l.pool.busy() > 0 {
		select {
		case <-ctx.Done():
			l.logger.Log(log.WarnLevel, "stopped waiting for in-flight events")
			return nil
		case <-ticker.C:
			l.logger.Logf(log.InfoLevel, "waiting for %d in-flight events", l.pool.busy())
		}
	}

	if err := l.channel.Cancel(l.config.Queue, false); err != nil {
		l.logger.Logf(log.ErrorLevel, "error canceling consumer %s: %s", l.config.Queue, err)
	}

	if err := l.channel.Close(); err != nil && err != amqp.ErrClosed {
		return errors.Wrap(err, "closing listener channel")
	}

	return nil
}

func (l *listener) openChannel() error {
	if l.channel != nil {
		return nil
	}

	channel, err := l.conn.Channel()
	if err != nil {
		return errors.WithStack(err)
	}
	l.channel = channel

	return nil
}

func (l *listener) declare() error {
	if err := l.channel.ExchangeDeclare(l.config.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", l.config.Exchange)
	}

	if _, err := l.channel.QueueDeclare(l.config.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring queue %s", l.config.Queue)
	}

	for _, binding := range l.config.Bindings {
		if err := l.channel.QueueBind(l.config.Queue, binding, l.config.Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "binding %s to %s with key %s", l.config.Queue, l.config.Exchange, binding)
		}
	}

	return nil
}

func (l *listener) process(ctx context.Context, delivery amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, l.config.ProcessingTimeout)
	defer cancel()

	envelope, err := l.codec.Unmarshal(delivery.Body)
	if err != nil {
		l.logger.Logf(log.ErrorLevel, "dropping delivery %s: %s", delivery.MessageId, err)
		l.nack(delivery, false)
		return
	}

	event, ok := envelope.Event()
	if !ok {
		l.logger.Logf(log.ErrorLevel, "dropping delivery %s: payload of %s is not an event", delivery.MessageId, envelope.Name)
		l.nack(delivery, false)
		return
	}

	for _, handler := range l.dispatcher.Match(event) {
		if err := handler(ctx, event); err != nil {
			l.logger.Logf(log.ErrorLevel, "handling %s: %s", envelope.Name, err)
			// one redelivery, after that the event is dropped
			l.nack(delivery, !delivery.Redelivered)
			return
		}
	}

	l.ack(delivery)
}

func (l *listener) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		l.logger.Logf(log.ErrorLevel, "acking %s: %s", delivery.MessageId, err)
	}
}

func (l *listener) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		l.logger.Logf(log.ErrorLevel, "nacking %s: %s", delivery.MessageId, err)
	}
}

type processTask struct {
	ctx      context.Context
	listener *listener
	delivery amqp.Delivery
}

func (t *processTask) run() {
	t.listener.process(t.ctx, t.delivery)
}
