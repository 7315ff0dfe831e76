package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/go-bastion/bastion/log"
)

const (
	reconnectDelay = time.Second * 3
	reconnectLimit = 20
)

// Dial connects to the broker and keeps the connection alive across
// broker restarts until Close is called.
func Dial(url string, logger log.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dialing amqp broker")
	}

	c := newConnection(logger, conn, reconnectDelay)
	c.redial = func() (UnderlyingConnection, error) {
		return amqp.Dial(url)
	}
	go c.monitor()

	return c, nil
}

// NewConnection wraps an already established connection. Automatic
// reconnection is only armed by Dial.
func NewConnection(logger log.Logger, underlying UnderlyingConnection) *Connection {
	return newConnection(logger, underlying, reconnectDelay)
}

func newConnection(logger log.Logger, underlying UnderlyingConnection, delay time.Duration) *Connection {
	return &Connection{
		logger:         logger,
		underlying:     underlying,
		reconnectDelay: delay,
	}
}

type Connection struct {
	logger         log.Logger
	redial         func() (UnderlyingConnection, error)
	reconnectDelay time.Duration
	closed         int32

	mu         sync.RWMutex
	underlying UnderlyingConnection
}

func (c *Connection) conn() UnderlyingConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.underlying
}

func (c *Connection) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.conn().Close()
}

// IsClosed indicates closed by the caller
func (c *Connection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// monitor redials after the broker drops the connection, rearming the
// close notification on each new connection.
func (c *Connection) monitor() {
	for {
		reason, open := <-c.conn().NotifyClose(make(chan *amqp.Error))
		if !open || c.IsClosed() {
			c.logger.Log(log.InfoLevel, "amqp connection closed explicitly")
			return
		}

		c.logger.Logf(log.WarnLevel, "amqp connection closed, reason: %v", reason)

		if !c.reconnect() {
			return
		}
	}
}

func (c *Connection) reconnect() bool {
	for attempts := uint(1); ; attempts++ {
		time.Sleep(c.reconnectDelay)

		conn, err := c.redial()
		if err == nil {
			c.mu.Lock()
			c.underlying = conn
			c.mu.Unlock()
			c.logger.Log(log.InfoLevel, "reconnected to amqp broker")
			return true
		}

		if attempts >= reconnectLimit {
			c.logger.Logf(log.ErrorLevel, "giving up after %d reconnect attempts: %s", attempts, err)
			return false
		}

		c.logger.Logf(log.ErrorLevel, "reconnect failed, err: %v", err)
	}
}

// Channel opens a channel that is reopened after broker failures,
// typically right after the connection itself was re-established.
func (c *Connection) Channel() (*Channel, error) {
	ch, err := c.conn().Channel()
	if err != nil {
		return nil, errors.Wrap(err, "creating channel")
	}

	channel := &Channel{
		ch:         ch,
		logger:     c.logger,
		retryDelay: c.reconnectDelay,
	}
	go c.watchChannel(channel)

	return channel, nil
}

func (c *Connection) watchChannel(channel *Channel) {
	for {
		reason, open := <-channel.NotifyClose(make(chan *amqp.Error))
		if !open || channel.IsClosed() {
			c.logger.Log(log.InfoLevel, "amqp channel closed")
			return
		}

		c.logger.Logf(log.WarnLevel, "amqp channel closed, reason: %v", reason)

		for {
			time.Sleep(c.reconnectDelay)

			ch, err := c.conn().Channel()
			if err == nil {
				channel.swap(ch)
				c.logger.Log(log.InfoLevel, "recreated amqp channel")
				break
			}

			c.logger.Logf(log.ErrorLevel, "recreating channel failed, err: %v", err)
		}
	}
}

// Channel wraps an amqp channel. Consume keeps retrying until the
// channel is closed by the caller.
type Channel struct {
	logger     log.Logger
	retryDelay time.Duration
	closed     int32

	mu sync.RWMutex
	ch AMQPChannel
}

func (ch *Channel) current() AMQPChannel {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.ch
}

func (ch *Channel) swap(next AMQPChannel) {
	ch.mu.Lock()
	ch.ch = next
	ch.mu.Unlock()
}

// IsClosed indicates closed by the caller
func (ch *Channel) IsClosed() bool {
	return atomic.LoadInt32(&ch.closed) == 1
}

func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	atomic.StoreInt32(&ch.closed, 1)
	return ch.current().Close()
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.current().ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return ch.current().QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.current().QueueBind(name, key, exchange, noWait, args)
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return ch.current().PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return ch.current().Qos(prefetchCount, prefetchSize, global)
}

func (ch *Channel) Cancel(consumer string, noWait bool) error {
	return ch.current().Cancel(consumer, noWait)
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return ch.current().NotifyClose(c)
}

// Consume wraps the underlying Consume and retries it after failures,
// so a consumer survives channel recreation. The returned channel ends
// only when the Channel is closed by the caller.
func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	deliveries := make(chan amqp.Delivery)

	go func() {
		defer close(deliveries)

		var retries uint

		for {
			d, err := ch.current().Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
			if err != nil {
				ch.logger.Logf(log.ErrorLevel, "consume failed, err: %v", err)

				if retries >= reconnectLimit {
					ch.logger.Logf(log.ErrorLevel, "reached limit of %d consume retries", reconnectLimit)
					return
				}

				retries++
				time.Sleep(ch.retryDelay)
				ch.logger.Logf(log.DebugLevel, "retrying consumer %s", consumer)
				continue
			}

			retries = 0
			ch.logger.Logf(log.DebugLevel, "started consuming %s", consumer)

			for msg := range d {
				deliveries <- msg
			}

			// the closed flag may not be set yet when the delivery
			// channel drains
			time.Sleep(ch.retryDelay)

			if ch.IsClosed() {
				return
			}
		}
	}()

	return deliveries, nil
}
