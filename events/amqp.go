package events

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/go-bastion/bastion/log"
)

const (
	// DefaultExchange is the topic exchange events are published to.
	DefaultExchange = "bastion.events"
	// DefaultQueue is the queue a listener consumes from.
	DefaultQueue = "bastion.events.queue"

	exchangeKind = "topic"
	contentType  = "application/json"
)

type AMQPOpt func(o *amqpOpts)

type amqpOpts struct {
	exchange string
}

func WithExchange(name string) AMQPOpt {
	return func(o *amqpOpts) {
		o.exchange = name
	}
}

// NewAMQPPublisher opens a publishing channel and declares the topic
// exchange. The routing key of every publication is the event name, so
// consumers can bind to saga.*, registry.# and alike.
func NewAMQPPublisher(conn *Connection, codec Codec, logger log.Logger, options ...AMQPOpt) (*AMQPPublisher, error) {
	opts := &amqpOpts{exchange: DefaultExchange}
	for _, opt := range options {
		opt(opts)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	p := &AMQPPublisher{
		channel:  channel,
		codec:    codec,
		logger:   logger,
		exchange: opts.exchange,
	}

	if err := p.declareExchange(); err != nil {
		return nil, err
	}

	return p, nil
}

type AMQPPublisher struct {
	channel  AMQPChannel
	codec    Codec
	logger   log.Logger
	exchange string
}

func (p *AMQPPublisher) declareExchange() error {
	if err := p.channel.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", p.exchange)
	}
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	envelope := NewEnvelope(event)

	body, err := p.codec.Marshal(envelope)
	if err != nil {
		return errors.WithStack(err)
	}

	if err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		envelope.Name,
		false,
		false,
		amqp.Publishing{
			MessageId:   envelope.ID,
			ContentType: contentType,
			Timestamp:   envelope.OccurredAt,
			Body:        body,
		},
	); err != nil {
		return errors.Wrapf(err, "publishing %s", envelope.Name)
	}

	p.logger.Logf(log.DebugLevel, "published %s to %s", envelope.Name, p.exchange)
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
