package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testlog "github.com/go-bastion/bastion/testing/log"
)

func produceDeliveries(ctx context.Context, tag string, count int) <-chan amqp.Delivery {
	out := make(chan amqp.Delivery)

	go func() {
		defer close(out)
		for i := 0; i < count; i++ {
			select {
			case out <- amqp.Delivery{ConsumerTag: tag}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func TestChannelClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	channelMock := NewMockAMQPChannel(ctrl)
	ch := &Channel{ch: channelMock, logger: testlog.NewTestLogger()}

	channelMock.
		EXPECT().
		Close().
		Return(nil)

	assert.NoError(t, ch.Close())

	errSecondClose := ch.Close()
	require.Error(t, errSecondClose)
	assert.Equal(t, amqp.ErrClosed, errSecondClose)
}

func TestChannelConsumeRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	testLogger := testlog.NewTestLogger()
	channelMock := NewMockAMQPChannel(ctrl)

	ch := &Channel{
		ch:         channelMock,
		logger:     testLogger,
		retryDelay: time.Millisecond * 10,
	}

	firstProducerCtx, cancelFirstProducer := context.WithCancel(context.Background())
	firstProducerCh := produceDeliveries(firstProducerCtx, "first", 1000)

	secondProducerCtx, cancelSecondProducer := context.WithCancel(context.Background())
	secondProducerCh := produceDeliveries(secondProducerCtx, "second", 1000)

	firstCall := channelMock.
		EXPECT().
		Consume("q1", "q1", false, false, false, false, nil).
		Return(firstProducerCh, nil)

	secondCall := channelMock.
		EXPECT().
		Consume("q1", "q1", false, false, false, false, nil).
		Return(nil, errors.New("error1 consuming")).
		After(firstCall)

	channelMock.
		EXPECT().
		Consume("q1", "q1", false, false, false, false, nil).
		Do(func(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) {
			require.NoError(t, ch.Close())
			cancelSecondProducer()
		}).
		Return(secondProducerCh, nil).
		After(secondCall)

	channelMock.
		EXPECT().
		Close().
		Return(nil)

	wg := &sync.WaitGroup{}
	wg.Add(1)

	go func() {
		time.Sleep(time.Millisecond * 100)
		cancelFirstProducer()
	}()

	go func() {
		defer wg.Done()

		d, err := ch.Consume("q1", "q1", false, false, false, false, nil)
		assert.NoError(t, err)

		opened := true
		for opened {
			_, opened = <-d
		}
	}()

	wg.Wait()

	testLogger.AssertContainsSubstr(t, "started consuming q1")
	testLogger.AssertContainsSubstr(t, "consume failed, err: error1 consuming")
	testLogger.AssertContainsSubstr(t, "retrying consumer q1")
}

func TestChannelConsumeRetryLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	testLogger := testlog.NewTestLogger()
	channelMock := NewMockAMQPChannel(ctrl)

	ch := &Channel{
		ch:         channelMock,
		logger:     testLogger,
		retryDelay: time.Millisecond,
	}

	channelMock.
		EXPECT().
		Consume("q1", "q1", false, false, false, false, nil).
		Return(nil, errors.New("error1 consuming")).
		Times(reconnectLimit + 1)

	d, err := ch.Consume("q1", "q1", false, false, false, false, nil)
	assert.NoError(t, err)

	opened := true
	for opened {
		_, opened = <-d
	}

	testLogger.AssertContainsSubstr(t, fmt.Sprintf("reached limit of %d consume retries", reconnectLimit))
}

func TestConnectionChannelError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	connMock := NewMockUnderlyingConnection(ctrl)
	conn := NewConnection(testlog.NewTestLogger(), connMock)

	connMock.
		EXPECT().
		Channel().
		Return(nil, errors.New("some error"))

	ch, err := conn.Channel()
	require.Error(t, err)
	assert.EqualError(t, err, "creating channel: some error")
	assert.Nil(t, ch)
}

func TestConnectionClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	connMock := NewMockUnderlyingConnection(ctrl)
	conn := NewConnection(testlog.NewTestLogger(), connMock)

	connMock.
		EXPECT().
		Close().
		Return(nil)

	assert.False(t, conn.IsClosed())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
}
