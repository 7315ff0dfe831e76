package bastion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bastion/bastion/config"
	"github.com/go-bastion/bastion/events"
	"github.com/go-bastion/bastion/log"
	"github.com/go-bastion/bastion/registry"
)

func TestConfigOptions(t *testing.T) {
	cfg := config.Default()
	store := registry.NewMemoryStore()
	publisher := events.NewNilPublisher()
	dispatcher := events.NewDispatcher()
	types := events.NewTypeRegistry()
	httpClient := &http.Client{}
	mux := http.NewServeMux()

	c := &container{}

	opts := []ConfigOption{
		WithConfig(cfg),
		WithStore(store),
		WithPublisher(publisher),
		WithDispatcher(dispatcher),
		WithTypeRegistry(types),
		WithHTTPClient(httpClient),
		WithStatusAPI(mux),
	}

	for _, o := range opts {
		o(c)
	}

	assert.Same(t, cfg, c.config)
	assert.Same(t, store, c.store)
	assert.Same(t, publisher, c.publisher)
	assert.Same(t, dispatcher, c.dispatcher)
	assert.Same(t, types, c.types)
	assert.Same(t, httpClient, c.httpClient)
	assert.Same(t, mux, c.apiMux)
}

func TestNew(t *testing.T) {
	testLogger := log.NewNilLogger()

	t.Run("defaults", func(t *testing.T) {
		b, err := New(testLogger)
		require.NoError(t, err)
		require.NotNil(t, b)

		assert.NotNil(t, b.Registry())
		assert.NotNil(t, b.Breakers())
		assert.NotNil(t, b.Orchestrator())
		assert.NotNil(t, b.Dispatcher())
		assert.NotNil(t, b.TypeRegistry())
		assert.IsType(t, &events.LogPublisher{}, b.Publisher())
		assert.Nil(t, b.Listener())
		assert.Same(t, testLogger, b.Logger())
		assert.Equal(t, 30*time.Second, b.Config().Registry.ServiceTimeout)
	})

	t.Run("invalid config", func(t *testing.T) {
		b, err := New(testLogger, WithConfig(&config.Config{}))
		require.Error(t, err)
		assert.Nil(t, b)
		assert.Contains(t, err.Error(), "registry.service_timeout must be positive")
	})

	t.Run("custom parts are wired", func(t *testing.T) {
		store := registry.NewMemoryStore()
		publisher := events.NewNilPublisher()
		dispatcher := events.NewDispatcher()

		b, err := New(
			testLogger,
			WithStore(store),
			WithPublisher(publisher),
			WithDispatcher(dispatcher),
		)
		require.NoError(t, err)

		assert.Same(t, publisher, b.Publisher())
		assert.Same(t, dispatcher, b.Dispatcher())
	})

	t.Run("status api is mounted", func(t *testing.T) {
		mux := http.NewServeMux()
		_, err := New(testLogger, WithStatusAPI(mux))
		require.NoError(t, err)

		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest("GET", "/sagas", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"total":0,"items":[]}`, rr.Body.String())
	})

	t.Run("amqp connection failure surfaces", func(t *testing.T) {
		conn := events.NewConnection(testLogger, stubConnection{})

		_, err := New(testLogger, WithAMQP(conn))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "building amqp publisher")
	})
}

func TestClientFactory(t *testing.T) {
	b, err := New(log.NewNilLogger())
	require.NoError(t, err)

	first, err := b.Client("payments")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "closed", first.State().Status.String())

	// repeat requests for the same service share one breaker
	assert.Same(t, b.Breakers().Breaker("payments"), b.Breakers().Breaker("payments"))
}

func TestRunAndStop(t *testing.T) {
	b, err := New(log.NewNilLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Run(ctx))
	require.NoError(t, b.Stop(context.Background()))
}

type stubConnection struct{}

func (stubConnection) Channel() (*amqp.Channel, error) {
	return nil, errors.New("connection refused")
}

func (stubConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (stubConnection) Close() error {
	return nil
}

func (stubConnection) IsClosed() bool {
	return true
}
