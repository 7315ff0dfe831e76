// Package bastion assembles the toolkit: service registry, circuit
// breakers, resilient http clients and the saga orchestrator, sharing
// one logger, one config and one event pipeline.
package bastion

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/breaker"
	"github.com/go-bastion/bastion/client"
	"github.com/go-bastion/bastion/config"
	"github.com/go-bastion/bastion/events"
	"github.com/go-bastion/bastion/log"
	"github.com/go-bastion/bastion/registry"
	"github.com/go-bastion/bastion/saga"
	"github.com/go-bastion/bastion/saga/statusapi"
)

// ConfigOption configures Bastion's container
type ConfigOption func(c *container)

type container struct {
	config     *config.Config
	store      registry.Store
	publisher  events.Publisher
	dispatcher events.Dispatcher
	types      events.TypeRegistry
	httpClient *http.Client
	amqpConn   *events.Connection
	apiMux     *http.ServeMux
}

// WithConfig replaces the built-in defaults with the given config.
func WithConfig(cfg *config.Config) ConfigOption {
	return func(c *container) {
		c.config = cfg
	}
}

// WithStore allows to provide another registry.Store implementation;
// the default is the in-memory store.
func WithStore(store registry.Store) ConfigOption {
	return func(c *container) {
		c.store = store
	}
}

// WithPublisher allows to provide your own events.Publisher. It takes
// precedence over the publisher built from WithAMQP.
func WithPublisher(publisher events.Publisher) ConfigOption {
	return func(c *container) {
		c.publisher = publisher
	}
}

// WithDispatcher allows to provide another events.Dispatcher implementation
func WithDispatcher(dispatcher events.Dispatcher) ConfigOption {
	return func(c *container) {
		c.dispatcher = dispatcher
	}
}

// WithTypeRegistry allows to provide a type registry preloaded with
// custom event types.
func WithTypeRegistry(types events.TypeRegistry) ConfigOption {
	return func(c *container) {
		c.types = types
	}
}

// WithHTTPClient replaces the http client shared by health probes and
// resilient clients.
func WithHTTPClient(httpClient *http.Client) ConfigOption {
	return func(c *container) {
		c.httpClient = httpClient
	}
}

// WithAMQP connects the event pipeline to a broker: events are published
// through a buffered amqp publisher and consumed back by a listener.
func WithAMQP(conn *events.Connection) ConfigOption {
	return func(c *container) {
		c.amqpConn = conn
	}
}

// WithStatusAPI mounts the saga status endpoints on the given mux.
func WithStatusAPI(mux *http.ServeMux) ConfigOption {
	return func(c *container) {
		c.apiMux = mux
	}
}

// Bastion is the main component, kind of a container which aggregates
// the toolkit's parts wired to each other.
type Bastion struct {
	logger       log.Logger
	config       *config.Config
	store        registry.Store
	registry     *registry.Registry
	breakers     *breaker.Group
	publisher    events.Publisher
	dispatcher   events.Dispatcher
	types        events.TypeRegistry
	listener     events.Listener
	orchestrator *saga.Orchestrator
	httpClient   *http.Client
}

// New constructs Bastion with the given logger and options, building a
// default for every part that was not provided.
func New(logger log.Logger, configOpts ...ConfigOption) (*Bastion, error) {
	opts := &container{}
	for _, configure := range configOpts {
		configure(opts)
	}

	if opts.config == nil {
		opts.config = config.Default()
	}
	if err := opts.config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.config

	if opts.types == nil {
		opts.types = events.NewTypeRegistry()
	}
	if opts.dispatcher == nil {
		opts.dispatcher = events.NewDispatcher()
	}
	if opts.store == nil {
		opts.store = registry.NewMemoryStore()
	}

	codec := events.NewJSONCodec(opts.types)

	b := &Bastion{
		logger:     logger,
		config:     cfg,
		store:      opts.store,
		dispatcher: opts.dispatcher,
		types:      opts.types,
		httpClient: opts.httpClient,
	}

	publisher := opts.publisher
	if opts.amqpConn != nil {
		amqpPublisher, err := events.NewAMQPPublisher(opts.amqpConn, codec, logger, events.WithExchange(cfg.Events.AMQP.Exchange))
		if err != nil {
			return nil, errors.Wrap(err, "building amqp publisher")
		}
		if publisher == nil {
			policy, err := events.ParseOverflowPolicy(cfg.Events.OverflowPolicy)
			if err != nil {
				return nil, err
			}
			publisher = events.NewBufferedPublisher(
				amqpPublisher,
				logger,
				events.WithBufferSize(cfg.Events.BufferSize),
				events.WithOverflowPolicy(policy),
			)
		}

		listenerConfig := events.DefaultListenerConfig
		listenerConfig.Exchange = cfg.Events.AMQP.Exchange
		listenerConfig.Queue = cfg.Events.AMQP.Queue
		if cfg.Events.AMQP.Workers > 0 {
			listenerConfig.Workers = cfg.Events.AMQP.Workers
		}
		b.listener = events.NewListener(opts.amqpConn, codec, opts.dispatcher, logger, events.WithListenerConfig(&listenerConfig))
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	b.publisher = publisher

	b.breakers = breaker.NewGroup(
		logger,
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
		breaker.WithMonitoringPeriod(cfg.Breaker.MonitoringPeriod),
		breaker.WithExpectedErrors(cfg.Breaker.ExpectedErrors...),
	)

	registryOpts := []registry.Opt{
		registry.WithServiceTimeout(cfg.Registry.ServiceTimeout),
		registry.WithHeartbeatInterval(cfg.Registry.HeartbeatInterval),
		registry.WithHealthCheckInterval(cfg.Registry.HealthCheckInterval),
		registry.WithHealthCheckTimeout(cfg.Registry.HealthCheckTimeout),
		registry.WithPublisher(publisher),
	}
	if opts.httpClient != nil {
		registryOpts = append(registryOpts, registry.WithHTTPClient(opts.httpClient))
	}
	b.registry = registry.NewRegistry(opts.store, logger, registryOpts...)

	b.orchestrator = saga.NewOrchestrator(logger, saga.WithPublisher(publisher))

	if opts.apiMux != nil {
		statusapi.NewStatusHandler(logger, statusapi.NewStatusService(b.orchestrator)).Mount(opts.apiMux)
	}

	return b, nil
}

// Client builds a resilient http client for a service, backed by the
// shared breaker group and resolved through the registry. Options given
// here override the wired defaults.
func (b *Bastion) Client(service string, options ...client.Opt) (*client.Client, error) {
	defaults := []client.Opt{
		client.WithResolver(b.registry),
		client.WithTimeout(b.config.Client.RequestTimeout),
	}
	if b.httpClient != nil {
		defaults = append(defaults, client.WithHTTPClient(b.httpClient))
	}
	return client.New(service, b.breakers.Breaker(service), b.logger, append(defaults, options...)...)
}

// Run drives the registry loops and, when amqp is wired, the event
// listener until ctx is cancelled. It returns the first failure.
func (b *Bastion) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.registry.Run(runCtx); err != nil {
			errCh <- errors.Wrap(err, "running registry")
			cancel()
		}
	}()

	if b.listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.listener.Run(runCtx); err != nil {
				errCh <- errors.Wrap(err, "running listener")
				cancel()
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// Stop drains what Run does not: it waits for in-flight sagas and then
// flushes the buffered publisher.
func (b *Bastion) Stop(ctx context.Context) error {
	if err := b.orchestrator.Stop(ctx); err != nil {
		return errors.Wrap(err, "stopping orchestrator")
	}
	if closer, ok := b.publisher.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return errors.Wrap(err, "closing publisher")
		}
	}
	return nil
}

// Registry returns the service registry.
func (b *Bastion) Registry() *registry.Registry {
	return b.registry
}

// Breakers returns the shared circuit breaker group.
func (b *Bastion) Breakers() *breaker.Group {
	return b.breakers
}

// Orchestrator returns the saga orchestrator.
func (b *Bastion) Orchestrator() *saga.Orchestrator {
	return b.orchestrator
}

// Publisher returns the event publisher every component reports to.
func (b *Bastion) Publisher() events.Publisher {
	return b.publisher
}

// Dispatcher returns the dispatcher consumed events are routed with.
func (b *Bastion) Dispatcher() events.Dispatcher {
	return b.dispatcher
}

// TypeRegistry returns the registry of decodable event types.
func (b *Bastion) TypeRegistry() events.TypeRegistry {
	return b.types
}

// Listener returns the amqp listener, nil unless amqp is wired.
func (b *Bastion) Listener() events.Listener {
	return b.listener
}

// Config returns the effective configuration.
func (b *Bastion) Config() *config.Config {
	return b.config
}

// Logger returns an instance of logger
func (b *Bastion) Logger() log.Logger {
	return b.logger
}
