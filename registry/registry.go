package registry

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/go-bastion/bastion/events"
	"github.com/go-bastion/bastion/log"
)

// ErrServiceNotFound signals that discovery produced no healthy instance.
var ErrServiceNotFound = errors.New("service not found")

type opts struct {
	serviceTimeout      time.Duration
	heartbeatInterval   time.Duration
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	publisher           events.Publisher
	httpClient          *http.Client
}

type Opt func(o *opts)

// WithServiceTimeout sets the lease length for registered instances.
func WithServiceTimeout(timeout time.Duration) Opt {
	return func(o *opts) {
		o.serviceTimeout = timeout
	}
}

func WithHeartbeatInterval(interval time.Duration) Opt {
	return func(o *opts) {
		o.heartbeatInterval = interval
	}
}

func WithHealthCheckInterval(interval time.Duration) Opt {
	return func(o *opts) {
		o.healthCheckInterval = interval
	}
}

func WithHealthCheckTimeout(timeout time.Duration) Opt {
	return func(o *opts) {
		o.healthCheckTimeout = timeout
	}
}

// WithPublisher makes the registry publish instance lifecycle events.
func WithPublisher(publisher events.Publisher) Opt {
	return func(o *opts) {
		o.publisher = publisher
	}
}

// WithHTTPClient replaces the http client used by health probes.
func WithHTTPClient(client *http.Client) Opt {
	return func(o *opts) {
		o.httpClient = client
	}
}

// Registry keeps a time-bounded record of which instances of each
// service are alive, backed by the store as the single source of truth.
// Instances registered through this registry are heartbeated and health
// probed by the background loops started with Run.
type Registry struct {
	store     Store
	logger    log.Logger
	publisher events.Publisher
	checker   *healthChecker

	serviceTimeout      time.Duration
	heartbeatInterval   time.Duration
	healthCheckInterval time.Duration

	local *xsync.MapOf[string, ServiceInstance]
}

func NewRegistry(store Store, logger log.Logger, options ...Opt) *Registry {
	o := &opts{
		serviceTimeout:      30 * time.Second,
		heartbeatInterval:   10 * time.Second,
		healthCheckInterval: 30 * time.Second,
		healthCheckTimeout:  5 * time.Second,
		publisher:           events.NewNilPublisher(),
		httpClient:          &http.Client{},
	}
	for _, opt := range options {
		opt(o)
	}

	return &Registry{
		store:               store,
		logger:              logger,
		publisher:           o.publisher,
		checker:             newHealthChecker(o.httpClient, o.healthCheckTimeout),
		serviceTimeout:      o.serviceTimeout,
		heartbeatInterval:   o.heartbeatInterval,
		healthCheckInterval: o.healthCheckInterval,
		local:               xsync.NewMapOf[string, ServiceInstance](),
	}
}

// Register leases a new instance and returns its generated id. Repeated
// registrations of the same service coexist as replicas, each with its
// own id.
func (r *Registry) Register(ctx context.Context, registration Registration) (string, error) {
	if registration.Name == "" {
		return "", errors.New("service name is required")
	}
	if registration.Host == "" {
		return "", errors.New("service host is required")
	}

	now := time.Now().UTC()
	instance := ServiceInstance{
		ID:            uuid.New().String(),
		Name:          registration.Name,
		Host:          registration.Host,
		Port:          registration.Port,
		Version:       registration.Version,
		Health:        HealthHealthy,
		Metadata:      registration.Metadata,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	if err := r.writeInstance(ctx, instance); err != nil {
		return "", err
	}
	if err := r.store.SetAdd(ctx, serviceKey(instance.Name), instance.ID); err != nil {
		return "", errors.Wrapf(err, "indexing instance %s", instance.ID)
	}
	if err := r.store.SetAdd(ctx, servicesAllKey, instance.Name); err != nil {
		return "", errors.Wrapf(err, "indexing service %s", instance.Name)
	}

	r.local.Store(instance.ID, instance)
	r.logger.WithFields(log.Fields{"service": instance.Name, "instance": instance.ID}).
		Log(log.InfoLevel, "registered service instance")
	r.publish(ctx, events.InstanceRegistered{
		InstanceID: instance.ID,
		Service:    instance.Name,
		Address:    instance.Address(),
		At:         now,
	})

	return instance.ID, nil
}

// Deregister removes an instance wherever it is indexed. Removing an
// unknown or already removed id is a no-op.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	if instance, ok := r.local.LoadAndDelete(instanceID); ok {
		return r.remove(ctx, instance.Name, instanceID)
	}

	names, err := r.store.SetMembers(ctx, servicesAllKey)
	if err != nil {
		return errors.Wrap(err, "listing known services")
	}
	for _, name := range names {
		exists, err := r.store.Exists(ctx, instanceKey(name, instanceID))
		if err != nil {
			return errors.Wrapf(err, "checking instance %s", instanceID)
		}
		if err := r.store.SetRemove(ctx, serviceKey(name), instanceID); err != nil {
			return errors.Wrapf(err, "unindexing instance %s", instanceID)
		}
		if exists {
			return r.remove(ctx, name, instanceID)
		}
	}
	return nil
}

func (r *Registry) remove(ctx context.Context, service, instanceID string) error {
	if err := r.store.Delete(ctx, instanceKey(service, instanceID)); err != nil {
		return errors.Wrapf(err, "deleting instance %s", instanceID)
	}
	if err := r.store.SetRemove(ctx, serviceKey(service), instanceID); err != nil {
		return errors.Wrapf(err, "unindexing instance %s", instanceID)
	}

	r.logger.WithFields(log.Fields{"service": service, "instance": instanceID}).
		Log(log.InfoLevel, "deregistered service instance")
	r.publish(ctx, events.InstanceDeregistered{
		InstanceID: instanceID,
		Service:    service,
		At:         time.Now().UTC(),
	})
	return nil
}

// Heartbeat refreshes the lease of a locally registered instance. Ids
// this process did not register are ignored; their owners are expected
// to re-register.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) error {
	instance, ok := r.local.Load(instanceID)
	if !ok {
		return nil
	}

	// health is owned by the probe loop; carry over whatever the store
	// has before rewriting the record
	if data, err := r.store.Get(ctx, instanceKey(instance.Name, instanceID)); err == nil {
		var current ServiceInstance
		if err := json.Unmarshal(data, &current); err == nil {
			instance.Health = current.Health
		}
	}

	instance.LastHeartbeat = time.Now().UTC()
	if err := r.writeInstance(ctx, instance); err != nil {
		return err
	}
	if err := r.store.SetAdd(ctx, serviceKey(instance.Name), instanceID); err != nil {
		return errors.Wrapf(err, "re-indexing instance %s", instanceID)
	}
	if err := r.store.SetAdd(ctx, servicesAllKey, instance.Name); err != nil {
		return errors.Wrapf(err, "re-indexing service %s", instance.Name)
	}

	r.local.Store(instanceID, instance)
	return nil
}

// Discover returns the healthy instances of a service. Instances whose
// lease expired read as absent from the store and are skipped.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	instances, err := r.instances(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	healthy := make([]ServiceInstance, 0, len(instances))
	for _, instance := range instances {
		if instance.Health.Healthy() {
			healthy = append(healthy, instance)
		}
	}
	return healthy, nil
}

// URL picks one healthy instance of a service uniformly at random and
// returns its base URL.
func (r *Registry) URL(ctx context.Context, serviceName string) (string, error) {
	instances, err := r.Discover(ctx, serviceName)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", errors.Wrapf(ErrServiceNotFound, "no healthy instances of %s", serviceName)
	}
	return instances[rand.Intn(len(instances))].Address(), nil
}

// CleanupExpired trims index entries whose backing record the store
// already expired. Safe to run repeatedly.
func (r *Registry) CleanupExpired(ctx context.Context) error {
	names, err := r.store.SetMembers(ctx, servicesAllKey)
	if err != nil {
		return errors.Wrap(err, "listing known services")
	}

	for _, name := range names {
		ids, err := r.store.SetMembers(ctx, serviceKey(name))
		if err != nil {
			return errors.Wrapf(err, "listing instances of %s", name)
		}
		for _, id := range ids {
			exists, err := r.store.Exists(ctx, instanceKey(name, id))
			if err != nil {
				return errors.Wrapf(err, "checking instance %s", id)
			}
			if !exists {
				if err := r.store.SetRemove(ctx, serviceKey(name), id); err != nil {
					return errors.Wrapf(err, "unindexing instance %s", id)
				}
				r.logger.WithFields(log.Fields{"service": name, "instance": id}).
					Log(log.DebugLevel, "removed expired instance from index")
			}
		}
	}
	return nil
}

// Run drives the heartbeat and health-check loops until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.healthLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.local.Range(func(id string, _ ServiceInstance) bool {
				if err := r.Heartbeat(ctx, id); err != nil {
					r.logger.Logf(log.ErrorLevel, "heartbeat for instance %s: %s", id, err)
				}
				return true
			})
		}
	}
}

func (r *Registry) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkHealth(ctx)
			if err := r.CleanupExpired(ctx); err != nil {
				r.logger.Logf(log.ErrorLevel, "cleaning up expired instances: %s", err)
			}
		}
	}
}

// checkHealth probes every known instance, one goroutine per service
// name so a hung probe never delays other services. Only health flips
// rewrite the record; an untouched record keeps aging toward expiry.
func (r *Registry) checkHealth(ctx context.Context) {
	names, err := r.store.SetMembers(ctx, servicesAllKey)
	if err != nil {
		r.logger.Logf(log.ErrorLevel, "listing known services: %s", err)
		return
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.checkService(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (r *Registry) checkService(ctx context.Context, serviceName string) {
	instances, err := r.instances(ctx, serviceName)
	if err != nil {
		r.logger.Logf(log.ErrorLevel, "resolving instances of %s: %s", serviceName, err)
		return
	}

	for _, instance := range instances {
		status := r.checker.probe(ctx, instance)
		if status == instance.Health {
			continue
		}

		previous := instance.Health
		instance.Health = status
		if err := r.writeInstance(ctx, instance); err != nil {
			r.logger.Logf(log.ErrorLevel, "recording health of instance %s: %s", instance.ID, err)
			continue
		}
		if _, ok := r.local.Load(instance.ID); ok {
			r.local.Store(instance.ID, instance)
		}

		r.logger.WithFields(log.Fields{
			"service":  instance.Name,
			"instance": instance.ID,
			"previous": previous.String(),
			"current":  status.String(),
		}).Log(log.InfoLevel, "instance health changed")
		r.publish(ctx, events.HealthChanged{
			InstanceID: instance.ID,
			Service:    instance.Name,
			Previous:   previous.String(),
			Current:    status.String(),
			At:         time.Now().UTC(),
		})
	}
}

// instances resolves every live record of a service, healthy or not.
func (r *Registry) instances(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	ids, err := r.store.SetMembers(ctx, serviceKey(serviceName))
	if err != nil {
		return nil, errors.Wrapf(err, "listing instances of %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(ids))
	for _, id := range ids {
		data, err := r.store.Get(ctx, instanceKey(serviceName, id))
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		var instance ServiceInstance
		if err := json.Unmarshal(data, &instance); err != nil {
			r.logger.Logf(log.WarnLevel, "skipping corrupt record of instance %s: %s", id, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *Registry) writeInstance(ctx context.Context, instance ServiceInstance) error {
	payload, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrapf(err, "marshalling instance %s", instance.ID)
	}
	if err := r.store.Set(ctx, instanceKey(instance.Name, instance.ID), payload, r.serviceTimeout); err != nil {
		return errors.Wrapf(err, "storing instance %s", instance.ID)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, event events.Event) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Logf(log.ErrorLevel, "publishing %s: %s", event.EventName(), err)
	}
}
