package events

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// TypeRegistry maps event names to their Go types so consumed payloads
// can be decoded back into typed events.
type TypeRegistry interface {
	Register(events ...Event)
	New(name string) (Event, error)
	Known() []string
}

// NewTypeRegistry returns a registry preloaded with every built-in
// event. Register additional application events before decoding them.
func NewTypeRegistry() TypeRegistry {
	r := &typeRegistry{types: map[string]reflect.Type{}}
	r.Register(
		SagaStarted{},
		SagaStepCompleted{},
		SagaStepFailed{},
		SagaCompensationStarted{},
		SagaStepCompensated{},
		SagaCompensationFailed{},
		SagaCompleted{},
		SagaFailed{},
		InstanceRegistered{},
		InstanceDeregistered{},
		HealthChanged{},
	)
	return r
}

type typeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func (r *typeRegistry) Register(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, event := range events {
		structType := reflect.TypeOf(event)
		if structType.Kind() == reflect.Ptr {
			structType = structType.Elem()
		}
		if structType.Kind() != reflect.Struct {
			panic(fmt.Sprintf("event %s must be a struct or a pointer to one", event.EventName()))
		}

		name := event.EventName()
		if registered, found := r.types[name]; found && registered != structType {
			panic(fmt.Sprintf("conflicting registration for %s: old=%v, new=%v", name, registered, structType))
		}
		r.types[name] = structType
	}
}

func (r *typeRegistry) New(name string) (Event, error) {
	r.mu.RLock()
	structType, exists := r.types[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Errorf("event type %s is not registered", name)
	}

	return reflect.New(structType).Interface().(Event), nil
}

func (r *typeRegistry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
