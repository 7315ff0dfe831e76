package saga

import (
	"sync"
	"time"
)

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

type Status string

func (s Status) Running() bool {
	return s == StatusRunning
}

func (s Status) Compensating() bool {
	return s == StatusCompensating
}

func (s Status) Completed() bool {
	return s == StatusCompleted
}

func (s Status) Failed() bool {
	return s == StatusFailed
}

// Terminal reports whether the saga reached its final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

type StepStatus string

func (s StepStatus) String() string {
	return string(s)
}

// Step is the per-run record of one definition step. A step whose
// compensation failed stays completed and carries the error.
type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	action     Action
	compensate Action
}

// State is a read-only snapshot of one saga instance.
type State struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Status      Status                 `json:"status"`
	CurrentStep int                    `json:"current_step"`
	Steps       []Step                 `json:"steps"`
	Data        map[string]interface{} `json:"data"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Data is the mutable payload threaded through a saga. Steps run
// sequentially, but introspection snapshots the payload while a step may
// be writing it, so access is guarded.
type Data struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func NewData(initial map[string]interface{}) *Data {
	values := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Data{values: values}
}

func (d *Data) Get(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.values[key]
	return value, ok
}

func (d *Data) Set(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[key] = value
}

func (d *Data) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
}

// Snapshot copies the payload for safe external reads.
func (d *Data) Snapshot() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]interface{}, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// instance is the live saga; its executor goroutine mutates state under
// mu, readers take snapshots.
type instance struct {
	mu    sync.Mutex
	state State
	data  *Data
}

func (i *instance) snapshot() State {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := i.state
	out.Steps = append([]Step(nil), i.state.Steps...)
	out.Data = i.data.Snapshot()
	if i.state.CompletedAt != nil {
		completed := *i.state.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
