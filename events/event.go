package events

import (
	"time"
)

// Event names form a closed set; subscribers can switch exhaustively.
const (
	SagaStartedName             = "saga.started"
	SagaStepCompletedName       = "saga.step.completed"
	SagaStepFailedName          = "saga.step.failed"
	SagaCompensationStartedName = "saga.compensation.started"
	SagaStepCompensatedName     = "saga.step.compensated"
	SagaCompensationFailedName  = "saga.compensation.failed"
	SagaCompletedName           = "saga.completed"
	SagaFailedName              = "saga.failed"

	InstanceRegisteredName   = "registry.instance.registered"
	InstanceDeregisteredName = "registry.instance.deregistered"
	HealthChangedName        = "registry.instance.health_changed"
)

// Event is one occurrence in the lifecycle of a saga or a registered
// instance.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

type SagaStarted struct {
	SagaID   string    `json:"saga_id"`
	SagaType string    `json:"saga_type"`
	At       time.Time `json:"at"`
}

func (e SagaStarted) EventName() string     { return SagaStartedName }
func (e SagaStarted) OccurredAt() time.Time { return e.At }

type SagaStepCompleted struct {
	SagaID   string    `json:"saga_id"`
	StepID   string    `json:"step_id"`
	StepName string    `json:"step_name"`
	At       time.Time `json:"at"`
}

func (e SagaStepCompleted) EventName() string     { return SagaStepCompletedName }
func (e SagaStepCompleted) OccurredAt() time.Time { return e.At }

type SagaStepFailed struct {
	SagaID   string    `json:"saga_id"`
	StepID   string    `json:"step_id"`
	StepName string    `json:"step_name"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

func (e SagaStepFailed) EventName() string     { return SagaStepFailedName }
func (e SagaStepFailed) OccurredAt() time.Time { return e.At }

type SagaCompensationStarted struct {
	SagaID string    `json:"saga_id"`
	At     time.Time `json:"at"`
}

func (e SagaCompensationStarted) EventName() string     { return SagaCompensationStartedName }
func (e SagaCompensationStarted) OccurredAt() time.Time { return e.At }

type SagaStepCompensated struct {
	SagaID   string    `json:"saga_id"`
	StepID   string    `json:"step_id"`
	StepName string    `json:"step_name"`
	At       time.Time `json:"at"`
}

func (e SagaStepCompensated) EventName() string     { return SagaStepCompensatedName }
func (e SagaStepCompensated) OccurredAt() time.Time { return e.At }

type SagaCompensationFailed struct {
	SagaID   string    `json:"saga_id"`
	StepID   string    `json:"step_id"`
	StepName string    `json:"step_name"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

func (e SagaCompensationFailed) EventName() string     { return SagaCompensationFailedName }
func (e SagaCompensationFailed) OccurredAt() time.Time { return e.At }

type SagaCompleted struct {
	SagaID string    `json:"saga_id"`
	At     time.Time `json:"at"`
}

func (e SagaCompleted) EventName() string     { return SagaCompletedName }
func (e SagaCompleted) OccurredAt() time.Time { return e.At }

type SagaFailed struct {
	SagaID string    `json:"saga_id"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

func (e SagaFailed) EventName() string     { return SagaFailedName }
func (e SagaFailed) OccurredAt() time.Time { return e.At }

type InstanceRegistered struct {
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service"`
	Address    string    `json:"address"`
	At         time.Time `json:"at"`
}

func (e InstanceRegistered) EventName() string     { return InstanceRegisteredName }
func (e InstanceRegistered) OccurredAt() time.Time { return e.At }

type InstanceDeregistered struct {
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service"`
	At         time.Time `json:"at"`
}

func (e InstanceDeregistered) EventName() string     { return InstanceDeregisteredName }
func (e InstanceDeregistered) OccurredAt() time.Time { return e.At }

type HealthChanged struct {
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service"`
	Previous   string    `json:"previous"`
	Current    string    `json:"current"`
	At         time.Time `json:"at"`
}

func (e HealthChanged) EventName() string     { return HealthChangedName }
func (e HealthChanged) OccurredAt() time.Time { return e.At }
