package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/go-bastion/bastion/events"
	"github.com/go-bastion/bastion/log"
)

var (
	ErrSagaNotFound       = errors.New("saga not found")
	ErrDefinitionNotFound = errors.New("saga definition not found")
	ErrDefinitionExists   = errors.New("saga definition already registered")
)

type FilterOption func(o *filterOptions)

type filterOptions struct {
	status   string
	sagaType string
}

func WithStatus(status Status) FilterOption {
	return func(o *filterOptions) {
		o.status = status.String()
	}
}

func WithSagaType(sagaType string) FilterOption {
	return func(o *filterOptions) {
		o.sagaType = sagaType
	}
}

type opts struct {
	publisher events.Publisher
}

type Opt func(o *opts)

// WithPublisher makes the orchestrator publish saga lifecycle events.
func WithPublisher(publisher events.Publisher) Opt {
	return func(o *opts) {
		o.publisher = publisher
	}
}

// Orchestrator executes registered saga definitions as single logical
// transactions: steps run strictly in order, and a failed step rolls
// completed ones back in reverse. Separate sagas run fully
// concurrently.
type Orchestrator struct {
	logger    log.Logger
	publisher events.Publisher

	definitions *xsync.MapOf[string, Definition]
	sagas       *xsync.MapOf[string, *instance]
	wg          sync.WaitGroup
}

func NewOrchestrator(logger log.Logger, options ...Opt) *Orchestrator {
	o := &opts{
		publisher: events.NewNilPublisher(),
	}
	for _, opt := range options {
		opt(o)
	}

	return &Orchestrator{
		logger:      logger,
		publisher:   o.publisher,
		definitions: xsync.NewMapOf[string, Definition](),
		sagas:       xsync.NewMapOf[string, *instance](),
	}
}

// RegisterDefinition stores an immutable template under a type name.
// Registering the same type twice is an error.
func (o *Orchestrator) RegisterDefinition(sagaType string, steps []StepDefinition) error {
	definition, err := newDefinition(sagaType, steps)
	if err != nil {
		return err
	}
	if _, loaded := o.definitions.LoadOrStore(sagaType, definition); loaded {
		return errors.Wrapf(ErrDefinitionExists, "saga type %s", sagaType)
	}
	return nil
}

// Start clones the definition into a fresh running instance and
// executes it on its own goroutine. The returned id is immediately
// queryable through GetState.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, payload map[string]interface{}) (string, error) {
	definition, ok := o.definitions.Load(sagaType)
	if !ok {
		return "", errors.Wrapf(ErrDefinitionNotFound, "saga type %s", sagaType)
	}

	now := time.Now().UTC()
	steps := make([]Step, len(definition.Steps))
	for i, step := range definition.Steps {
		steps[i] = Step{
			ID:         uuid.New().String(),
			Name:       step.Name,
			Status:     StepPending,
			action:     step.Action,
			compensate: step.Compensate,
		}
	}

	inst := &instance{
		state: State{
			ID:          uuid.New().String(),
			Type:        sagaType,
			Status:      StatusRunning,
			CurrentStep: 0,
			Steps:       steps,
			StartedAt:   now,
		},
		data: NewData(payload),
	}
	o.sagas.Store(inst.state.ID, inst)

	o.logger.WithFields(log.Fields{"saga": inst.state.ID, "type": sagaType}).
		Log(log.InfoLevel, "saga started")
	o.publish(ctx, events.SagaStarted{SagaID: inst.state.ID, SagaType: sagaType, At: now})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, inst)
	}()

	return inst.state.ID, nil
}

// GetState snapshots one saga, running or terminal.
func (o *Orchestrator) GetState(sagaID string) (State, error) {
	inst, ok := o.sagas.Load(sagaID)
	if !ok {
		return State{}, errors.Wrapf(ErrSagaNotFound, "saga %s", sagaID)
	}
	return inst.snapshot(), nil
}

// ListActive returns every saga still running or compensating.
func (o *Orchestrator) ListActive() []State {
	var active []State
	o.sagas.Range(func(_ string, inst *instance) bool {
		state := inst.snapshot()
		if !state.Status.Terminal() {
			active = append(active, state)
		}
		return true
	})
	return active
}

// List returns saga snapshots matching the given filters.
func (o *Orchestrator) List(filters ...FilterOption) []State {
	options := &filterOptions{}
	for _, filter := range filters {
		filter(options)
	}

	var matched []State
	o.sagas.Range(func(_ string, inst *instance) bool {
		state := inst.snapshot()
		if options.status != "" && state.Status.String() != options.status {
			return true
		}
		if options.sagaType != "" && state.Type != options.sagaType {
			return true
		}
		matched = append(matched, state)
		return true
	})
	return matched
}

// RemoveFinished drops a terminal saga from memory.
func (o *Orchestrator) RemoveFinished(sagaID string) error {
	inst, ok := o.sagas.Load(sagaID)
	if !ok {
		return errors.Wrapf(ErrSagaNotFound, "saga %s", sagaID)
	}
	if state := inst.snapshot(); !state.Status.Terminal() {
		return errors.Errorf("saga %s is %s, only terminal sagas can be removed", sagaID, state.Status)
	}
	o.sagas.Delete(sagaID)
	return nil
}

// Stop waits until every in-flight saga reaches a terminal state or ctx
// expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running sagas")
	}
}

func (o *Orchestrator) execute(ctx context.Context, inst *instance) {
	for {
		inst.mu.Lock()
		if inst.state.CurrentStep >= len(inst.state.Steps) {
			now := time.Now().UTC()
			inst.state.Status = StatusCompleted
			inst.state.CompletedAt = &now
			sagaID := inst.state.ID
			inst.mu.Unlock()

			o.logger.WithFields(log.Fields{"saga": sagaID}).Log(log.InfoLevel, "saga completed")
			o.publish(ctx, events.SagaCompleted{SagaID: sagaID, At: now})
			return
		}

		index := inst.state.CurrentStep
		step := &inst.state.Steps[index]
		started := time.Now().UTC()
		step.StartedAt = &started
		action := step.action
		sagaID, stepID, stepName := inst.state.ID, step.ID, step.Name
		inst.mu.Unlock()

		err := o.runAction(ctx, action, inst.data)
		now := time.Now().UTC()

		if err == nil {
			inst.mu.Lock()
			completed := &inst.state.Steps[index]
			completed.Status = StepCompleted
			completed.CompletedAt = &now
			inst.state.CurrentStep++
			inst.mu.Unlock()

			o.publish(ctx, events.SagaStepCompleted{SagaID: sagaID, StepID: stepID, StepName: stepName, At: now})
			continue
		}

		inst.mu.Lock()
		failed := &inst.state.Steps[index]
		failed.Status = StepFailed
		failed.Error = err.Error()
		failed.CompletedAt = &now
		inst.mu.Unlock()

		o.logger.WithFields(log.Fields{"saga": sagaID, "step": stepName}).
			Logf(log.ErrorLevel, "saga step failed: %s", err)
		o.publish(ctx, events.SagaStepFailed{SagaID: sagaID, StepID: stepID, StepName: stepName, Error: err.Error(), At: now})

		o.compensate(ctx, inst, index, err)
		return
	}
}

// compensate rolls completed steps back in strict reverse order. A
// failing compensation is recorded and the sweep continues; the saga
// terminates failed either way.
func (o *Orchestrator) compensate(ctx context.Context, inst *instance, failedIndex int, cause error) {
	// rollback must finish even when the failure was the caller
	// cancelling ctx
	compCtx := context.WithoutCancel(ctx)

	inst.mu.Lock()
	inst.state.Status = StatusCompensating
	sagaID := inst.state.ID
	inst.mu.Unlock()

	o.logger.WithFields(log.Fields{"saga": sagaID}).Log(log.InfoLevel, "saga compensation started")
	o.publish(compCtx, events.SagaCompensationStarted{SagaID: sagaID, At: time.Now().UTC()})

	for i := failedIndex - 1; i >= 0; i-- {
		inst.mu.Lock()
		step := &inst.state.Steps[i]
		if step.Status != StepCompleted {
			inst.mu.Unlock()
			continue
		}
		compensate := step.compensate
		stepID, stepName := step.ID, step.Name
		inst.mu.Unlock()

		var err error
		if compensate != nil {
			err = o.runAction(compCtx, compensate, inst.data)
		}
		now := time.Now().UTC()

		if err != nil {
			inst.mu.Lock()
			failed := &inst.state.Steps[i]
			failed.Error = err.Error()
			inst.mu.Unlock()

			o.logger.WithFields(log.Fields{"saga": sagaID, "step": stepName}).
				Logf(log.ErrorLevel, "saga compensation failed: %s", err)
			o.publish(compCtx, events.SagaCompensationFailed{SagaID: sagaID, StepID: stepID, StepName: stepName, Error: err.Error(), At: now})
			continue
		}

		inst.mu.Lock()
		compensated := &inst.state.Steps[i]
		compensated.Status = StepCompensated
		inst.mu.Unlock()

		o.publish(compCtx, events.SagaStepCompensated{SagaID: sagaID, StepID: stepID, StepName: stepName, At: now})
	}

	now := time.Now().UTC()
	inst.mu.Lock()
	inst.state.Status = StatusFailed
	inst.state.CompletedAt = &now
	inst.mu.Unlock()

	o.logger.WithFields(log.Fields{"saga": sagaID}).Log(log.WarnLevel, "saga failed")
	o.publish(compCtx, events.SagaFailed{SagaID: sagaID, Error: cause.Error(), At: now})
}

// runAction shields the orchestrator from panicking user code; a panic
// counts as the action failing.
func (o *Orchestrator) runAction(ctx context.Context, action Action, data *Data) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("action panicked: %v", r)
		}
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.WithStack(ctxErr)
	}
	return action(ctx, data)
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Logf(log.ErrorLevel, "publishing %s: %s", event.EventName(), err)
	}
}
