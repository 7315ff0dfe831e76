package saga

import (
	"context"

	"github.com/pkg/errors"
)

// Action is one step's forward or compensating operation. It reads and
// writes the saga payload and must respect ctx.
type Action func(ctx context.Context, data *Data) error

// StepDefinition pairs a forward action with its compensation. The
// compensation is expected to be idempotent; a nil compensation means
// the step needs no undo.
type StepDefinition struct {
	Name       string
	Action     Action
	Compensate Action
}

// Definition is an immutable, ordered template a saga instance is
// cloned from.
type Definition struct {
	Type  string
	Steps []StepDefinition
}

func newDefinition(sagaType string, steps []StepDefinition) (Definition, error) {
	if sagaType == "" {
		return Definition{}, errors.New("saga type is required")
	}
	if len(steps) == 0 {
		return Definition{}, errors.Errorf("saga type %s needs at least one step", sagaType)
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return Definition{}, errors.Errorf("step %d of saga type %s has no name", i, sagaType)
		}
		if step.Action == nil {
			return Definition{}, errors.Errorf("step %s of saga type %s has no action", step.Name, sagaType)
		}
		if _, ok := seen[step.Name]; ok {
			return Definition{}, errors.Errorf("step %s of saga type %s is declared twice", step.Name, sagaType)
		}
		seen[step.Name] = struct{}{}
	}

	return Definition{
		Type:  sagaType,
		Steps: append([]StepDefinition(nil), steps...),
	}, nil
}
