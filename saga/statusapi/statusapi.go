// Package statusapi exposes read-only http endpoints for inspecting
// saga instances held by an orchestrator.
package statusapi

import (
	"context"
	"net/http"
	"sort"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/saga"
)

//go:generate mockgen --build_flags=--mod=mod -destination mock_test.go -package statusapi . Orchestrator,StatusService

// Orchestrator is the slice of the saga orchestrator the status API
// reads from.
type Orchestrator interface {
	GetState(sagaID string) (saga.State, error)
	List(filters ...saga.FilterOption) []saga.State
}

// SagaBatch is one page of saga snapshots. Total counts every match,
// before pagination is applied.
type SagaBatch struct {
	Total int          `json:"total"`
	Items []saga.State `json:"items"`
}

type Filters struct {
	Status   string
	SagaType string
}

type Pagination struct {
	Offset int
	Limit  int
}

type StatusService interface {
	GetStatus(ctx context.Context, sagaID string) (*saga.State, error)
	GetFilteredBy(ctx context.Context, filters *Filters, pagination *Pagination) (*SagaBatch, error)
}

func NewStatusService(orchestrator Orchestrator) StatusService {
	return &statusService{orchestrator: orchestrator}
}

type statusService struct {
	orchestrator Orchestrator
}

func (s statusService) GetStatus(_ context.Context, sagaID string) (*saga.State, error) {
	state, err := s.orchestrator.GetState(sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			return nil, NewResponseError(http.StatusNotFound, errors.Errorf("saga '%s' not found", sagaID))
		}
		return nil, errors.Wrapf(err, "loading saga '%s'", sagaID)
	}
	return &state, nil
}

func (s statusService) GetFilteredBy(_ context.Context, filters *Filters, pagination *Pagination) (*SagaBatch, error) {
	var opts []saga.FilterOption
	if filters.Status != "" {
		opts = append(opts, saga.WithStatus(saga.Status(filters.Status)))
	}
	if filters.SagaType != "" {
		opts = append(opts, saga.WithSagaType(filters.SagaType))
	}

	states := s.orchestrator.List(opts...)
	// list order follows map iteration; pin it down before slicing pages
	sort.Slice(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
	if states == nil {
		states = []saga.State{}
	}

	batch := &SagaBatch{Total: len(states), Items: states}
	if pagination == nil {
		return batch, nil
	}

	if pagination.Offset < 0 || pagination.Limit <= 0 {
		return nil, NewResponseError(http.StatusBadRequest, errors.New("offset must be >= 0 and limit must be > 0"))
	}
	if pagination.Offset >= len(states) {
		batch.Items = []saga.State{}
		return batch, nil
	}
	page := states[pagination.Offset:]
	if pagination.Limit < len(page) {
		page = page[:pagination.Limit]
	}
	batch.Items = page
	return batch, nil
}

// ResponseError carries the http status an error should be served with.
type ResponseError struct {
	error
	status int
}

// Status returns the http status code.
func (e ResponseError) Status() int {
	return e.status
}

func NewResponseError(status int, err error) ResponseError {
	return ResponseError{status: status, error: err}
}
