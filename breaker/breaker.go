package breaker

import (
	"context"
	stderrors "errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-bastion/bastion/log"
)

// ErrCircuitOpen is returned when a call is short-circuited and no
// fallback is supplied.
var ErrCircuitOpen = errors.New("circuit is open")

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

type Status string

func (s Status) Closed() bool {
	return s == StatusClosed
}

func (s Status) Open() bool {
	return s == StatusOpen
}

func (s Status) HalfOpen() bool {
	return s == StatusHalfOpen
}

func (s Status) String() string {
	return string(s)
}

// Action is the protected operation.
type Action func(ctx context.Context) (interface{}, error)

// Fallback substitutes a result when the action failed or was
// short-circuited. It receives the original error.
type Fallback func(ctx context.Context, err error) (interface{}, error)

// ClassifiedError names a failure class explicitly so callers can mark
// business failures as expected without declaring a type per class.
type ClassifiedError struct {
	Class string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Class
	}
	return e.Class + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err under the given class name.
func Classify(class string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

type opts struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	monitoringPeriod time.Duration
	expectedErrors   []string
}

type Opt func(o *opts)

// WithFailureThreshold sets how many consecutive failures open the
// circuit.
func WithFailureThreshold(threshold int) Opt {
	return func(o *opts) {
		o.failureThreshold = threshold
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before a
// trial call is allowed.
func WithRecoveryTimeout(timeout time.Duration) Opt {
	return func(o *opts) {
		o.recoveryTimeout = timeout
	}
}

// WithMonitoringPeriod sets the documented reporting window. Failure
// counting itself is consecutive and resets on success.
func WithMonitoringPeriod(period time.Duration) Opt {
	return func(o *opts) {
		o.monitoringPeriod = period
	}
}

// WithExpectedErrors lists error type or class names whose failures are
// expected: they propagate but never trip the circuit.
func WithExpectedErrors(names ...string) Opt {
	return func(o *opts) {
		o.expectedErrors = append(o.expectedErrors, names...)
	}
}

// Breaker guards one named dependency with a closed/open/half-open
// machine. All methods are safe for concurrent use.
type Breaker struct {
	name             string
	logger           log.Logger
	failureThreshold int
	recoveryTimeout  time.Duration
	monitoringPeriod time.Duration
	expected         map[string]struct{}
	now              func() time.Time

	mu               sync.Mutex
	status           Status
	failureCount     int
	successCount     uint64
	totalRequests    uint64
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	halfOpenInFlight bool
}

func New(name string, logger log.Logger, options ...Opt) *Breaker {
	o := &opts{
		failureThreshold: 5,
		recoveryTimeout:  60 * time.Second,
		monitoringPeriod: 10 * time.Second,
	}
	for _, opt := range options {
		opt(o)
	}

	expected := make(map[string]struct{}, len(o.expectedErrors))
	for _, name := range o.expectedErrors {
		expected[name] = struct{}{}
	}

	return &Breaker{
		name:             name,
		logger:           logger.WithFields(log.Fields{"breaker": name}),
		failureThreshold: o.failureThreshold,
		recoveryTimeout:  o.recoveryTimeout,
		monitoringPeriod: o.monitoringPeriod,
		expected:         expected,
		now:              time.Now,
		status:           StatusClosed,
	}
}

func (b *Breaker) Name() string {
	return b.name
}

// Call runs action through the circuit. A short-circuited or failed
// call is answered by fallback when one is supplied; otherwise the
// error propagates after bookkeeping.
func (b *Breaker) Call(ctx context.Context, action Action, fallback Fallback) (interface{}, error) {
	if err := b.before(); err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}

	result, err := action(ctx)
	b.after(err)

	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}
	return result, nil
}

// before admits or short-circuits the call and moves open circuits to
// half-open once the recovery window elapsed. At most one trial call is
// in flight at a time.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.status {
	case StatusOpen:
		if b.now().Before(b.nextAttemptTime) {
			return errors.Wrapf(ErrCircuitOpen, "dependency %s", b.name)
		}
		b.status = StatusHalfOpen
		b.halfOpenInFlight = true
		b.logger.Log(log.InfoLevel, "circuit half-open, allowing a trial call")
	case StatusHalfOpen:
		if b.halfOpenInFlight {
			return errors.Wrapf(ErrCircuitOpen, "dependency %s trial in flight", b.name)
		}
		b.halfOpenInFlight = true
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.successCount++
		switch b.status {
		case StatusHalfOpen:
			b.close()
			b.logger.Log(log.InfoLevel, "trial call succeeded, circuit closed")
		case StatusClosed:
			b.failureCount = 0
			b.lastFailureTime = time.Time{}
		}
	case b.isExpected(err):
		// an expected failure is neither success nor failure; a trial
		// answered with one still proves the dependency reachable
		if b.status == StatusHalfOpen {
			b.halfOpenInFlight = false
		}
	default:
		b.lastFailureTime = b.now()
		switch b.status {
		case StatusHalfOpen:
			b.open()
			b.logger.Log(log.WarnLevel, "trial call failed, circuit re-opened")
		case StatusClosed:
			b.failureCount++
			if b.failureCount >= b.failureThreshold {
				b.open()
				b.logger.Logf(log.WarnLevel, "circuit opened after %d consecutive failures", b.failureCount)
			}
		}
	}
}

func (b *Breaker) open() {
	b.status = StatusOpen
	b.nextAttemptTime = b.now().Add(b.recoveryTimeout)
	b.halfOpenInFlight = false
}

func (b *Breaker) close() {
	b.status = StatusClosed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.halfOpenInFlight = false
}

// isExpected walks the cause chain and matches each error's concrete
// type name, short or package-qualified, or its ClassifiedError class,
// against the configured expected names.
func (b *Breaker) isExpected(err error) bool {
	if len(b.expected) == 0 {
		return false
	}

	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if classified, ok := e.(*ClassifiedError); ok {
			if _, ok := b.expected[classified.Class]; ok {
				return true
			}
		}

		name := reflect.TypeOf(e).String()
		name = strings.TrimPrefix(name, "*")
		if _, ok := b.expected[name]; ok {
			return true
		}
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			if _, ok := b.expected[name[idx+1:]]; ok {
				return true
			}
		}
	}
	return false
}

// State is an immutable snapshot of the breaker for reporting.
type State struct {
	Name            string
	Status          Status
	FailureCount    int
	SuccessCount    uint64
	TotalRequests   uint64
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return State{
		Name:            b.name,
		Status:          b.status,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalRequests:   b.totalRequests,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// Reset manually returns the breaker to its initial state, clearing
// every counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status = StatusClosed
	b.failureCount = 0
	b.successCount = 0
	b.totalRequests = 0
	b.lastFailureTime = time.Time{}
	b.nextAttemptTime = time.Time{}
	b.halfOpenInFlight = false
	b.logger.Log(log.InfoLevel, "circuit breaker reset")
}
