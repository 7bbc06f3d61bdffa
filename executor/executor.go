// Package executor runs a harness over a list of inputs with the lifecycle
// a fuzzer gives its helpers: Init once, then PreExec, the harness and
// PostExec for every input. A panic in the harness aborts the process the
// way a fuzzer's in-process executor records a crash.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/crash"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/guard"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/intercept"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
)

// Helper observes the iteration lifecycle.
type Helper interface {
	Init(ctx context.Context) error
	PreExec(input []byte)
	PostExec(input []byte)
}

// Harness is the function under test.
type Harness func(input []byte)

// Executor drives a Harness.
type Executor struct {
	harness Harness
	helpers []Helper
	log     *logrus.Entry

	once    sync.Once
	initErr error
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the log entry for iteration events.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Executor) { e.log = log }
}

// WithHelpers appends helpers, called in order.
func WithHelpers(helpers ...Helper) Option {
	return func(e *Executor) { e.helpers = append(e.helpers, helpers...) }
}

// New returns an Executor for h.
func New(h Harness, opts ...Option) *Executor {
	e := &Executor{
		harness: h,
		log:     logrus.WithField("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init initializes every helper. Only the first call does any work; later
// calls return its result.
func (e *Executor) Init(ctx context.Context) error {
	e.once.Do(func() {
		for i, h := range e.helpers {
			if err := h.Init(ctx); err != nil {
				e.initErr = fmt.Errorf("helper %d (%T) failed to initialize: %w", i, h, err)
				return
			}
		}
		e.log.WithField("helpers", len(e.helpers)).Debug("helpers initialized")
	})
	return e.initErr
}

// RunOne runs a single iteration.
func (e *Executor) RunOne(ctx context.Context, input []byte) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	for _, h := range e.helpers {
		h.PreExec(input)
	}
	crash.Guard(func() { e.harness(input) })
	for _, h := range e.helpers {
		h.PostExec(input)
	}
	return nil
}

// Run runs one iteration per input, stopping early if ctx is done.
func (e *Executor) Run(ctx context.Context, inputs [][]byte) error {
	for i, input := range inputs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped before input %d: %w", i, err)
		}
		if err := e.RunOne(ctx, input); err != nil {
			return err
		}
	}
	e.log.WithField("inputs", len(inputs)).Debug("run complete")
	return nil
}

// RuntimeHelper binds a policy runtime to the interceptor and module map it
// initializes against.
type RuntimeHelper struct {
	Runtime     *guard.Runtime
	Interceptor intercept.Interceptor
	Modules     symbols.ModuleMap
}

func (h RuntimeHelper) Init(ctx context.Context) error {
	return h.Runtime.Init(ctx, h.Interceptor, h.Modules)
}

func (h RuntimeHelper) PreExec(input []byte)  { h.Runtime.PreExec(input) }
func (h RuntimeHelper) PostExec(input []byte) { h.Runtime.PostExec(input) }
