// Package guard is the policy runtime a fuzzer drives through its
// init, pre-exec and post-exec lifecycle.
//
// Init resolves every function policy to a code address, attaches one
// listener per address and one on the harness. The harness listener flips
// a shared scope.Switch so function listeners only evaluate policies while
// the harness is on the call stack. A violated policy, or a predicate that
// fails, panics with a *policy.Violation; the crash hook installed by Init
// disarms the switch before the process aborts.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/crash"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/intercept"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/policy"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/scope"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	Fresh State = iota
	Initialized
	Active
	Disarmed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Initialized:
		return "initialized"
	case Active:
		return "active"
	case Disarmed:
		return "disarmed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Record is a function policy bound to its resolved address.
type Record struct {
	DisplayName string
	Policy      *policy.FunctionPolicy
	Address     uintptr
}

// Runtime enforces a FuzzPolicy on one harness.
type Runtime struct {
	policy  policy.FuzzPolicy
	harness uintptr
	sw      *scope.Switch
	log     *logrus.Entry
	state   atomic.Int32

	mu        sync.Mutex
	records   []Record
	hooks     []intercept.Hook
	listeners []*functionListener
	uninstall func()
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the log entry for lifecycle and resolution events.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Runtime) { r.log = log }
}

// WithSwitch shares sw instead of a private switch.
func WithSwitch(sw *scope.Switch) Option {
	return func(r *Runtime) { r.sw = sw }
}

// New builds a runtime for fp and the harness at address harness. Rule
// storage in fp is cleared.
func New(fp policy.FuzzPolicy, harness uintptr, opts ...Option) *Runtime {
	r := &Runtime{
		policy:  fp,
		harness: harness,
		sw:      scope.New(),
		log:     logrus.WithField("component", "guard"),
	}
	for _, opt := range opts {
		opt(r)
	}
	fp.Reset()
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Switch returns the harness-scope switch.
func (r *Runtime) Switch() *scope.Switch { return r.sw }

// Resolved returns the records created by Init.
func (r *Runtime) Resolved() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// target groups the policies bound to one address.
type target struct {
	addr     uintptr
	name     string
	policies []*policy.FunctionPolicy
}

// Init resolves the policy, attaches the listeners and installs the crash
// hook. A second call is a no-op.
func (r *Runtime) Init(ctx context.Context, ic intercept.Interceptor, mm symbols.ModuleMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != Fresh {
		r.log.Debug("runtime already initialized")
		return nil
	}
	if r.harness == 0 {
		return &InitError{Stage: StageValidate, Cause: errors.New("harness address is null")}
	}
	if err := r.policy.Validate(); err != nil {
		return &InitError{Stage: StageValidate, Cause: err}
	}

	records, targets, err := r.resolve(ctx, mm)
	if err != nil {
		return err
	}

	hooks, listeners, err := r.attach(ic, targets)
	if err != nil {
		return err
	}

	r.records = records
	r.hooks = hooks
	r.listeners = listeners
	r.uninstall = crash.Chain(func(any) { r.disarm() })
	r.state.Store(int32(Initialized))
	r.log.WithFields(logrus.Fields{
		"policies":  len(r.policy),
		"resolved":  len(records),
		"listeners": len(hooks),
	}).Info("policy runtime initialized")
	return nil
}

func (r *Runtime) resolve(ctx context.Context, mm symbols.ModuleMap) ([]Record, []*target, error) {
	res := symbols.NewResolver(mm, r.log)
	var (
		records []Record
		targets []*target
		byAddr  = make(map[uintptr]*target)
	)
	for i := range r.policy {
		if err := ctx.Err(); err != nil {
			return nil, nil, &InitError{Stage: StageResolve, Cause: err}
		}
		fp := &r.policy[i]
		addr, err := res.Resolve(fp)
		if errors.Is(err, symbols.ErrNotPresent) {
			r.log.WithFields(logrus.Fields{
				"function": fp.Name,
				"library":  fp.Library,
			}).Info("function not present, policy inactive")
			continue
		}
		if err != nil {
			return nil, nil, &InitError{Stage: StageResolve, Function: fp.Name, Cause: err}
		}
		if addr == r.harness {
			return nil, nil, &InitError{Stage: StageResolve, Function: fp.Name,
				Cause: fmt.Errorf("resolves to the harness address %#x", addr)}
		}

		records = append(records, Record{DisplayName: displayName(fp), Policy: fp, Address: addr})
		t, ok := byAddr[addr]
		if !ok {
			t = &target{addr: addr, name: fp.Name}
			byAddr[addr] = t
			targets = append(targets, t)
		}
		t.policies = append(t.policies, fp)
	}
	return records, targets, nil
}

// attach hooks the harness first, then every target. On failure everything
// attached so far is detached again.
func (r *Runtime) attach(ic intercept.Interceptor, targets []*target) (hooks []intercept.Hook, listeners []*functionListener, err error) {
	defer func() {
		if err != nil {
			for _, h := range hooks {
				h.Detach()
			}
			hooks, listeners = nil, nil
		}
	}()

	h, err := ic.Attach(r.harness, harnessListener{r})
	if err != nil {
		return hooks, nil, &InitError{Stage: StageAttach, Function: "harness", Cause: err}
	}
	hooks = append(hooks, h)

	for _, t := range targets {
		l := newFunctionListener(r, t)
		h, err := ic.Attach(t.addr, l)
		if err != nil {
			return hooks, listeners, &InitError{Stage: StageAttach, Function: t.name, Cause: err}
		}
		hooks = append(hooks, h)
		listeners = append(listeners, l)
		r.log.WithFields(logrus.Fields{
			"function": t.name,
			"address":  fmt.Sprintf("%#x", t.addr),
			"policies": len(t.policies),
		}).Debug("attached function listener")
	}
	return hooks, listeners, nil
}

func displayName(fp *policy.FunctionPolicy) string {
	if fp.Library == "" {
		return fp.Name
	}
	return fp.Library + "!" + fp.Name
}

// PreExec is called before each iteration. It does nothing.
func (r *Runtime) PreExec([]byte) {}

// PostExec is called after each iteration and clears the switch however
// the harness returned.
func (r *Runtime) PostExec([]byte) {
	r.sw.Deactivate()
	r.state.CompareAndSwap(int32(Active), int32(Initialized))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		l.forget()
	}
}

// Close detaches every listener and uninstalls the crash hook. The runtime
// ends Disarmed.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.hooks {
		h.Detach()
	}
	r.hooks = nil
	r.listeners = nil
	if r.uninstall != nil {
		r.uninstall()
		r.uninstall = nil
	}
	r.disarm()
}

func (r *Runtime) disarm() {
	r.state.Store(int32(Disarmed))
	r.sw.Deactivate()
}

// enter moves Initialized to Active. A disarmed runtime stays disarmed.
func (r *Runtime) enter() {
	if r.state.CompareAndSwap(int32(Initialized), int32(Active)) || r.State() == Active {
		r.sw.Activate()
	}
}

func (r *Runtime) leave() {
	r.sw.Deactivate()
	r.state.CompareAndSwap(int32(Active), int32(Initialized))
}

// evaluate panics unless fp is respected in ctx. storage is the per-call
// slot of a storing rule.
func (r *Runtime) evaluate(fp *policy.FunctionPolicy, ctx policy.Context, storage *policy.Storage) {
	verdict, err := fp.EvaluateWith(ctx, storage)
	if err == nil && verdict == policy.Respected {
		return
	}
	v := policy.NewViolation(fp, ctx, err)
	r.disarm()
	log := r.log.WithFields(logrus.Fields{
		"function": fp.Name,
		"rule":     fp.Rule.String(),
		"context":  ctx.String(),
	})
	if err != nil {
		log = log.WithError(err)
	}
	log.Error("policy violated")
	panic(v)
}

// armed reports whether policies are evaluated right now. The switch lock
// is released before the caller evaluates anything.
func (r *Runtime) armed() bool {
	return r.State() != Disarmed && r.sw.IsActive()
}

type harnessListener struct{ rt *Runtime }

func (l harnessListener) OnEnter(intercept.Invocation) { l.rt.enter() }
func (l harnessListener) OnLeave(intercept.Invocation) { l.rt.leave() }

// functionListener evaluates the policies bound to one address. Storing
// rules get a fresh slot per call, keyed by the Invocation the interceptor
// hands to both OnEnter and OnLeave, so concurrent calls cannot overwrite
// each other's entry value.
type functionListener struct {
	rt      *Runtime
	target  *target
	storing bool

	mu    sync.Mutex
	calls map[intercept.Invocation][]policy.Storage
}

func newFunctionListener(rt *Runtime, t *target) *functionListener {
	l := &functionListener{rt: rt, target: t, calls: make(map[intercept.Invocation][]policy.Storage)}
	for _, fp := range t.policies {
		if fp.Rule.Kind() == policy.RuleOnEntryAndExit {
			l.storing = true
		}
	}
	return l
}

func (l *functionListener) OnEnter(inv intercept.Invocation) {
	if !l.rt.armed() {
		return
	}
	var slots []policy.Storage
	if l.storing {
		slots = make([]policy.Storage, len(l.target.policies))
		l.mu.Lock()
		l.calls[inv] = slots
		l.mu.Unlock()
	}
	for i, fp := range l.target.policies {
		var storage *policy.Storage
		if slots != nil {
			storage = &slots[i]
		}
		l.rt.evaluate(fp, entryContext(inv, fp.NbParameters), storage)
	}
}

func (l *functionListener) OnLeave(inv intercept.Invocation) {
	var slots []policy.Storage
	if l.storing {
		l.mu.Lock()
		slots = l.calls[inv]
		delete(l.calls, inv)
		l.mu.Unlock()
	}
	if !l.rt.armed() {
		return
	}
	for i, fp := range l.target.policies {
		if fp.Rule.Kind() != policy.RuleOnEntryAndExit {
			l.rt.evaluate(fp, exitContext(inv), nil)
			continue
		}
		// The entry half of this call ran outside the harness.
		if slots == nil {
			continue
		}
		l.rt.evaluate(fp, exitContext(inv), &slots[i])
	}
}

// forget drops the slots of calls that never returned.
func (l *functionListener) forget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.calls)
}

// entryContext reads the first n argument slots, or fewer when the call
// has fewer.
func entryContext(inv intercept.Invocation, n int) policy.Context {
	if avail := inv.NumArgs(); n > avail {
		n = avail
	}
	params := make([]uintptr, n)
	for i := range params {
		params[i] = inv.Arg(i)
	}
	return policy.EntryContext(params)
}

func exitContext(inv intercept.Invocation) policy.Context {
	return policy.ExitContext(inv.Return())
}
