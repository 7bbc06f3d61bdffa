package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/crash"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/intercept"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/policy"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
)

// =============================================================================
// POLICY RUNTIME TEST SUITE
// =============================================================================
//
// The interceptor is mocked: tests fire listener callbacks by hand, in the
// order a real harness call would produce them.
// =============================================================================

const (
	harnessAddr  = 0x1000
	openFileAddr = 0x2000
	wait4Addr    = 0x3000
)

// -----------------------------------------------------------------------------
// Mock Interceptor Implementation
// -----------------------------------------------------------------------------

// MockInterceptor records listeners by address.
type MockInterceptor struct {
	AttachFunc  func(addr uintptr, l intercept.Listener) error
	Listeners   map[uintptr]intercept.Listener
	Hooks       []*MockHook
	AttachCount int

	// inFlight holds the invocation of each unreturned call per address.
	inFlight map[uintptr][]*intercept.Words
}

func NewMockInterceptor() *MockInterceptor {
	return &MockInterceptor{
		Listeners: make(map[uintptr]intercept.Listener),
		inFlight:  make(map[uintptr][]*intercept.Words),
	}
}

func (m *MockInterceptor) Attach(addr uintptr, l intercept.Listener) (intercept.Hook, error) {
	if m.AttachFunc != nil {
		if err := m.AttachFunc(addr, l); err != nil {
			return nil, err
		}
	}
	if _, ok := m.Listeners[addr]; ok {
		return nil, intercept.ErrAlreadyAttached
	}
	m.AttachCount++
	m.Listeners[addr] = l
	h := &MockHook{addr: addr, owner: m}
	m.Hooks = append(m.Hooks, h)
	return h, nil
}

// MockHook removes its listener on Detach.
type MockHook struct {
	addr     uintptr
	owner    *MockInterceptor
	Detached bool
}

func (h *MockHook) Detach() {
	h.Detached = true
	delete(h.owner.Listeners, h.addr)
}

// enter and leave fire the listener at addr, if any. leave returns from the
// most recent unreturned call at addr, reusing its invocation.
func (m *MockInterceptor) enter(addr uintptr, args ...uintptr) *intercept.Words {
	inv := &intercept.Words{Args: args}
	m.inFlight[addr] = append(m.inFlight[addr], inv)
	if l, ok := m.Listeners[addr]; ok {
		l.OnEnter(inv)
	}
	return inv
}

func (m *MockInterceptor) leave(addr uintptr, ret uintptr) {
	inv := &intercept.Words{}
	if calls := m.inFlight[addr]; len(calls) > 0 {
		inv = calls[len(calls)-1]
		m.inFlight[addr] = calls[:len(calls)-1]
	}
	m.leaveCall(addr, inv, ret)
}

// leaveCall returns from the call made with inv.
func (m *MockInterceptor) leaveCall(addr uintptr, inv *intercept.Words, ret uintptr) {
	for i, c := range m.inFlight[addr] {
		if c == inv {
			m.inFlight[addr] = append(m.inFlight[addr][:i], m.inFlight[addr][i+1:]...)
			break
		}
	}
	inv.Ret = ret
	if l, ok := m.Listeners[addr]; ok {
		l.OnLeave(inv)
	}
}

func moduleMap() symbols.StaticMap {
	return symbols.StaticMap{
		&symbols.StaticModule{
			ModulePath: "/opt/fuzz/harness",
			SymbolList: []symbols.Symbol{
				{Name: "main.harness", Address: harnessAddr},
				{Name: "os.OpenFile", Address: openFileAddr},
				{Name: "syscall.Wait4", Address: wait4Addr},
				{Name: "main.lookup[go.shape.int]", Address: 0x4000},
				{Name: "main.lookup[go.shape.string]", Address: 0x5000},
			},
		},
		&symbols.StaticModule{
			ModulePath: "/usr/lib/libc.so.6",
			ExportList: []symbols.Export{{Name: "open", Address: 0x7000}},
		},
	}
}

func newRuntime(t *testing.T, fp policy.FuzzPolicy) (*Runtime, *MockInterceptor) {
	t.Helper()
	rt := New(fp, harnessAddr)
	mi := NewMockInterceptor()
	require.NoError(t, rt.Init(context.Background(), mi, moduleMap()))
	t.Cleanup(rt.Close)
	return rt, mi
}

func counting(c *policy.Counter) policy.FuzzPolicy {
	return policy.FuzzPolicy{policy.NewFunctionPolicy(
		"os.OpenFile", "harness", policy.OnEntry(c), 4, "count opens", true,
	)}
}

// -----------------------------------------------------------------------------
// TEST: Scope gate
// -----------------------------------------------------------------------------
//
// Calls made while the harness is not on the stack are never evaluated.
// -----------------------------------------------------------------------------

func TestScopeGate(t *testing.T) {
	c := &policy.Counter{}
	rt, mi := newRuntime(t, counting(c))

	mi.enter(openFileAddr, 1, 2, 3, 4)
	assert.Zero(t, c.Entries(), "switch off before harness entry")

	mi.enter(harnessAddr)
	assert.Equal(t, Active, rt.State())
	mi.enter(openFileAddr, 1, 2, 3, 4)
	mi.leave(openFileAddr, 0)
	mi.leave(harnessAddr, 0)
	assert.Equal(t, int64(1), c.Entries())
	assert.Equal(t, Initialized, rt.State())

	mi.enter(openFileAddr, 1, 2, 3, 4)
	assert.Equal(t, int64(1), c.Entries(), "switch off after harness leave")
}

// -----------------------------------------------------------------------------
// TEST: Lifecycle
// -----------------------------------------------------------------------------

func TestInit_Idempotent(t *testing.T) {
	rt := New(policy.Concat(counting(&policy.Counter{}), policy.WaitFailure("harness")), harnessAddr)
	t.Cleanup(rt.Close)
	mi := NewMockInterceptor()

	before := crash.Installed()
	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Init(context.Background(), mi, moduleMap()))
	}
	assert.Equal(t, 3, mi.AttachCount, "harness plus two functions, once")
	assert.Equal(t, before+1, crash.Installed(), "one crash hook")
	assert.Equal(t, Initialized, rt.State())
	assert.Len(t, rt.Resolved(), 2)
}

func TestPostExec_ClearsSwitch(t *testing.T) {
	testCases := []struct {
		name  string
		enter bool
	}{
		{"after_harness_entry_without_leave", true},
		{"never_armed", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt, mi := newRuntime(t, counting(&policy.Counter{}))
			if tc.enter {
				mi.enter(harnessAddr)
				require.True(t, rt.Switch().IsActive())
			}
			rt.PreExec(nil)
			rt.PostExec(nil)
			assert.False(t, rt.Switch().IsActive())
			assert.Equal(t, Initialized, rt.State())
		})
	}
}

func TestClose_DetachesAndUninstalls(t *testing.T) {
	before := crash.Installed()
	rt := New(counting(&policy.Counter{}), harnessAddr)
	mi := NewMockInterceptor()
	require.NoError(t, rt.Init(context.Background(), mi, moduleMap()))
	assert.Equal(t, before+1, crash.Installed())

	rt.Close()
	assert.Equal(t, before, crash.Installed())
	assert.Empty(t, mi.Listeners)
	for _, h := range mi.Hooks {
		assert.True(t, h.Detached)
	}
	assert.Equal(t, Disarmed, rt.State())
}

// -----------------------------------------------------------------------------
// TEST: Storage continuity
// -----------------------------------------------------------------------------

func TestStorageContinuity(t *testing.T) {
	const marker = 0xDEADBEEF
	var seen []uintptr
	rule := policy.OnEntryAndExit(
		policy.EntryStorageFunc(func(_ policy.Parameters, s *policy.Storage) (policy.Verdict, error) {
			s.Store(marker)
			return policy.Respected, nil
		}),
		policy.ExitStorageFunc(func(_ uintptr, s *policy.Storage) (policy.Verdict, error) {
			v, err := s.MustLoad()
			if err != nil {
				return policy.Respected, err
			}
			seen = append(seen, v)
			if v != marker {
				return policy.Violated, nil
			}
			return policy.Respected, nil
		}),
	)
	fp := policy.FuzzPolicy{policy.NewFunctionPolicy("syscall.Wait4", "harness", rule, 4, "storage round trip", true)}
	_, mi := newRuntime(t, fp)

	mi.enter(harnessAddr)
	for i := 0; i < 2; i++ {
		assert.NotPanics(t, func() {
			mi.enter(wait4Addr, 0, 0, 0, 0)
			mi.leave(wait4Addr, 0)
		})
	}
	mi.leave(harnessAddr, 0)
	assert.Equal(t, []uintptr{marker, marker}, seen)
}

// echoRule stores the first argument at entry and requires the call to
// return it.
func echoRule() policy.Rule {
	return policy.OnEntryAndExit(
		policy.EntryStorageFunc(func(p policy.Parameters, s *policy.Storage) (policy.Verdict, error) {
			v, err := p.At(0)
			s.Store(v)
			return policy.Respected, err
		}),
		policy.ExitStorageFunc(func(ret uintptr, s *policy.Storage) (policy.Verdict, error) {
			v, err := s.MustLoad()
			if err != nil || v != ret {
				return policy.Violated, err
			}
			return policy.Respected, nil
		}),
	)
}

func TestStorageContinuity_OverlappingCalls(t *testing.T) {
	fp := policy.FuzzPolicy{policy.NewFunctionPolicy("os.OpenFile", "harness", echoRule(), 1, "echo", true)}
	_, mi := newRuntime(t, fp)
	mi.enter(harnessAddr)

	first := mi.enter(openFileAddr, 0xA)
	second := mi.enter(openFileAddr, 0xB)
	assert.NotPanics(t, func() { mi.leaveCall(openFileAddr, first, 0xA) })
	assert.NotPanics(t, func() { mi.leaveCall(openFileAddr, second, 0xB) })

	_, ok := fp[0].Rule.Storage().Load()
	assert.False(t, ok, "per-call slots leave the rule's own slot alone")
}

func TestStorageContinuity_EntryOutsideHarnessSkipsExit(t *testing.T) {
	fp := policy.FuzzPolicy{policy.NewFunctionPolicy("os.OpenFile", "harness", echoRule(), 1, "echo", true)}
	rt, mi := newRuntime(t, fp)

	call := mi.enter(openFileAddr, 0xA)
	mi.enter(harnessAddr)
	assert.NotPanics(t, func() { mi.leaveCall(openFileAddr, call, 0xB) })
	mi.leave(harnessAddr, 0)

	mi.enter(harnessAddr)
	mi.enter(openFileAddr, 0xC)
	rt.PostExec(nil)
	l := rt.listeners[0]
	l.mu.Lock()
	assert.Empty(t, l.calls, "unreturned calls are forgotten after the iteration")
	l.mu.Unlock()
}

func TestNew_ClearsStorage(t *testing.T) {
	fp := policy.WaitFailure("harness")
	fp[0].Rule.Storage().Store(42)

	New(fp, harnessAddr)
	_, ok := fp[0].Rule.Storage().Load()
	assert.False(t, ok)
}

// -----------------------------------------------------------------------------
// TEST: Violations
// -----------------------------------------------------------------------------

func TestViolation_Panics(t *testing.T) {
	rt, mi := newRuntime(t, policy.BlockFileOpen("harness"))
	mi.enter(harnessAddr)

	var v *policy.Violation
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			var ok bool
			v, ok = r.(*policy.Violation)
			require.True(t, ok, "panic value %T", r)
		}()
		mi.enter(openFileAddr, 10, 20, 0, 0o644)
	}()

	assert.Equal(t, "Policy was broken at function [os.OpenFile]\n"+
		"Description: Access to files is denied\n"+
		"Rule: OnEntry\n"+
		"Context: EntryContext([10, 20, 0, 420])", v.Error())
	assert.Equal(t, Disarmed, rt.State())
	assert.False(t, rt.Switch().IsActive())

	// Disarmed is terminal.
	mi.enter(harnessAddr)
	assert.NotPanics(t, func() { mi.enter(openFileAddr, 10, 20, 0, 0o644) })
}

func TestViolation_PredicateError(t *testing.T) {
	fp := policy.FuzzPolicy{policy.NewFunctionPolicy(
		"os.OpenFile", "harness", policy.OnEntry(policy.FlagMask{Param: 2, Mask: 3}), 2,
		"flag read past declared arity", true,
	)}
	_, mi := newRuntime(t, fp)
	mi.enter(harnessAddr)

	defer func() {
		v, ok := recover().(*policy.Violation)
		require.True(t, ok)
		assert.True(t, policy.IsKind(v.Err, policy.ParameterCountMismatch), "%v", v.Err)
		assert.Contains(t, v.Error(), "Context: EntryContext([1, 2])")
	}()
	mi.enter(openFileAddr, 1, 2, 3, 4)
	t.Fatal("expected a panic")
}

func TestViolation_ExitRule(t *testing.T) {
	fp := policy.FuzzPolicy{policy.NewFunctionPolicy(
		"os.OpenFile", "harness", policy.OnExit(policy.ChildExitFailure{Shape: policy.ShapeErrorValue}), 4,
		"open failed", true,
	)}
	_, mi := newRuntime(t, fp)
	mi.enter(harnessAddr)

	assert.NotPanics(t, func() { mi.leave(openFileAddr, 0) })
	assert.Panics(t, func() { mi.leave(openFileAddr, 0xc0ffee) })
}

func TestCrashHook_Disarms(t *testing.T) {
	rt, mi := newRuntime(t, counting(&policy.Counter{}))
	mi.enter(harnessAddr)
	require.True(t, rt.Switch().IsActive())

	crash.Fire("harness bug")
	assert.False(t, rt.Switch().IsActive())
	assert.Equal(t, Disarmed, rt.State())
}

func TestCrashHook_ChainsAcrossRuntimes(t *testing.T) {
	rt1, mi1 := newRuntime(t, counting(&policy.Counter{}))
	rt2, mi2 := newRuntime(t, counting(&policy.Counter{}))
	mi1.enter(harnessAddr)
	mi2.enter(harnessAddr)

	crash.Fire("boom")
	assert.False(t, rt1.Switch().IsActive())
	assert.False(t, rt2.Switch().IsActive())
}

// -----------------------------------------------------------------------------
// TEST: Resolution
// -----------------------------------------------------------------------------

func TestInit_MissingSymbolIsInactive(t *testing.T) {
	fp := policy.Concat(policy.LibcBlockFiles("foo.txt"), counting(&policy.Counter{}))
	fp[0].Name = "open64"
	rt, mi := newRuntime(t, fp)

	require.Len(t, rt.Resolved(), 1)
	assert.Equal(t, "harness!os.OpenFile", rt.Resolved()[0].DisplayName)
	assert.Equal(t, 2, mi.AttachCount)
}

func TestInit_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		fp      policy.FuzzPolicy
		harness uintptr
		stage   Stage
		target  any
	}{
		{
			name:    "ambiguous_generic",
			fp:      policy.FuzzPolicy{policy.NewFunctionPolicy("main.lookup", "harness", policy.OnEntry(policy.BlockAlways{}), 1, "d", true)},
			harness: harnessAddr,
			stage:   StageResolve,
			target:  new(*symbols.AmbiguousSymbolError),
		},
		{
			name:    "library_not_loaded",
			fp:      policy.FuzzPolicy{policy.NewFunctionPolicy("open", "libwebkit", policy.OnEntry(policy.BlockAlways{}), 1, "d", false)},
			harness: harnessAddr,
			stage:   StageResolve,
			target:  new(*symbols.LibraryNotFoundError),
		},
		{
			name:    "null_harness",
			fp:      counting(&policy.Counter{}),
			harness: 0,
			stage:   StageValidate,
		},
		{
			name:    "invalid_rule",
			fp:      policy.FuzzPolicy{policy.NewFunctionPolicy("open", "libc", policy.Rule{}, 1, "d", false)},
			harness: harnessAddr,
			stage:   StageValidate,
		},
		{
			name:    "policy_on_harness",
			fp:      policy.FuzzPolicy{policy.NewFunctionPolicy("main.harness", "harness", policy.OnEntry(policy.BlockAlways{}), 0, "d", true)},
			harness: harnessAddr,
			stage:   StageResolve,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt := New(tc.fp, tc.harness)
			mi := NewMockInterceptor()
			before := crash.Installed()

			err := rt.Init(context.Background(), mi, moduleMap())
			var initErr *InitError
			require.True(t, errors.As(err, &initErr), "got %v", err)
			assert.Equal(t, tc.stage, initErr.Stage)
			if tc.target != nil {
				assert.True(t, errors.As(err, tc.target), "cause %v", initErr.Cause)
			}
			assert.Equal(t, Fresh, rt.State())
			assert.Zero(t, mi.AttachCount)
			assert.Equal(t, before, crash.Installed())
		})
	}
}

func TestInit_AttachFailureDetaches(t *testing.T) {
	rt := New(policy.Concat(counting(&policy.Counter{}), policy.WaitFailure("harness")), harnessAddr)
	mi := NewMockInterceptor()
	mi.AttachFunc = func(addr uintptr, _ intercept.Listener) error {
		if addr == wait4Addr {
			return errors.New("cannot patch")
		}
		return nil
	}

	err := rt.Init(context.Background(), mi, moduleMap())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, StageAttach, initErr.Stage)
	assert.Equal(t, "syscall.Wait4", initErr.Function)

	assert.Equal(t, 2, mi.AttachCount)
	assert.Empty(t, mi.Listeners)
	assert.Equal(t, Fresh, rt.State())
}

func TestInit_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(counting(&policy.Counter{}), harnessAddr).Init(ctx, NewMockInterceptor(), moduleMap())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInit_DuplicatePoliciesShareListener(t *testing.T) {
	c1, c2 := &policy.Counter{}, &policy.Counter{}
	rt, mi := newRuntime(t, policy.Concat(counting(c1), counting(c2)))

	assert.Len(t, rt.Resolved(), 2)
	assert.Equal(t, 2, mi.AttachCount, "one listener per address")

	mi.enter(harnessAddr)
	mi.enter(openFileAddr, 0, 0, 0, 0)
	assert.Equal(t, int64(1), c1.Entries())
	assert.Equal(t, int64(1), c2.Entries())
}

func TestResolution_StableAcrossClones(t *testing.T) {
	p := policy.Concat(policy.BlockFiles("harness", "foo.txt"), policy.WaitFailure("harness"))
	rt1, _ := newRuntime(t, p.Clone())
	rt2, _ := newRuntime(t, p.Clone())

	addrs := func(rs []Record) []uintptr {
		var out []uintptr
		for _, r := range rs {
			out = append(out, r.Address)
		}
		return out
	}
	assert.Equal(t, addrs(rt1.Resolved()), addrs(rt2.Resolved()))
	assert.Equal(t, []uintptr{openFileAddr, wait4Addr}, addrs(rt1.Resolved()))
}

func TestEntryContext_ReadsAvailableSlots(t *testing.T) {
	inv := &intercept.Words{Args: []uintptr{1, 2, 3}}
	assert.Equal(t, policy.EntryContext([]uintptr{1, 2}), entryContext(inv, 2))
	assert.Equal(t, policy.EntryContext([]uintptr{1, 2, 3}), entryContext(inv, 5))
	assert.Equal(t, policy.ExitContext(0), exitContext(inv))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fresh", Fresh.String())
	assert.Equal(t, "disarmed", Disarmed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
