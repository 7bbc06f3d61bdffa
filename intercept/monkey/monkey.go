// Package monkey intercepts Go functions by patching their entry point
// with gomonkey.
//
// gomonkey needs the function's type to build a compatible double, which
// a bare code address does not carry. Callers therefore register the
// functions they may want to intercept (Register) and Attach only succeeds
// for registered addresses. Targets must not be inlined at their call
// sites: build the harness with -gcflags=all=-l or mark targets
// //go:noinline.
//
// The original is reached by restoring its entry point for the duration of
// the call. Calls made by other goroutines while it runs execute the
// original directly and are not seen by the listener, and the entry bytes
// are rewritten while those goroutines may be executing them. A call the
// original makes to itself is not seen either.
package monkey

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/sirupsen/logrus"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/intercept"
)

// UnknownSignatureError is returned by Attach for an address whose
// function type was never registered.
type UnknownSignatureError struct {
	Address uintptr
	Name    string
}

func (e *UnknownSignatureError) Error() string {
	return fmt.Sprintf("no signature registered for %s at %#x", e.Name, e.Address)
}

// Interceptor is an intercept.Interceptor for Go functions.
type Interceptor struct {
	mu      sync.Mutex
	catalog map[uintptr]reflect.Type
	hooks   map[uintptr]*hook
	log     *logrus.Entry
}

var _ intercept.Interceptor = (*Interceptor)(nil)

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the log entry used for attach and detach events.
func WithLogger(log *logrus.Entry) Option {
	return func(ic *Interceptor) { ic.log = log }
}

// New returns an Interceptor with an empty signature catalog.
func New(opts ...Option) *Interceptor {
	ic := &Interceptor{
		catalog: make(map[uintptr]reflect.Type),
		hooks:   make(map[uintptr]*hook),
		log:     logrus.WithField("component", "monkey"),
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

// Register records the type of each function value under its code address.
// Method expressions such as (*exec.Cmd).Start register the method with
// its receiver as first parameter.
func (ic *Interceptor) Register(fns ...any) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, fn := range fns {
		v := reflect.ValueOf(fn)
		if v.Kind() != reflect.Func || v.IsNil() {
			return fmt.Errorf("cannot register %T: not a non-nil function", fn)
		}
		ic.catalog[v.Pointer()] = v.Type()
	}
	return nil
}

// RegisterSignature records typ as the type of the function at addr.
func (ic *Interceptor) RegisterSignature(addr uintptr, typ reflect.Type) error {
	if typ == nil || typ.Kind() != reflect.Func {
		return fmt.Errorf("cannot register %v at %#x: not a function type", typ, addr)
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.catalog[addr] = typ
	return nil
}

// Signature returns the registered type at addr.
func (ic *Interceptor) Signature(addr uintptr) (reflect.Type, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	typ, ok := ic.catalog[addr]
	return typ, ok
}

// Attach patches the function at addr so l observes every call.
func (ic *Interceptor) Attach(addr uintptr, l intercept.Listener) (_ intercept.Hook, err error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	name := funcName(addr)
	if _, ok := ic.hooks[addr]; ok {
		return nil, fmt.Errorf("%s at %#x: %w", name, addr, intercept.ErrAlreadyAttached)
	}
	typ, ok := ic.catalog[addr]
	if !ok {
		return nil, &UnknownSignatureError{Address: addr, Name: name}
	}

	h := &hook{
		ic:       ic,
		addr:     addr,
		name:     name,
		variadic: typ.IsVariadic(),
		listener: l,
	}
	h.target = funcAt(addr, typ)
	h.double = reflect.MakeFunc(typ, h.call)

	// gomonkey reports patch failures by panicking.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to patch %s at %#x: %v", name, addr, r)
		}
	}()
	h.patches = gomonkey.NewPatches().ApplyCore(h.target, h.double)

	ic.hooks[addr] = h
	ic.log.WithFields(logrus.Fields{
		"function": name,
		"address":  fmt.Sprintf("%#x", addr),
	}).Debug("attached listener")
	return h, nil
}

// Attached reports whether a listener is attached at addr.
func (ic *Interceptor) Attached(addr uintptr) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	_, ok := ic.hooks[addr]
	return ok
}

// funcAt builds a func value of type typ that calls the code at addr.
func funcAt(addr uintptr, typ reflect.Type) reflect.Value {
	code := new(uintptr)
	*code = addr
	closure := unsafe.Pointer(code)
	fn := reflect.NewAt(typ, unsafe.Pointer(&closure)).Elem().Interface()
	return reflect.ValueOf(fn)
}

func funcName(addr uintptr) string {
	if f := runtime.FuncForPC(addr); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("func@%#x", addr)
}

type hook struct {
	ic       *Interceptor
	addr     uintptr
	name     string
	variadic bool
	listener intercept.Listener
	target   reflect.Value
	double   reflect.Value

	// mu serializes calls to the original, during which the patch is
	// lifted and concurrent calls bypass the listener.
	mu       sync.Mutex
	patches  *gomonkey.Patches
	detached bool
}

func (h *hook) call(in []reflect.Value) []reflect.Value {
	inv := &intercept.Words{Args: FlattenAll(in)}
	h.listener.OnEnter(inv)
	out := h.callOriginal(in)
	inv.Ret = returnWord(out)
	h.listener.OnLeave(inv)
	return out
}

func (h *hook) callOriginal(in []reflect.Value) []reflect.Value {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		return h.invoke(in)
	}
	// Reset forgets the saved bytes, so re-applying through the same
	// Patches saves them afresh. Patches.Origin does the same swap but
	// leaves the entry unpatched if the original panics.
	h.patches.Reset()
	defer h.patches.ApplyCore(h.target, h.double)
	return h.invoke(in)
}

func (h *hook) invoke(in []reflect.Value) []reflect.Value {
	if h.variadic {
		return h.target.CallSlice(in)
	}
	return h.target.Call(in)
}

func (h *hook) Detach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.detached {
		return
	}
	h.patches.Reset()
	h.detached = true

	h.ic.mu.Lock()
	delete(h.ic.hooks, h.addr)
	h.ic.mu.Unlock()
	h.ic.log.WithField("function", h.name).Debug("detached listener")
}
