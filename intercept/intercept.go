// Package intercept is the seam between the policy runtime and the
// mechanism that hooks function entry and exit.
package intercept

import "errors"

// ErrAlreadyAttached is returned when a listener is already attached at an
// address.
var ErrAlreadyAttached = errors.New("a listener is already attached at this address")

// Invocation is the raw view of one call seen by a Listener. Arguments and
// the return value are machine words. OnEnter and OnLeave of the same call
// receive the same Invocation, which must be comparable.
type Invocation interface {
	// Arg returns argument slot i, or zero past NumArgs.
	Arg(i int) uintptr
	// NumArgs is the number of argument slots available.
	NumArgs() int
	// Return is the return slot. Only meaningful in OnLeave.
	Return() uintptr
}

// Listener is called on entry to and exit from an intercepted function.
type Listener interface {
	OnEnter(inv Invocation)
	OnLeave(inv Invocation)
}

// Hook is one attached listener.
type Hook interface {
	// Detach removes the listener. Calling it twice is a no-op.
	Detach()
}

// Interceptor attaches listeners to function code addresses.
type Interceptor interface {
	Attach(addr uintptr, l Listener) (Hook, error)
}

// Words is an Invocation over fixed slots.
type Words struct {
	Args []uintptr
	Ret  uintptr
}

func (w *Words) Arg(i int) uintptr {
	if i < 0 || i >= len(w.Args) {
		return 0
	}
	return w.Args[i]
}

func (w *Words) NumArgs() int   { return len(w.Args) }
func (w *Words) Return() uintptr { return w.Ret }

// ListenerFuncs adapts a pair of functions to a Listener. Either may be nil.
type ListenerFuncs struct {
	Enter func(Invocation)
	Leave func(Invocation)
}

func (l ListenerFuncs) OnEnter(inv Invocation) {
	if l.Enter != nil {
		l.Enter(inv)
	}
}

func (l ListenerFuncs) OnLeave(inv Invocation) {
	if l.Leave != nil {
		l.Leave(inv)
	}
}
