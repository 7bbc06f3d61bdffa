// Package crash turns panics raised during a fuzz iteration into a process
// abort the enclosing fuzzer records as a finding, after giving registered
// hooks a chance to run.
package crash

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
)

// Hook is called with the panic value before the process aborts.
type Hook func(v any)

type entry struct {
	id   uint64
	hook Hook
}

var (
	mu     sync.Mutex
	hooks  []entry
	nextID uint64

	// Replaced in tests.
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// Chain installs hook in front of every hook installed before it. On a
// crash the newest hook runs first and then delegates to the older ones.
// The returned function uninstalls hook and leaves the rest of the chain
// intact.
func Chain(hook Hook) (uninstall func()) {
	mu.Lock()
	defer mu.Unlock()
	nextID++
	id := nextID
	hooks = append(hooks, entry{id: id, hook: hook})
	return func() {
		mu.Lock()
		defer mu.Unlock()
		for i, e := range hooks {
			if e.id == id {
				hooks = append(hooks[:i:i], hooks[i+1:]...)
				return
			}
		}
	}
}

// Installed returns the number of hooks in the chain.
func Installed() int {
	mu.Lock()
	defer mu.Unlock()
	return len(hooks)
}

// Fire runs the chain, newest hook first. A hook that panics does not stop
// the hooks behind it.
func Fire(v any) {
	mu.Lock()
	chain := make([]entry, len(hooks))
	copy(chain, hooks)
	mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		runHook(chain[i].hook, v)
	}
}

func runHook(h Hook, v any) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "crash hook panicked: %v\n", r)
		}
	}()
	h(v)
}

// Abort fires the hooks, reports v on stderr and exits with AbortCode.
func Abort(v any) {
	Fire(v)
	fmt.Fprintf(stderr, "panic: %v\n\n%s", v, debug.Stack())
	exit(AbortCode)
}

// Recover is meant to be deferred directly around harness code. A panic
// aborts the process; a normal return does nothing.
func Recover() {
	if r := recover(); r != nil {
		Abort(r)
	}
}

// Guard runs fn under Recover.
func Guard(fn func()) {
	defer Recover()
	fn()
}
