package policy

import (
	"fmt"
	"strings"
)

// Parameters are the raw argument words of an intercepted call.
type Parameters []uintptr

// At returns the i-th parameter word.
func (p Parameters) At(i int) (uintptr, error) {
	if i < 0 || i >= len(p) {
		return 0, newRuleError(ParameterCountMismatch,
			"parameter %d requested but only %d captured", i, len(p))
	}
	return p[i], nil
}

// Context is what a predicate sees of one interception: the parameters on
// entry or the return word on exit.
type Context struct {
	exit   bool
	params Parameters
	ret    uintptr
}

// EntryContext builds the context delivered to entry predicates.
func EntryContext(params []uintptr) Context {
	return Context{params: params}
}

// ExitContext builds the context delivered to exit predicates.
func ExitContext(ret uintptr) Context {
	return Context{exit: true, ret: ret}
}

func (c Context) IsEntry() bool { return !c.exit }

func (c Context) IsExit() bool { return c.exit }

// Parameters returns the captured parameters. It is nil for exit contexts.
func (c Context) Parameters() Parameters { return c.params }

// ReturnValue returns the return word. It is zero for entry contexts.
func (c Context) ReturnValue() uintptr { return c.ret }

func (c Context) String() string {
	if c.exit {
		return fmt.Sprintf("ExitContext(%d)", c.ret)
	}
	words := make([]string, len(c.params))
	for i, p := range c.params {
		words[i] = fmt.Sprintf("%d", p)
	}
	return "EntryContext([" + strings.Join(words, ", ") + "])"
}
