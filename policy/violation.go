package policy

import (
	"fmt"
	"strings"
)

// Violation is the panic value raised when a policy is broken or its
// predicate fails.
type Violation struct {
	Function    string
	Description string
	Rule        RuleKind
	Context     Context
	// Err is set when the predicate errored instead of returning Violated.
	Err error
}

// NewViolation builds the violation report for fp in ctx.
func NewViolation(fp *FunctionPolicy, ctx Context, err error) *Violation {
	return &Violation{
		Function:    fp.Name,
		Description: fp.Description,
		Rule:        fp.Rule.Kind(),
		Context:     ctx,
		Err:         err,
	}
}

func (v *Violation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy was broken at function [%s]\n", v.Function)
	fmt.Fprintf(&b, "Description: %s\n", v.Description)
	fmt.Fprintf(&b, "Rule: %s\n", v.Rule)
	fmt.Fprintf(&b, "Context: %s", v.Context)
	if v.Err != nil {
		fmt.Fprintf(&b, "\nError: %v", v.Err)
	}
	return b.String()
}

func (v *Violation) Unwrap() error {
	return v.Err
}
