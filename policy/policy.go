// Package policy describes which intercepted functions are checked, how, and
// what counts as a violation.
package policy

import (
	"fmt"
	"strings"
)

// FunctionPolicy binds a Rule to one function in one loaded module.
type FunctionPolicy struct {
	// Name is the function symbol. Host-runtime symbols may be given in
	// qualified form, e.g. "os/exec.(*Cmd).Start" or "exec.Cmd.Start".
	Name string
	// Library is matched as a substring against the path of every loaded
	// module; the first match wins.
	Library string
	Rule    Rule
	// NbParameters is the number of word-sized argument slots captured on
	// entry.
	NbParameters int
	Description  string
	// IsHostRuntimeSymbol selects token-wise search of the full symbol table
	// instead of verbatim lookup.
	IsHostRuntimeSymbol bool
}

// NewFunctionPolicy builds a FunctionPolicy. There are no implicit defaults.
func NewFunctionPolicy(name, library string, rule Rule, nbParameters int, description string, isHostRuntimeSymbol bool) FunctionPolicy {
	return FunctionPolicy{
		Name:                name,
		Library:             library,
		Rule:                rule,
		NbParameters:        nbParameters,
		Description:         description,
		IsHostRuntimeSymbol: isHostRuntimeSymbol,
	}
}

// Validate reports a policy that can never be attached.
func (fp *FunctionPolicy) Validate() error {
	if strings.TrimSpace(fp.Name) == "" {
		return fmt.Errorf("policy %q: empty function name", fp.Description)
	}
	if fp.NbParameters < 0 {
		return fmt.Errorf("policy for %s: negative parameter count %d", fp.Name, fp.NbParameters)
	}
	if err := fp.Rule.Validate(); err != nil {
		return fmt.Errorf("policy for %s: %w", fp.Name, err)
	}
	return nil
}

// Evaluate runs the rule against ctx.
func (fp *FunctionPolicy) Evaluate(ctx Context) (Verdict, error) {
	return fp.Rule.Evaluate(ctx)
}

// EvaluateWith runs the rule against ctx with per-call storage.
func (fp *FunctionPolicy) EvaluateWith(ctx Context, storage *Storage) (Verdict, error) {
	return fp.Rule.EvaluateWith(ctx, storage)
}

// FuzzPolicy is the full set of function policies handed to the runtime.
// Order carries no meaning. Duplicates register independently.
type FuzzPolicy []FunctionPolicy

// Clone returns a copy that shares predicates but owns fresh, empty rule
// storage.
func (p FuzzPolicy) Clone() FuzzPolicy {
	if p == nil {
		return nil
	}
	out := make(FuzzPolicy, len(p))
	for i, fp := range p {
		fp.Rule = fp.Rule.clone()
		out[i] = fp
	}
	return out
}

// Reset empties every rule's storage.
func (p FuzzPolicy) Reset() {
	for i := range p {
		p[i].Rule.Reset()
	}
}

// Validate checks every function policy.
func (p FuzzPolicy) Validate() error {
	for i := range p {
		if err := p[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Concat joins several policies into one.
func Concat(policies ...FuzzPolicy) FuzzPolicy {
	var out FuzzPolicy
	for _, p := range policies {
		out = append(out, p...)
	}
	return out
}
