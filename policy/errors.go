package policy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the ways a predicate can fail to reach a verdict.
type ErrorKind string

const (
	ParameterCountMismatch  ErrorKind = "parameter_count_mismatch"
	StringConversion        ErrorKind = "string_conversion"
	ParameterTypeConversion ErrorKind = "parameter_type_conversion"
	EvaluationFailure       ErrorKind = "evaluation_failure"
	StorageEmpty            ErrorKind = "storage_empty"
)

// RuleError is returned by a predicate that could not decide whether its
// policy was respected. The runtime treats it as fatal, the same way it
// treats a violation.
type RuleError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RuleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RuleError) Unwrap() error {
	return e.Cause
}

func newRuleError(kind ErrorKind, format string, args ...any) *RuleError {
	return &RuleError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *RuleError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ruleErr *RuleError
	return errors.As(err, &ruleErr) && ruleErr.Kind == kind
}

// Verdict is the outcome of a predicate that did not error.
type Verdict int

const (
	Respected Verdict = iota
	Violated
)

func (v Verdict) String() string {
	if v == Violated {
		return "violated"
	}
	return "respected"
}
