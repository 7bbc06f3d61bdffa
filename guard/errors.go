package guard

import "fmt"

// Stage names the step of Init that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageResolve  Stage = "resolve"
	StageAttach   Stage = "attach"
)

// InitError is returned by Init. The runtime stays Fresh and nothing stays
// attached.
type InitError struct {
	Stage    Stage
	Function string
	Cause    error
}

func (e *InitError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Function, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
}

func (e *InitError) Unwrap() error {
	return e.Cause
}
