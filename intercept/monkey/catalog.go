package monkey

import (
	"os"
	"os/exec"
)

// StdlibTargets are the standard library functions the built-in policies
// name.
func StdlibTargets() []any {
	return append([]any{
		os.OpenFile,
		(*exec.Cmd).Start,
		(*os.Process).Wait,
	}, platformTargets()...)
}
