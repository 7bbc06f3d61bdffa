//go:build unix

package monkey

import "syscall"

func platformTargets() []any {
	return []any{syscall.Wait4}
}
