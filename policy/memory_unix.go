//go:build !windows

package policy

import "golang.org/x/sys/unix"

func bytePtrToString(p *byte) string {
	return unix.BytePtrToString(p)
}

func utf16PtrToString(*uint16) (string, error) {
	return "", newRuleError(ParameterTypeConversion, "wide strings are only produced by Windows APIs")
}
