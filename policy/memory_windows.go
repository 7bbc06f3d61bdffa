//go:build windows

package policy

import "golang.org/x/sys/windows"

func bytePtrToString(p *byte) string {
	return windows.BytePtrToString(p)
}

func utf16PtrToString(p *uint16) (string, error) {
	return windows.UTF16PtrToString(p), nil
}
