//go:build !linux

package procmaps

import "github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"

// Map is a stub on platforms without /proc.
type Map struct{}

// Self returns the module map of the calling process.
func Self() *Map { return &Map{} }

// ForPID returns the module map of process pid.
func ForPID(int) *Map { return &Map{} }

// Modules implements symbols.ModuleMap.
func (*Map) Modules() ([]symbols.Module, error) {
	return nil, ErrUnsupported
}
