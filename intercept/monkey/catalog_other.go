//go:build !unix

package monkey

func platformTargets() []any { return nil }
