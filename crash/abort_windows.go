//go:build windows

package crash

// AbortCode is the exit status of an aborted process on Windows.
const AbortCode = 1
