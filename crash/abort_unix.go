//go:build !windows

package crash

// AbortCode is the exit status a shell reports for a process killed by
// SIGABRT, which is what fuzzers on this platform look for.
const AbortCode = 134
