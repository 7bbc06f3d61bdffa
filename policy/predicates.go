package policy

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/gobwas/glob"
)

// EntryFunc is an opaque entry predicate.
type EntryFunc func(params Parameters) (Verdict, error)

func (f EntryFunc) CheckEntry(params Parameters) (Verdict, error) { return f(params) }

// ExitFunc is an opaque exit predicate.
type ExitFunc func(ret uintptr) (Verdict, error)

func (f ExitFunc) CheckExit(ret uintptr) (Verdict, error) { return f(ret) }

// EntryStorageFunc is an opaque storing entry predicate.
type EntryStorageFunc func(params Parameters, storage *Storage) (Verdict, error)

func (f EntryStorageFunc) CheckEntryStore(params Parameters, storage *Storage) (Verdict, error) {
	return f(params, storage)
}

// ExitStorageFunc is an opaque storing exit predicate.
type ExitStorageFunc func(ret uintptr, storage *Storage) (Verdict, error)

func (f ExitStorageFunc) CheckExitLoad(ret uintptr, storage *Storage) (Verdict, error) {
	return f(ret, storage)
}

// BlockAlways rejects every call.
type BlockAlways struct{}

func (BlockAlways) CheckEntry(Parameters) (Verdict, error) { return Violated, nil }

// Counter accepts every call and counts how often it was consulted.
type Counter struct {
	entries atomic.Int64
	exits   atomic.Int64
}

func (c *Counter) CheckEntry(Parameters) (Verdict, error) {
	c.entries.Add(1)
	return Respected, nil
}

func (c *Counter) CheckExit(uintptr) (Verdict, error) {
	c.exits.Add(1)
	return Respected, nil
}

// Entries returns the number of entry evaluations.
func (c *Counter) Entries() int64 { return c.entries.Load() }

// Exits returns the number of exit evaluations.
func (c *Counter) Exits() int64 { return c.exits.Load() }

// PathSuffix rejects calls whose path parameter ends with any blocklist entry.
type PathSuffix struct {
	Param     int
	Encoding  Encoding
	Blocklist []string
}

func (p PathSuffix) CheckEntry(params Parameters) (Verdict, error) {
	path, err := p.Encoding.Read(params, p.Param)
	if err != nil {
		return Respected, err
	}
	if hasAnySuffix(path, p.Blocklist) {
		return Violated, nil
	}
	return Respected, nil
}

// PathGlob rejects calls whose path parameter matches any pattern. Patterns
// use '/' as separator, so "*" stays within one path element and "**"
// crosses them.
type PathGlob struct {
	Param    int
	Encoding Encoding
	Patterns []string
	globs    []glob.Glob
}

// NewPathGlob compiles patterns.
func NewPathGlob(param int, enc Encoding, patterns ...string) (*PathGlob, error) {
	p := &PathGlob{Param: param, Encoding: enc, Patterns: patterns}
	for _, pat := range patterns {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pat, err)
		}
		p.globs = append(p.globs, g)
	}
	return p, nil
}

func (p *PathGlob) CheckEntry(params Parameters) (Verdict, error) {
	path, err := p.Encoding.Read(params, p.Param)
	if err != nil {
		return Respected, err
	}
	for _, g := range p.globs {
		if g.Match(path) {
			return Violated, nil
		}
	}
	return Respected, nil
}

// FlagMask rejects calls unless (flag & Mask) == Expected. With Mask 3 and
// Expected 0 it admits only read-only opens.
type FlagMask struct {
	Param    int
	Mask     uintptr
	Expected uintptr
}

func (f FlagMask) CheckEntry(params Parameters) (Verdict, error) {
	flag, err := params.At(f.Param)
	if err != nil {
		return Respected, err
	}
	if flag&f.Mask != f.Expected {
		return Violated, nil
	}
	return Respected, nil
}

// ProgramShape is the layout of the program parameter of a process-spawning
// function.
type ProgramShape string

const (
	// ShapeExecCmd: the parameter is a *exec.Cmd, as for (*Cmd).Start.
	ShapeExecCmd ProgramShape = "exec_cmd"
	// ShapeProgramGoString: the program name is a Go string (pointer,
	// length), as for os.StartProcess.
	ShapeProgramGoString ProgramShape = "gostring"
	// ShapeProgramCString: the program name is a C string, as for execve.
	ShapeProgramCString ProgramShape = "cstring"
)

// ProgramSuffix rejects process spawns whose program ends with any
// blocklist entry.
type ProgramSuffix struct {
	Param     int
	Shape     ProgramShape
	Blocklist []string
}

func (p ProgramSuffix) CheckEntry(params Parameters) (Verdict, error) {
	programs, err := p.programs(params)
	if err != nil {
		return Respected, err
	}
	for _, prog := range programs {
		if hasAnySuffix(prog, p.Blocklist) {
			return Violated, nil
		}
	}
	return Respected, nil
}

func (p ProgramSuffix) programs(params Parameters) ([]string, error) {
	switch p.Shape {
	case ShapeExecCmd:
		ptr, err := params.At(p.Param)
		if err != nil {
			return nil, err
		}
		cmd, err := pointerAt[exec.Cmd](ptr, "*exec.Cmd")
		if err != nil {
			return nil, err
		}
		progs := []string{cmd.Path}
		if len(cmd.Args) > 0 {
			progs = append(progs, cmd.Args[0])
		}
		return progs, nil
	case ShapeProgramGoString:
		s, err := GoString.Read(params, p.Param)
		return []string{s}, err
	case ShapeProgramCString:
		s, err := CString.Read(params, p.Param)
		return []string{s}, err
	}
	return nil, newRuleError(ParameterTypeConversion, "unknown program shape %q", p.Shape)
}

// ReturnShape is the contract for what the return word of a waited-on
// function points to.
type ReturnShape string

const (
	// ShapeProcessState: the return word is a *os.ProcessState, as for
	// (*os.Process).Wait.
	ShapeProcessState ReturnShape = "process_state"
	// ShapeErrorValue: the return word is the type word of an error
	// interface, as for (*exec.Cmd).Wait; non-zero means failure.
	ShapeErrorValue ReturnShape = "error"
)

// ChildExitFailure rejects waits whose child did not exit successfully.
type ChildExitFailure struct {
	Shape ReturnShape
}

func (c ChildExitFailure) CheckExit(ret uintptr) (Verdict, error) {
	switch c.Shape {
	case ShapeProcessState, "":
		if ret == 0 {
			// Wait itself failed and returned no state.
			return Violated, nil
		}
		state, err := pointerAt[os.ProcessState](ret, "*os.ProcessState")
		if err != nil {
			return Respected, err
		}
		if !state.Success() {
			return Violated, nil
		}
		return Respected, nil
	case ShapeErrorValue:
		if ret != 0 {
			return Violated, nil
		}
		return Respected, nil
	}
	return Respected, newRuleError(ParameterTypeConversion, "unknown return shape %q", c.Shape)
}

// DefaultWaitErrorSentinel is the return value by which the platform's wait
// primitive reports failure.
func DefaultWaitErrorSentinel() int64 {
	if runtime.GOOS == "windows" {
		return 0
	}
	return -1
}

// WaitStatusFailure checks a wait-style call that writes the child's status
// through a pointer parameter. The entry half stashes the pointer; the exit
// half decodes it.
type WaitStatusFailure struct {
	StatusParam   int
	ErrorSentinel int64
}

// NewWaitStatusFailure uses the platform's error sentinel.
func NewWaitStatusFailure(statusParam int) WaitStatusFailure {
	return WaitStatusFailure{StatusParam: statusParam, ErrorSentinel: DefaultWaitErrorSentinel()}
}

func (w WaitStatusFailure) CheckEntryStore(params Parameters, storage *Storage) (Verdict, error) {
	ptr, err := params.At(w.StatusParam)
	if err != nil {
		return Respected, err
	}
	storage.Store(ptr)
	return Respected, nil
}

func (w WaitStatusFailure) CheckExitLoad(ret uintptr, storage *Storage) (Verdict, error) {
	ptr, err := storage.MustLoad()
	if err != nil {
		return Respected, err
	}
	if int64(ret) == w.ErrorSentinel {
		return Violated, nil
	}
	if ptr == 0 {
		// Caller did not ask for the status.
		return Respected, nil
	}
	status, err := pointerAt[syscall.WaitStatus](ptr, "wait status")
	if err != nil {
		return Respected, err
	}
	if status.ExitStatus() != 0 {
		return Violated, nil
	}
	return Respected, nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
