package policy

// Built-in policies for the Go host runtime. library selects the module
// holding the Go symbols, normally the harness executable; an empty
// library matches the first loaded module, which is the executable.

const (
	openFileSymbol    = "os.OpenFile"
	cmdStartSymbol    = "os/exec.(*Cmd).Start"
	processWaitSymbol = "os.(*Process).Wait"
	wait4Symbol       = "syscall.Wait4"

	// os.OpenFile(name string, flag int, perm FileMode): name spans two
	// slots, so flag is slot 2.
	openFileParams   = 4
	openFileFlagSlot = 2
)

// BlockFileOpen rejects any file open.
func BlockFileOpen(library string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		openFileSymbol, library, OnEntry(BlockAlways{}), openFileParams,
		"Access to files is denied", true,
	)}
}

// BlockFiles rejects opening files whose path ends with any of blocklist.
func BlockFiles(library string, blocklist ...string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		openFileSymbol, library,
		OnEntry(PathSuffix{Param: 0, Encoding: GoString, Blocklist: blocklist}),
		openFileParams, "Access to a blocked file is denied", true,
	)}
}

// ReadOnlyFiles rejects opens that ask for write access.
func ReadOnlyFiles(library string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		openFileSymbol, library,
		OnEntry(FlagMask{Param: openFileFlagSlot, Mask: 0x3, Expected: 0x0}),
		openFileParams, "Files may only be opened read-only", true,
	)}
}

// BlockPrograms rejects spawning programs whose path ends with any of
// blocklist.
func BlockPrograms(library string, blocklist ...string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		cmdStartSymbol, library,
		OnEntry(ProgramSuffix{Param: 0, Shape: ShapeExecCmd, Blocklist: blocklist}),
		1, "Spawning a blocked program is denied", true,
	)}
}

// ChildFailure rejects waits on children that exited unsuccessfully.
func ChildFailure(library string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		processWaitSymbol, library,
		OnExit(ChildExitFailure{Shape: ShapeProcessState}),
		1, "A child process exited with an error", true,
	)}
}

// WaitFailure rejects raw wait4 calls that fail or reap a child with a
// non-zero exit status.
func WaitFailure(library string) FuzzPolicy {
	w := NewWaitStatusFailure(1)
	return FuzzPolicy{NewFunctionPolicy(
		wait4Symbol, library, OnEntryAndExit(w, w), 4,
		"A waited-on child exited with an error", true,
	)}
}

// LibcBlockFiles is BlockFiles for the C library's open(2) wrapper, for
// harnesses that reach the file system through cgo.
func LibcBlockFiles(blocklist ...string) FuzzPolicy {
	return FuzzPolicy{NewFunctionPolicy(
		"open", "libc",
		OnEntry(PathSuffix{Param: 0, Encoding: CString, Blocklist: blocklist}),
		3, "Access to a blocked file is denied", false,
	)}
}
