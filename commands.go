package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/config"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/policy"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols/procmaps"
)

// builtins maps -builtin names to the policy sets the policy package ships.
var builtins = map[string]func(library string, blocklist []string) policy.FuzzPolicy{
	"block-file-open":  func(lib string, _ []string) policy.FuzzPolicy { return policy.BlockFileOpen(lib) },
	"block-files":      func(lib string, bl []string) policy.FuzzPolicy { return policy.BlockFiles(lib, bl...) },
	"read-only-files":  func(lib string, _ []string) policy.FuzzPolicy { return policy.ReadOnlyFiles(lib) },
	"block-programs":   func(lib string, bl []string) policy.FuzzPolicy { return policy.BlockPrograms(lib, bl...) },
	"child-failure":    func(lib string, _ []string) policy.FuzzPolicy { return policy.ChildFailure(lib) },
	"wait-failure":     func(lib string, _ []string) policy.FuzzPolicy { return policy.WaitFailure(lib) },
	"libc-block-files": func(_ string, bl []string) policy.FuzzPolicy { return policy.LibcBlockFiles(bl...) },
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// policySource selects a policy file or built-in policy sets.
type policySource struct {
	builtin   string
	library   string
	blocklist string
	cfg       *config.Config
}

func (s *policySource) setFlags(f *flag.FlagSet) {
	f.StringVar(&s.builtin, "builtin", "", "comma-separated built-in policy sets to use instead of a policy file.")
	f.StringVar(&s.library, "library", "", "module holding the Go symbols of built-in policies; empty means the executable.")
	f.StringVar(&s.blocklist, "blocklist", "", "comma-separated suffixes for built-in policies that take a blocklist.")
}

// load returns the policy and a description of where it came from. A
// positional file wins over POLICYFUZZ_POLICY_FILE.
func (s *policySource) load(f *flag.FlagSet) (policy.FuzzPolicy, string, error) {
	if s.builtin != "" {
		if f.NArg() != 0 {
			return nil, "", errors.New("a policy file and -builtin are mutually exclusive")
		}
		var sets []policy.FuzzPolicy
		for _, name := range splitList(s.builtin) {
			build, ok := builtins[name]
			if !ok {
				return nil, "", fmt.Errorf("unknown built-in policy %q", name)
			}
			sets = append(sets, build(s.library, splitList(s.blocklist)))
		}
		return policy.Concat(sets...), "builtin:" + s.builtin, nil
	}

	path := ""
	switch {
	case f.NArg() == 1:
		path = f.Arg(0)
	case f.NArg() == 0 && s.cfg != nil:
		path = s.cfg.PolicyFile
	}
	if path == "" || f.NArg() > 1 {
		return nil, "", errors.New("expected exactly one policy file")
	}
	p, err := policy.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	return p, path, nil
}

func moduleMap(pid int) symbols.ModuleMap {
	if pid == 0 {
		return procmaps.Self()
	}
	return procmaps.ForPID(pid)
}

// Check implements subcommands.Command for the "check" command.
type Check struct {
	src    policySource
	stdout io.Writer
	stderr io.Writer
}

// Name implements subcommands.Command.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.
func (*Check) Synopsis() string {
	return "validates a policy file and summarizes it"
}

// Usage implements subcommands.Command.
func (*Check) Usage() string {
	return `check [flags] [<policy file>]
`
}

// SetFlags implements subcommands.Command.
func (c *Check) SetFlags(f *flag.FlagSet) {
	c.src.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	p, source, err := c.src.load(f)
	if err != nil {
		outputError(c.stderr, "policy load failed", err)
		return subcommands.ExitFailure
	}
	report, err := buildCheckReport(source, p)
	if err != nil {
		outputError(c.stderr, "policy validation failed", err)
		return subcommands.ExitFailure
	}
	if err := outputJSON(c.stdout, report); err != nil {
		fmt.Fprintf(c.stderr, "failed to encode JSON output: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Resolve implements subcommands.Command for the "resolve" command.
type Resolve struct {
	src    policySource
	pid    int
	stdout io.Writer
	stderr io.Writer

	// modules overrides the process module map.
	modules symbols.ModuleMap
}

// Name implements subcommands.Command.
func (*Resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.
func (*Resolve) Synopsis() string {
	return "resolves every function of a policy in a running process"
}

// Usage implements subcommands.Command.
func (*Resolve) Usage() string {
	return `resolve [flags] [<policy file>]
`
}

// SetFlags implements subcommands.Command.
func (r *Resolve) SetFlags(f *flag.FlagSet) {
	r.src.setFlags(f)
	def := 0
	if r.src.cfg != nil {
		def = r.src.cfg.PID
	}
	f.IntVar(&r.pid, "pid", def, "process to inspect; 0 is this process.")
}

// Execute implements subcommands.Command.Execute.
func (r *Resolve) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	p, _, err := r.src.load(f)
	if err != nil {
		outputError(r.stderr, "policy load failed", err)
		return subcommands.ExitFailure
	}
	if err := p.Validate(); err != nil {
		outputError(r.stderr, "policy validation failed", err)
		return subcommands.ExitFailure
	}

	mm := r.modules
	if mm == nil {
		mm = moduleMap(r.pid)
	}
	report := buildResolutionReport(p, mm)
	if err := outputJSON(r.stdout, report); err != nil {
		fmt.Fprintf(r.stderr, "failed to encode JSON output: %v\n", err)
		return subcommands.ExitFailure
	}
	if report.Failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Symbols implements subcommands.Command for the "symbols" command.
type Symbols struct {
	library string
	pid     int
	stdout  io.Writer
	stderr  io.Writer
	cfg     *config.Config

	modules symbols.ModuleMap
}

// Name implements subcommands.Command.
func (*Symbols) Name() string {
	return "symbols"
}

// Synopsis implements subcommands.Command.
func (*Symbols) Synopsis() string {
	return "lists the symbols a host-runtime function name matches"
}

// Usage implements subcommands.Command.
func (*Symbols) Usage() string {
	return `symbols [flags] <qualified name>

Use it to refine a host-runtime policy name that resolves ambiguously.
`
}

// SetFlags implements subcommands.Command.
func (s *Symbols) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.library, "library", "", "substring of the module path to search; empty means the executable.")
	def := 0
	if s.cfg != nil {
		def = s.cfg.PID
	}
	f.IntVar(&s.pid, "pid", def, "process to inspect; 0 is this process.")
}

// Execute implements subcommands.Command.Execute.
func (s *Symbols) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	mm := s.modules
	if mm == nil {
		mm = moduleMap(s.pid)
	}
	m, err := symbols.NewResolver(mm, nil).FindModule(s.library)
	if err != nil {
		outputError(s.stderr, "module lookup failed", err)
		return subcommands.ExitFailure
	}
	report, err := buildSymbolReport(m, f.Arg(0))
	if err != nil {
		outputError(s.stderr, "symbol search failed", err)
		return subcommands.ExitFailure
	}
	if err := outputJSON(s.stdout, report); err != nil {
		fmt.Fprintf(s.stderr, "failed to encode JSON output: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// newCommands returns the CLI commands writing to the process streams.
func newCommands(cfg *config.Config) []subcommands.Command {
	return []subcommands.Command{
		&Check{src: policySource{cfg: cfg}, stdout: os.Stdout, stderr: os.Stderr},
		&Resolve{src: policySource{cfg: cfg}, stdout: os.Stdout, stderr: os.Stderr},
		&Symbols{cfg: cfg, stdout: os.Stdout, stderr: os.Stderr},
	}
}
