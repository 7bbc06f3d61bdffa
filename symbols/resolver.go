package symbols

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/sirupsen/logrus"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/policy"
)

// HostSeparator splits qualified host-runtime names into search tokens.
const HostSeparator = "."

// ErrNotPresent means the function is not linked into the module. The
// policy for it is simply inactive.
var ErrNotPresent = errors.New("symbol not present in module")

// ErrNoSymbolTable means a module has neither a symbol table, a Go
// function table nor dynamic symbols, so nothing in it can be resolved.
var ErrNoSymbolTable = errors.New("module has no symbol table")

// ErrNullAddress means a symbol resolved to address zero.
var ErrNullAddress = errors.New("symbol resolved to a null address")

// LibraryNotFoundError means no loaded module path contains the library.
type LibraryNotFoundError struct {
	Library  string
	Searched []string
}

func (e *LibraryNotFoundError) Error() string {
	return fmt.Sprintf("no loaded module matches library %q (searched %d modules)", e.Library, len(e.Searched))
}

// AmbiguousSymbolError means a host-runtime query matched more than one
// symbol. Matches lists them so the policy author can qualify the name.
type AmbiguousSymbolError struct {
	Query   string
	Module  string
	Matches []string
}

func (e *AmbiguousSymbolError) Error() string {
	return fmt.Sprintf("host-runtime symbol %q is ambiguous in %s; qualify it further, candidates: %s",
		e.Query, e.Module, strings.Join(e.Matches, ", "))
}

// SymbolNotFoundError means a symbol selected from the symbol table could
// not be looked up again by name.
type SymbolNotFoundError struct {
	Name   string
	Module string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in exports or symbols of %s", e.Name, e.Module)
}

// syntheticSymbol matches linkage helpers and compiler-generated wrappers
// that alias real functions: GOT/trampoline markers, Go closures and method
// value wrappers, ABI wrappers, and Go type/itab data.
var syntheticSymbol = regexp.MustCompile(`\$got|\$GT|\.func\d+|\.gowrap\d+|\.deferwrap\d+|-fm$|\.abi0$|^(go|type)[:.]`)

// Resolver resolves function policies against a ModuleMap. The module list
// is enumerated once, on first use.
type Resolver struct {
	modules ModuleMap
	loaded  []Module
	log     *logrus.Entry
}

// NewResolver returns a Resolver over mm. A nil log uses the standard
// logger.
func NewResolver(mm ModuleMap, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.WithField("component", "resolver")
	}
	return &Resolver{modules: mm, log: log}
}

func (r *Resolver) enumerate() ([]Module, error) {
	if r.loaded != nil {
		return r.loaded, nil
	}
	mods, err := r.modules.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate loaded modules: %w", err)
	}
	r.loaded = mods
	return mods, nil
}

// FindModule returns the first module whose path contains library.
func (r *Resolver) FindModule(library string) (Module, error) {
	mods, err := r.enumerate()
	if err != nil {
		return nil, err
	}
	searched := make([]string, 0, len(mods))
	for _, m := range mods {
		if strings.Contains(m.Path(), library) {
			return m, nil
		}
		searched = append(searched, m.Path())
	}
	return nil, &LibraryNotFoundError{Library: library, Searched: searched}
}

// Resolve returns the code address of fp's function. ErrNotPresent is
// benign; every other error means the policy cannot be honored.
func (r *Resolver) Resolve(fp *policy.FunctionPolicy) (uintptr, error) {
	m, err := r.FindModule(fp.Library)
	if err != nil {
		return 0, err
	}

	name := fp.Name
	if fp.IsHostRuntimeSymbol {
		matches, err := HostMatches(m, fp.Name)
		if err != nil {
			return 0, err
		}
		switch {
		case len(matches) == 0:
			return 0, ErrNotPresent
		case len(matches) == 1:
			name = matches[0]
		case slices.Contains(matches, fp.Name):
			// os.(*Process).Wait also matches os.(*Process).blockUntilWaitable.
			name = fp.Name
		default:
			return 0, &AmbiguousSymbolError{Query: fp.Name, Module: m.Path(), Matches: matches}
		}
	}

	addr, ok := m.FindExportByName(name)
	if !ok {
		addr, ok = m.FindSymbolByName(name)
	}
	if !ok {
		if !fp.IsHostRuntimeSymbol {
			// A module whose tables cannot be read is not proof of absence.
			if _, err := m.Symbols(); err != nil {
				return 0, err
			}
			return 0, ErrNotPresent
		}
		return 0, &SymbolNotFoundError{Name: name, Module: m.Path()}
	}
	if addr == 0 {
		return 0, fmt.Errorf("%s in %s: %w", name, m.Path(), ErrNullAddress)
	}

	r.log.WithFields(logrus.Fields{
		"function": fp.Name,
		"symbol":   name,
		"module":   m.Path(),
		"address":  fmt.Sprintf("%#x", addr),
	}).Debug("resolved function")
	return addr, nil
}

// HostTokens splits a qualified host-runtime name into search tokens.
func HostTokens(name string) []string {
	var tokens []string
	for _, t := range strings.Split(name, HostSeparator) {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// HostMatches returns, sorted, the names in m's export and symbol tables
// that contain every token of query. Names are compared both as stored and
// demangled, so mangled native symbols match their source-level spelling.
func HostMatches(m Module, query string) ([]string, error) {
	tokens := HostTokens(query)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty host-runtime symbol query %q", query)
	}

	exports, err := m.Exports()
	if err != nil {
		return nil, fmt.Errorf("failed to read exports of %s: %w", m.Path(), err)
	}
	syms, err := m.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols of %s: %w", m.Path(), err)
	}

	seen := make(map[string]bool)
	var matches []string
	consider := func(name string) {
		if seen[name] || syntheticSymbol.MatchString(name) {
			return
		}
		seen[name] = true
		if containsAll(name, tokens) {
			matches = append(matches, name)
			return
		}
		if d := demangle.Filter(name); d != name && !syntheticSymbol.MatchString(d) && containsAll(d, tokens) {
			matches = append(matches, name)
		}
	}
	for _, e := range exports {
		consider(e.Name)
	}
	for _, s := range syms {
		consider(s.Name)
	}
	sort.Strings(matches)
	return matches, nil
}

func containsAll(s string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}
