package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ianlancetaylor/demangle"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/policy"
	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
)

// resolvePolicy resolves a single function policy
// It never panics - all errors are captured and returned in the result
func resolvePolicy(fp *policy.FunctionPolicy, res *symbols.Resolver) (result ResolutionResult) {
	result.Function = fp.Name
	result.Library = fp.Library
	result.HostRuntime = fp.IsHostRuntimeSymbol

	// Defer panic recovery; module tables come from files we do not control
	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusFailed
			result.Address = ""
			result.ErrorMessage = fmt.Sprintf("panic recovered: %v", r)
		}
	}()

	addr, err := res.Resolve(fp)
	if err != nil {
		result.ErrorMessage = err.Error()
		var ambErr *symbols.AmbiguousSymbolError
		var libErr *symbols.LibraryNotFoundError
		switch {
		case errors.Is(err, symbols.ErrNotPresent):
			result.Status = StatusNotPresent
		case errors.As(err, &ambErr):
			result.Status = StatusAmbiguous
			result.Candidates = ambErr.Matches
		case errors.As(err, &libErr):
			result.Status = StatusNoLibrary
		default:
			result.Status = StatusFailed
		}
		return result
	}

	result.Status = StatusResolved
	result.Address = fmt.Sprintf("%#x", addr)
	return result
}

// buildResolutionReport resolves every policy against mm
func buildResolutionReport(p policy.FuzzPolicy, mm symbols.ModuleMap) ResolutionReport {
	report := ResolutionReport{
		Results:      make([]ResolutionResult, 0, len(p)),
		StatusCounts: make(map[ResolutionStatus]int),
	}

	// Initialize status counts
	for _, s := range []ResolutionStatus{StatusResolved, StatusNotPresent, StatusAmbiguous, StatusNoLibrary, StatusFailed} {
		report.StatusCounts[s] = 0
	}

	report.TotalPolicies = len(p)
	res := symbols.NewResolver(mm, nil)

	// Resolve sequentially; the resolver caches the module list
	for i := range p {
		result := resolvePolicy(&p[i], res)
		report.Results = append(report.Results, result)
		report.StatusCounts[result.Status]++

		switch result.Status {
		case StatusResolved:
			report.Resolved++
		case StatusNotPresent:
			report.Inactive++
		default:
			report.Failed++
		}
	}

	return report
}

// buildCheckReport validates p and summarizes it
func buildCheckReport(source string, p policy.FuzzPolicy) (CheckReport, error) {
	report := CheckReport{
		Source:        source,
		TotalPolicies: len(p),
		RuleCounts:    make(map[string]int),
		Policies:      make([]PolicySummary, 0, len(p)),
	}
	if err := p.Validate(); err != nil {
		return report, err
	}

	for _, fp := range p {
		report.RuleCounts[fp.Rule.String()]++
		report.Policies = append(report.Policies, PolicySummary{
			Function:    fp.Name,
			Library:     fp.Library,
			Rule:        fp.Rule.String(),
			Parameters:  fp.NbParameters,
			HostRuntime: fp.IsHostRuntimeSymbol,
			Description: fp.Description,
		})
	}
	return report, nil
}

// buildSymbolReport lists the symbols of m a host-runtime query matches
func buildSymbolReport(m symbols.Module, query string) (SymbolReport, error) {
	report := SymbolReport{
		Query:   query,
		Module:  m.Path(),
		Tokens:  symbols.HostTokens(query),
		Matches: make([]SymbolMatch, 0),
	}

	names, err := symbols.HostMatches(m, query)
	if err != nil {
		return report, err
	}

	for _, name := range names {
		addr, ok := m.FindExportByName(name)
		if !ok {
			addr, _ = m.FindSymbolByName(name)
		}
		match := SymbolMatch{Name: name, Address: fmt.Sprintf("%#x", addr)}
		if d := demangle.Filter(name); d != name {
			match.Demangled = d
		}
		report.Matches = append(report.Matches, match)
	}
	return report, nil
}

// outputJSON writes v as formatted JSON
func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputError writes a JSON error object; errors go to stderr, reports to stdout
func outputError(w io.Writer, msg string, err error) {
	errorResult := map[string]string{"error": msg}
	if err != nil {
		errorResult["details"] = err.Error()
	}
	json.NewEncoder(w).Encode(errorResult)
}
