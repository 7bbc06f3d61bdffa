package main

// ResolutionStatus is the outcome of resolving one function policy
type ResolutionStatus string

const (
	StatusResolved   ResolutionStatus = "resolved"
	StatusNotPresent ResolutionStatus = "not_present"
	StatusAmbiguous  ResolutionStatus = "ambiguous"
	StatusNoLibrary  ResolutionStatus = "library_not_found"
	StatusFailed     ResolutionStatus = "failed"
)

// ResolutionResult holds the structured result for a single function policy
type ResolutionResult struct {
	Function     string           `json:"function"`
	Library      string           `json:"library"`
	HostRuntime  bool             `json:"host_runtime"`
	Status       ResolutionStatus `json:"status"`
	Address      string           `json:"address,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Candidates   []string         `json:"candidates,omitempty"`
}

// ResolutionReport holds the complete report for a policy set
type ResolutionReport struct {
	TotalPolicies int                      `json:"total_policies"`
	Resolved      int                      `json:"resolved"`
	Inactive      int                      `json:"inactive"`
	Failed        int                      `json:"failed"`
	Results       []ResolutionResult       `json:"results"`
	StatusCounts  map[ResolutionStatus]int `json:"status_counts"`
}

// PolicySummary describes one validated function policy
type PolicySummary struct {
	Function    string `json:"function"`
	Library     string `json:"library"`
	Rule        string `json:"rule"`
	Parameters  int    `json:"parameters"`
	HostRuntime bool   `json:"host_runtime"`
	Description string `json:"description"`
}

// CheckReport is the output of the check command
type CheckReport struct {
	Source        string          `json:"source"`
	TotalPolicies int             `json:"total_policies"`
	RuleCounts    map[string]int  `json:"rule_counts"`
	Policies      []PolicySummary `json:"policies"`
}

// SymbolMatch is one symbol matching a host-runtime query
type SymbolMatch struct {
	Name      string `json:"name"`
	Demangled string `json:"demangled,omitempty"`
	Address   string `json:"address"`
}

// SymbolReport is the output of the symbols command
type SymbolReport struct {
	Query   string        `json:"query"`
	Module  string        `json:"module"`
	Tokens  []string      `json:"tokens"`
	Matches []SymbolMatch `json:"matches"`
}
