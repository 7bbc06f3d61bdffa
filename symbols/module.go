// Package symbols maps function policies to code addresses in the modules
// loaded into a process.
package symbols

// ExportType distinguishes exported functions from exported data.
type ExportType int

const (
	ExportFunction ExportType = iota
	ExportVariable
)

func (t ExportType) String() string {
	if t == ExportVariable {
		return "variable"
	}
	return "function"
}

// Export is an entry of a module's dynamic symbol table.
type Export struct {
	Name    string
	Address uintptr
	Type    ExportType
}

// Symbol is an entry of a module's full symbol table, private symbols
// included.
type Symbol struct {
	Name    string
	Address uintptr
	Size    uint64
}

// Module is one file mapped into the process.
type Module interface {
	Path() string
	Base() uintptr
	Size() uint64
	Exports() ([]Export, error)
	Symbols() ([]Symbol, error)
	FindExportByName(name string) (uintptr, bool)
	FindSymbolByName(name string) (uintptr, bool)
}

// ModuleMap enumerates loaded modules in load order.
type ModuleMap interface {
	Modules() ([]Module, error)
}

// StaticModule is a Module backed by in-memory tables.
type StaticModule struct {
	ModulePath string
	BaseAddr   uintptr
	ModuleSize uint64
	ExportList []Export
	SymbolList []Symbol
}

func (m *StaticModule) Path() string               { return m.ModulePath }
func (m *StaticModule) Base() uintptr              { return m.BaseAddr }
func (m *StaticModule) Size() uint64               { return m.ModuleSize }
func (m *StaticModule) Exports() ([]Export, error) { return m.ExportList, nil }
func (m *StaticModule) Symbols() ([]Symbol, error) { return m.SymbolList, nil }

func (m *StaticModule) FindExportByName(name string) (uintptr, bool) {
	for _, e := range m.ExportList {
		if e.Name == name {
			return e.Address, true
		}
	}
	return 0, false
}

func (m *StaticModule) FindSymbolByName(name string) (uintptr, bool) {
	for _, s := range m.SymbolList {
		if s.Name == name {
			return s.Address, true
		}
	}
	return 0, false
}

// StaticMap is a ModuleMap over a fixed module list.
type StaticMap []Module

func (m StaticMap) Modules() ([]Module, error) { return m, nil }
