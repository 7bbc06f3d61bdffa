//go:build linux

package procmaps

import (
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/symbols"
)

// Map is a symbols.ModuleMap over /proc/<pid>/maps.
type Map struct {
	path string
	log  *logrus.Entry
}

// Self returns the module map of the calling process.
func Self() *Map {
	return &Map{path: "/proc/self/maps", log: logrus.WithField("component", "procmaps")}
}

// ForPID returns the module map of process pid. Addresses are in that
// process's address space.
func ForPID(pid int) *Map {
	return &Map{path: fmt.Sprintf("/proc/%d/maps", pid), log: logrus.WithField("component", "procmaps")}
}

// Modules implements symbols.ModuleMap.
func (m *Map) Modules() ([]symbols.Module, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", m.path, err)
	}
	defer f.Close()

	maps, err := parseMaps(f)
	if err != nil {
		return nil, err
	}
	spans := groupMappings(maps)
	mods := make([]symbols.Module, 0, len(spans))
	for _, s := range spans {
		mods = append(mods, &Module{
			path: s.path,
			base: s.base,
			size: uint64(s.end - s.base),
			log:  m.log,
		})
	}
	m.log.WithField("modules", len(mods)).Debug("enumerated loaded modules")
	return mods, nil
}

// Module is a mapped ELF file. Its symbol tables are read on first use.
type Module struct {
	path string
	base uintptr
	size uint64
	log  *logrus.Entry

	once      sync.Once
	err       error
	exports   []symbols.Export
	syms      []symbols.Symbol
	exportIdx map[string]uintptr
	symIdx    map[string]uintptr
}

func (m *Module) Path() string  { return m.path }
func (m *Module) Base() uintptr { return m.base }
func (m *Module) Size() uint64  { return m.size }

func (m *Module) Exports() ([]symbols.Export, error) {
	m.once.Do(m.load)
	return m.exports, m.err
}

func (m *Module) Symbols() ([]symbols.Symbol, error) {
	m.once.Do(m.load)
	return m.syms, m.err
}

func (m *Module) FindExportByName(name string) (uintptr, bool) {
	m.once.Do(m.load)
	addr, ok := m.exportIdx[name]
	return addr, ok
}

func (m *Module) FindSymbolByName(name string) (uintptr, bool) {
	m.once.Do(m.load)
	addr, ok := m.symIdx[name]
	return addr, ok
}

func (m *Module) load() {
	m.exportIdx = make(map[string]uintptr)
	m.symIdx = make(map[string]uintptr)

	f, err := elf.Open(m.path)
	if err != nil {
		m.err = fmt.Errorf("failed to parse %s as ELF: %w", m.path, err)
		return
	}
	defer f.Close()

	bias, err := loadBias(f, m.base)
	if err != nil {
		m.err = fmt.Errorf("%s: %w", m.path, err)
		return
	}

	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		m.err = fmt.Errorf("failed to read dynamic symbols of %s: %w", m.path, err)
		return
	}
	for _, s := range dyn {
		typ, ok := exportType(s)
		if !ok {
			continue
		}
		addr := uintptr(s.Value) + bias
		m.exports = append(m.exports, symbols.Export{Name: s.Name, Address: addr, Type: typ})
		if _, dup := m.exportIdx[s.Name]; !dup {
			m.exportIdx[s.Name] = addr
		}
	}

	source := ".symtab"
	all, err := f.Symbols()
	switch {
	case err == nil:
		for _, s := range all {
			if _, ok := exportType(s); ok {
				m.addSymbol(s.Name, uintptr(s.Value)+bias, s.Size)
			}
		}
	case errors.Is(err, elf.ErrNoSymbols):
		// go test, go run and -ldflags=-s binaries carry no .symtab, but Go
		// binaries always keep their function table.
		source = ".gopclntab"
		funcs, perr := pclntabFuncs(f)
		if errors.Is(perr, errNoPclntab) {
			if len(dyn) == 0 {
				m.err = fmt.Errorf("%s: %w", m.path, symbols.ErrNoSymbolTable)
				return
			}
			source = ".dynsym"
			break
		}
		if perr != nil {
			m.err = fmt.Errorf("%s: %w", m.path, perr)
			return
		}
		for _, fn := range funcs {
			m.addSymbol(fn.Name, uintptr(fn.Entry)+bias, fn.End-fn.Entry)
		}
	default:
		m.err = fmt.Errorf("failed to read symbols of %s: %w", m.path, err)
		return
	}
	m.log.WithFields(logrus.Fields{
		"module":  m.path,
		"exports": len(m.exports),
		"symbols": len(m.syms),
		"source":  source,
		"bias":    fmt.Sprintf("%#x", bias),
	}).Debug("loaded symbol tables")
}

func (m *Module) addSymbol(name string, addr uintptr, size uint64) {
	m.syms = append(m.syms, symbols.Symbol{Name: name, Address: addr, Size: size})
	if _, dup := m.symIdx[name]; !dup {
		m.symIdx[name] = addr
	}
}

var errNoPclntab = errors.New("no .gopclntab section")

// pclntabFuncs decodes the Go function table. Entries are link-time
// addresses.
func pclntabFuncs(f *elf.File) ([]gosym.Func, error) {
	pcln := f.Section(".gopclntab")
	text := f.Section(".text")
	if pcln == nil || text == nil {
		return nil, errNoPclntab
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read .gopclntab: %w", err)
	}
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		return nil, fmt.Errorf("failed to decode .gopclntab: %w", err)
	}
	return tab.Funcs, nil
}

// exportType keeps defined functions and data objects.
func exportType(s elf.Symbol) (symbols.ExportType, bool) {
	if s.Section == elf.SHN_UNDEF || s.Section == elf.SHN_ABS || s.Value == 0 {
		return 0, false
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_LOOS: // STT_LOOS is STT_GNU_IFUNC
		return symbols.ExportFunction, true
	case elf.STT_OBJECT:
		return symbols.ExportVariable, true
	}
	return 0, false
}

// loadBias is the difference between where the file is mapped and where
// its first PT_LOAD segment asks to be. It is zero for non-PIE
// executables.
func loadBias(f *elf.File, base uintptr) (uintptr, error) {
	first := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < first {
			first = p.Vaddr
		}
	}
	if first == ^uint64(0) {
		return 0, errors.New("no PT_LOAD segment")
	}
	pageMask := uint64(unix.Getpagesize() - 1)
	return base - uintptr(first&^pageMask), nil
}
