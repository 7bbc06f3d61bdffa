// Package procmaps enumerates the modules mapped into a process and reads
// their ELF symbol tables.
package procmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without /proc maps.
var ErrUnsupported = errors.New("module enumeration is not supported on this platform")

// mapping is one line of a maps file.
type mapping struct {
	start, end uintptr
	perms      string
	offset     uint64
	path       string
}

// parseMaps reads the /proc/<pid>/maps format. Anonymous and pseudo
// mappings ([heap], [vdso], ...) are dropped.
func parseMaps(r io.Reader) ([]mapping, error) {
	var out []mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := strings.Join(fields[5:], " ")
		if !strings.HasPrefix(path, "/") {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed address range in maps line %q", line)
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed start address in maps line %q: %w", line, err)
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed end address in maps line %q: %w", line, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed offset in maps line %q: %w", line, err)
		}
		out = append(out, mapping{
			start:  uintptr(start),
			end:    uintptr(end),
			perms:  fields[1],
			offset: offset,
			path:   path,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	return out, nil
}

// span is the address range a module occupies.
type span struct {
	path string
	base uintptr
	end  uintptr
}

// groupMappings folds mappings into one span per file, in first-seen
// order. The base is the start of the mapping of file offset zero when
// there is one.
func groupMappings(maps []mapping) []span {
	var order []string
	spans := make(map[string]*span)
	for _, m := range maps {
		s, ok := spans[m.path]
		if !ok {
			s = &span{path: m.path, base: m.start, end: m.end}
			spans[m.path] = s
			order = append(order, m.path)
		}
		if m.offset == 0 && m.start < s.base {
			s.base = m.start
		}
		if m.end > s.end {
			s.end = m.end
		}
	}
	out := make([]span, 0, len(order))
	for _, p := range order {
		out = append(out, *spans[p])
	}
	return out
}
