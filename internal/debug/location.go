package debug

import (
	"fmt"
	"strconv"
	"strings"
)

// Location identifies a breakpoint target independent of any session: an
// absolute file path, a 1-based line, and an optional 1-based column. It is
// an immutable value; its Key is the Breakpoint identity.
type Location struct {
	Path   string
	Line   int
	Column int // 0 means start of line
}

// NewLocation creates a Location at the start of a line.
func NewLocation(path string, line int) Location {
	return Location{Path: path, Line: line}
}

// Key returns the canonical "path:line:column" string. The column defaults
// to the line-start sentinel (0) when absent, so the same requested spot
// always produces the same key.
func (l Location) Key() string {
	return l.Path + ":" + strconv.Itoa(l.Line) + ":" + strconv.Itoa(l.Column)
}

// String renders the location for humans, omitting a zero column.
func (l Location) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// ParseLocation parses "path:line" or "path:line:column". The path may
// itself contain colons only on the drive-letter form; parsing is from the
// right.
func ParseLocation(s string) (Location, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return Location{}, fmt.Errorf("invalid location %q: want path:line[:column]", s)
	}

	// Try path:line:column first, falling back to path:line.
	if len(parts) >= 3 {
		line, lineErr := strconv.Atoi(parts[len(parts)-2])
		col, colErr := strconv.Atoi(parts[len(parts)-1])
		if lineErr == nil && colErr == nil {
			path := strings.Join(parts[:len(parts)-2], ":")
			if loc, err := makeLocation(path, line, col); err == nil {
				return loc, nil
			}
		}
	}

	line, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return Location{}, fmt.Errorf("invalid location %q: bad line number", s)
	}
	path := strings.Join(parts[:len(parts)-1], ":")
	return makeLocation(path, line, 0)
}

func makeLocation(path string, line, col int) (Location, error) {
	if path == "" {
		return Location{}, fmt.Errorf("invalid location: empty path")
	}
	if line < 1 {
		return Location{}, fmt.Errorf("invalid location: line %d is not 1-based", line)
	}
	if col < 0 {
		return Location{}, fmt.Errorf("invalid location: negative column")
	}
	return Location{Path: path, Line: line, Column: col}, nil
}
