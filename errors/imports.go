package errors

import (
	"fmt"
	"strconv"
	"strings"
)

// MissingImport is one import no host module provides.
type MissingImport struct {
	Namespace string
	Function  string
}

// MissingImportsError lists every unresolved import of a module.
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError parses "namespace#function" keys.
func NewMissingImportsError(keys []string) *MissingImportsError {
	e := &MissingImportsError{Imports: make([]MissingImport, len(keys))}
	for i, key := range keys {
		ns, fn, _ := strings.Cut(key, "#")
		e.Imports[i] = MissingImport{Namespace: ns, Function: fn}
	}
	return e
}

// Error lists the imports grouped by namespace in first-seen order, with
// Rust symbols demangled.
func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[linking] missing_import: no imports specified"
	}

	var order []string
	groups := make(map[string][]string)
	for _, imp := range e.Imports {
		if _, seen := groups[imp.Namespace]; !seen {
			order = append(order, imp.Namespace)
		}
		groups[imp.Namespace] = append(groups[imp.Namespace], demangleRust(imp.Function))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d host function(s):\n", len(e.Imports))
	for _, ns := range order {
		fmt.Fprintf(&b, "\n  %s:", ns)
		for _, fn := range groups[ns] {
			fmt.Fprintf(&b, "\n    - %s", fn)
		}
	}
	return b.String()
}

func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}

// demangleRust turns a legacy _ZN<len><ident>...E symbol into a::b::c,
// dropping the trailing h<16 hex> hash. Other names are returned as is.
func demangleRust(name string) string {
	rest, ok := strings.CutPrefix(name, "_ZN")
	if !ok {
		return name
	}

	var parts []string
	for rest != "" && rest[0] != 'E' {
		digits := len(rest) - len(strings.TrimLeft(rest, "0123456789"))
		n, err := strconv.Atoi(rest[:digits])
		if err != nil || n > len(rest)-digits {
			break
		}
		ident := rest[digits : digits+n]
		rest = rest[digits+n:]
		if !isHash(ident) {
			parts = append(parts, ident)
		}
	}
	if len(parts) == 0 {
		return name
	}
	return strings.Join(parts, "::")
}

func isHash(ident string) bool {
	if len(ident) != 17 || ident[0] != 'h' {
		return false
	}
	return strings.Trim(ident[1:], "0123456789abcdef") == ""
}
