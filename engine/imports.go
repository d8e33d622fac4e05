package engine

import (
	"github.com/tetratelabs/wazero"
)

// provided lists the functions each host namespace exports. A nil set
// accepts every name in the namespace.
var provided = map[string]map[string]bool{
	RuntimeNamespace: {BufferGrow: true},
	EnvNamespace:     envImports(),
	WASINamespace:    nil,
}

func envImports() map[string]bool {
	names := map[string]bool{ThrowError: true}
	for name := range consoleLevels {
		names[name] = true
	}
	return names
}

// missingImports returns "namespace#name" for each imported function no
// host module provides, in import order.
func missingImports(compiled wazero.CompiledModule) []string {
	var missing []string
	for _, def := range compiled.ImportedFunctions() {
		ns, name, ok := def.Import()
		if !ok {
			continue
		}
		names, known := provided[ns]
		if !known || (names != nil && !names[name]) {
			missing = append(missing, ns+"#"+name)
		}
	}
	return missing
}

func importsNamespace(compiled wazero.CompiledModule, ns string) bool {
	for _, def := range compiled.ImportedFunctions() {
		if mod, _, ok := def.Import(); ok && mod == ns {
			return true
		}
	}
	return false
}
