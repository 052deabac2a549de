// Package loader resolves stage modules — built-in registrations or shared
// libraries — and materializes initialized stage handles for the assembler.
package loader

import (
	"fmt"
	"path/filepath"
	"plugin"
	"runtime"

	"github.com/zmkit/zmhost/internal/stage"
)

// Module is a resolved stage module: either a built-in registration or an
// opened shared library. A Module is never released while a Handle
// referencing it is live.
type Module struct {
	// Path is the shared-library path, or the kind name for built-ins.
	Path    string
	Builtin bool

	init stage.InitFunc
	lib  *plugin.Plugin
}

// Handle is the runtime ownership record for a loaded, initialized stage.
// Its lifetime is bounded by the owning pipeline's lifetime.
type Handle struct {
	Record *stage.Record
	Module *Module
	// ConfigJSON is the stage's original configuration blob from the
	// pipeline description, handed to Start verbatim.
	ConfigJSON string
}

// Kind returns the stage's declared kind.
func (h *Handle) Kind() stage.Kind { return h.Record.Kind }

// Open resolves and loads the shared library at path and locates its init
// symbol. It fails with a *ModuleLoadError when the library cannot be
// opened and ErrSymbolMissing when the init symbol is absent or has the
// wrong shape.
func Open(path string) (*Module, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, &ModuleLoadError{Path: path, Err: err}
	}
	sym, err := lib.Lookup(stage.InitSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolMissing, stage.InitSymbol, path)
	}
	init, ok := sym.(func(*stage.Record))
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s has wrong type", ErrSymbolMissing, stage.InitSymbol, path)
	}
	return &Module{Path: path, init: init, lib: lib}, nil
}

// OpenKind resolves a descriptor's kind name: built-in registrations win,
// otherwise the platform shared-library layout under pluginsDir is tried.
func OpenKind(kind, pluginsDir string) (*Module, error) {
	if init, ok := stage.Builtin(kind); ok {
		return &Module{Path: kind, Builtin: true, init: init}, nil
	}
	path := KindPath(kind, pluginsDir)
	m, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q (tried %s): %v", ErrUnknownKind, kind, path, err)
	}
	return m, nil
}

// KindPath maps a kind name to the conventional shared-library location:
// <pluginsDir>/<kind>/<kind><ext> with the platform extension.
func KindPath(kind, pluginsDir string) string {
	return filepath.Join(pluginsDir, kind, kind+libExt())
}

func libExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// Init calls the module's init function on a zeroed record and validates
// the result against ABI version 1: a supported version, a known kind,
// start and stop callbacks, and an on-frame callback on sinks (inputs must
// leave it nil).
func Init(m *Module) (*Handle, error) {
	rec := &stage.Record{}
	m.init(rec)

	if rec.Version != stage.ABIVersion {
		return nil, &IncompatibleVersionError{Path: m.Path, Got: rec.Version}
	}
	if !rec.Kind.Valid() {
		return nil, &InvalidStageError{Path: m.Path, Reason: fmt.Sprintf("unknown kind %d", int(rec.Kind))}
	}
	if rec.Start == nil || rec.Stop == nil {
		return nil, &InvalidStageError{Path: m.Path, Reason: "missing start/stop callback"}
	}
	if rec.Kind == stage.Input {
		if rec.OnFrame != nil {
			return nil, &InvalidStageError{Path: m.Path, Reason: "input stage must not set on_frame"}
		}
	} else if rec.OnFrame == nil {
		return nil, &InvalidStageError{Path: m.Path, Reason: "sink stage missing on_frame"}
	}

	return &Handle{Record: rec, Module: m}, nil
}

// Close releases the module reference. The Go runtime never unloads a
// shared library, so for dynamic modules this is bookkeeping only; it must
// still not be called while any Handle referencing the module is live.
func (m *Module) Close() {
	m.lib = nil
	m.init = nil
}
