package runtime

import (
	"context"

	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
)

type Runtime struct {
	engine  *engine.WazeroEngine
	exports *Exports
}

func New(ctx context.Context) (*Runtime, error) {
	return NewWithConfig(ctx, nil)
}

func NewWithConfig(ctx context.Context, cfg *engine.Config) (*Runtime, error) {
	eng, err := engine.NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	return &Runtime{
		engine:  eng,
		exports: newExports(),
	}, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Init runs the one-time module-init hook against the export surface.
// It is the explicit registration point the loader calls before any guest
// is loaded; once the surface is sealed Init refuses to run.
func (r *Runtime) Init(fn func(*Exports) error) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "nil init hook")
	}
	if r.exports.Sealed() {
		return errors.Sealed("init")
	}
	return fn(r.exports)
}

// Exports returns the export surface for direct registration.
func (r *Runtime) Exports() *Exports {
	return r.exports
}

// Load compiles guest wasm bytes and binds the export surface to them.
// The first Load seals the surface. witText optionally describes the
// guest's exported function signatures for typed calls; pass "" to use
// CallRaw only.
func (r *Runtime) Load(ctx context.Context, wasm []byte, witText string) (*Module, error) {
	wmod, err := r.engine.CompileModule(ctx, wasm)
	if err != nil {
		return nil, err
	}

	r.exports.seal()
	if err := r.exports.bind(wmod); err != nil {
		return nil, err
	}

	return &Module{
		runtime: r,
		wmod:    wmod,
		witText: witText,
	}, nil
}
