package runtime

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
	"github.com/addonkit/addon-runtime/value"
)

// Handler is a native function attached to the export surface.
type Handler func(ctx context.Context, call *Call) error

type exportEntry struct {
	handler     Handler
	params      []value.Kind
	returnsText bool
}

// Exports is the module export surface: the named native functions a guest
// can import. Populated once, before the first Load; immutable afterward.
type Exports struct {
	entries map[string]*exportEntry
	mu      sync.RWMutex
	sealed  bool
}

func newExports() *Exports {
	return &Exports{
		entries: make(map[string]*exportEntry),
	}
}

// SetOption adjusts one export's declared shape.
type SetOption func(*exportEntry)

// WithParams declares the argument variants the guest passes, in order.
// The default is a single text argument.
func WithParams(kinds ...value.Kind) SetOption {
	return func(e *exportEntry) {
		e.params = kinds
	}
}

// WithNoReturn declares the export returns nothing.
func WithNoReturn() SetOption {
	return func(e *exportEntry) {
		e.returnsText = false
	}
}

// Set attaches a handler under a fixed name. The default shape is the
// addon convention: one text argument in, one text value out.
func (e *Exports) Set(name string, h Handler, opts ...SetOption) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "export name cannot be empty")
	}
	if h == nil {
		return errors.Registration(name, errors.InvalidInput(errors.PhaseHost, "nil handler"))
	}

	ent := &exportEntry{
		handler:     h,
		params:      []value.Kind{value.KindText},
		returnsText: true,
	}
	for _, opt := range opts {
		opt(ent)
	}
	for _, k := range ent.params {
		if k == value.KindMissing {
			return errors.Registration(name, errors.InvalidInput(errors.PhaseHost, "missing is not a declarable parameter kind"))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return errors.Sealed(name)
	}
	if _, exists := e.entries[name]; exists {
		return errors.Registration(name, errors.InvalidInput(errors.PhaseHost, "duplicate export"))
	}
	e.entries[name] = ent
	return nil
}

// SetAddon registers every exported method of a with the Handler signature,
// under kebab-case names (SayHello -> say-hello). Methods with other
// signatures are skipped.
func (e *Exports) SetAddon(a any, opts ...SetOption) error {
	rv := reflect.ValueOf(a)
	rt := rv.Type()

	registered := 0
	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() {
			continue
		}
		fn, ok := rv.Method(i).Interface().(func(context.Context, *Call) error)
		if !ok {
			continue
		}
		if err := e.Set(toKebabCase(method.Name), Handler(fn), opts...); err != nil {
			return err
		}
		registered++
	}

	if registered == 0 {
		return errors.Registration(rt.String(), errors.InvalidInput(errors.PhaseHost, "no methods with the handler signature"))
	}
	return nil
}

// Sealed reports whether the surface has been bound to a module.
func (e *Exports) Sealed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sealed
}

// Names returns the registered export names, sorted.
func (e *Exports) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Exports) seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// bind attaches every export to a compiled module.
func (e *Exports) bind(mod *engine.WazeroModule) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, name := range e.namesLocked() {
		ent := e.entries[name]
		spec := engine.FuncSpec{
			Params:      lowerKinds(ent.params),
			ReturnsText: ent.returnsText,
		}
		if err := mod.Attach(name, spec, hostFunc(name, ent)); err != nil {
			return errors.Registration(name, err)
		}
	}
	return nil
}

func (e *Exports) namesLocked() []string {
	names := make([]string, 0, len(e.entries))
	for name := range e.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lowerKinds(kinds []value.Kind) []engine.ParamKind {
	params := make([]engine.ParamKind, len(kinds))
	for i, k := range kinds {
		switch k {
		case value.KindBytes:
			params[i] = engine.ParamBytes
		case value.KindNumber:
			params[i] = engine.ParamNumber
		case value.KindBool:
			params[i] = engine.ParamBool
		default:
			params[i] = engine.ParamText
		}
	}
	return params
}

// hostFunc adapts one export entry to the engine calling convention.
func hostFunc(name string, ent *exportEntry) engine.HostFunc {
	return func(ctx context.Context, env *engine.CallEnv) (uint64, bool, error) {
		args, err := decodeArgs(name, ent.params, env)
		if err != nil {
			return 0, false, err
		}

		call := newCall(name, args, env, ent.returnsText)
		if err := ent.handler(ctx, call); err != nil {
			call.discard()
			call.finish()
			return 0, false, err
		}

		ret, _ := call.finish()
		return ret, ent.returnsText, nil
	}
}

// toKebabCase converts PascalCase to kebab-case.
// Handles acronyms: GetHTTPStatus -> get-http-status
func toKebabCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if unicode.IsUpper(r) {
			acronymEnd := i + 1
			for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
				acronymEnd++
			}

			if acronymEnd > i+1 {
				// Last uppercase before lowercase starts next word, not part of acronym
				if acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
					acronymEnd--
				}
			}

			if i > 0 {
				result.WriteByte('-')
			}

			for j := i; j < acronymEnd; j++ {
				result.WriteRune(unicode.ToLower(runes[j]))
			}
			i = acronymEnd - 1 // -1 because loop will increment
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
