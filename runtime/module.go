package runtime

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.bytecodealliance.org/wit"

	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
)

// Module is a loaded guest with the export surface bound to it.
type Module struct {
	runtime  *Runtime
	wmod     *engine.WazeroModule
	witText  string
	sigs     map[string]*signature
	sigsErr  error
	sigsOnce sync.Once
}

func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	winst, err := m.wmod.Instantiate(ctx)
	if err != nil {
		return nil, err
	}

	return &Instance{
		module: m,
		winst:  winst,
	}, nil
}

// ExportNames lists the guest's exported functions, sorted.
func (m *Module) ExportNames() []string {
	return m.wmod.ExportNames()
}

type signature struct {
	params  []wit.Type
	results []wit.Type
}

// Functions lists the function names declared in the WIT text, sorted.
func (m *Module) Functions() ([]string, error) {
	m.sigsOnce.Do(func() {
		m.sigs, m.sigsErr = parseWitFunctions(m.witText)
	})

	if m.sigsErr != nil {
		return nil, m.sigsErr
	}
	names := make([]string, 0, len(m.sigs))
	for name := range m.sigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Signature returns the WIT param and result types declared for an exported
// function. The WIT text is parsed lazily on first call.
func (m *Module) Signature(name string) ([]wit.Type, []wit.Type, error) {
	m.sigsOnce.Do(func() {
		m.sigs, m.sigsErr = parseWitFunctions(m.witText)
	})

	if m.sigsErr != nil {
		return nil, nil, m.sigsErr
	}

	sig, ok := m.sigs[name]
	if !ok {
		return nil, nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	return sig.params, sig.results, nil
}

// parseWitFunctions extracts function signatures from WIT text.
// Pattern: [export] name: func(params) -> result;
func parseWitFunctions(witText string) (map[string]*signature, error) {
	if witText == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "no WIT text provided")
	}

	funcs := make(map[string]*signature)

	funcPattern := regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

	matches := funcPattern.FindAllStringSubmatch(witText, -1)
	for _, match := range matches {
		name := match[1]
		paramsStr := strings.TrimSpace(match[2])
		resultStr := strings.TrimSpace(match[3])

		sig := &signature{}

		if paramsStr != "" {
			for _, p := range strings.Split(paramsStr, ",") {
				typStr := p
				if idx := strings.LastIndex(p, ":"); idx != -1 {
					typStr = p[idx+1:]
				}
				t, err := parseWitType(typStr)
				if err != nil {
					return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "parse param type "+strings.TrimSpace(typStr))
				}
				sig.params = append(sig.params, t)
			}
		}

		if resultStr != "" && resultStr != "()" {
			t, err := parseWitType(resultStr)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "parse result type "+resultStr)
			}
			sig.results = []wit.Type{t}
		}

		funcs[name] = sig
	}

	if len(funcs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "no functions found in WIT text")
	}
	return funcs, nil
}

func parseWitType(s string) (wit.Type, error) {
	return wit.ParseType(strings.TrimSpace(s))
}
