package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/addonkit/addon-runtime/runtime"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to guest wasm file")
		witFile     = flag.String("wit", "", "Path to WIT file describing guest exports")
		funcName    = flag.String("func", "", "Function to call (optional)")
		strArg      = flag.String("arg", "", "String argument to pass")
		list        = flag.Bool("list", false, "List exported functions and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: addon-run -wasm <file.wasm> [-wit <file.wit>] [-func name] [-arg string]")
		fmt.Fprintln(os.Stderr, "       addon-run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       addon-run -wasm <file.wasm> -wit <file.wit> -i  (interactive mode)")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode requires a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*wasmFile, *witFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*wasmFile, *witFile, *funcName, *strArg, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// registerHost attaches the built-in host exports guests can import from
// the "env" namespace.
func registerHost(rt *runtime.Runtime) error {
	return rt.Init(func(exp *runtime.Exports) error {
		return exp.Set("hello", func(ctx context.Context, call *runtime.Call) error {
			return call.SetReturnText("hello " + call.Text(0))
		})
	})
}

func run(wasmFile, witFile, funcName, strArg string, listOnly bool) error {
	ctx := context.Background()

	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read wasm: %w", err)
	}

	witText := ""
	if witFile != "" {
		witData, err := os.ReadFile(witFile)
		if err != nil {
			return fmt.Errorf("read wit: %w", err)
		}
		witText = string(witData)
	}

	rt, err := runtime.New(ctx)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	if err := registerHost(rt); err != nil {
		return fmt.Errorf("register host functions: %w", err)
	}

	module, err := rt.Load(ctx, data, witText)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	fmt.Printf("Guest: %s\n", wasmFile)
	fmt.Printf("Host exports: %s\n", strings.Join(rt.Exports().Names(), ", "))

	fmt.Printf("\nExported functions:\n")
	for _, name := range module.ExportNames() {
		sigStr := ""
		if witText != "" {
			if params, results, err := module.Signature(name); err == nil {
				sigStr = formatSignature(params, results)
			}
		}
		fmt.Printf("  %s%s\n", name, sigStr)
	}

	if listOnly {
		return nil
	}

	if funcName == "" {
		fmt.Printf("\nNo function specified. Use -func to call an export.\n")
		return nil
	}
	if witText == "" {
		return fmt.Errorf("calling %s requires -wit for its signature", funcName)
	}

	instance, err := module.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer instance.Close(ctx)

	params, _, err := module.Signature(funcName)
	if err != nil {
		return fmt.Errorf("signature of %s: %w", funcName, err)
	}

	var args []any
	if len(params) > 0 {
		args = []any{convertArg(strArg, params[0])}
	}

	fmt.Printf("\nCalling %s(%q)...\n", funcName, strArg)
	result, err := instance.Call(ctx, funcName, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}

	fmt.Printf("Result: %v\n", result)
	return nil
}
