// mu CLI - runs mu scripts, starts a REPL or the language server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/mu/compiler"
	"github.com/chazu/mu/manifest"
	"github.com/chazu/mu/server"
	"github.com/chazu/mu/vm"
	"github.com/chazu/mu/vm/dist"
)

var log = commonlog.GetLogger("mu.cli")

func main() {
	verbose := flag.Int("v", 0, "Increase log verbosity (1 info, 2 debug)")
	disasm := flag.Bool("disasm", false, "Print the disassembly of each file instead of running it")
	interactive := flag.Bool("i", false, "Start interactive REPL after running files")
	lspMode := flag.Bool("lsp", false, "Run the language server on stdio")
	noCache := flag.Bool("no-cache", false, "Disable the compile cache")
	configDir := flag.String("config", "", "Directory containing mu.toml (default: search upward from the working directory)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mu [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs mu scripts. With no files, runs the project entry or starts a REPL.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mu                     # Run the mu.toml entry, or start a REPL\n")
		fmt.Fprintf(os.Stderr, "  mu script.mu           # Run a script and print its result\n")
		fmt.Fprintf(os.Stderr, "  mu -disasm script.mu   # Show bytecode\n")
		fmt.Fprintf(os.Stderr, "  mu -lsp                # Language server for editors\n")
	}
	flag.Parse()

	m, found, err := loadManifest(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(m, *verbose)
	if found {
		log.Infof("using %s", filepath.Join(m.Dir, manifest.FileName))
	}

	rt := vm.NewRuntime()
	defer rt.Close()
	rt.SetMaxCallDepth(m.VM.MaxCallDepth)

	compile := vm.CompileFunc(compiler.Compile)
	if m.Cache.Enabled && !*noCache && !*lspMode {
		store, err := openCache(m.CachePath())
		if err != nil {
			log.Warningf("compile cache disabled: %s", err)
		} else {
			defer store.Close()
			compile = store.Wrap(compile)
		}
	}
	rt.UseCompiler(compile)

	if *lspMode {
		if err := server.NewLSP(rt).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Language server error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	paths := flag.Args()
	if len(paths) == 0 && found && !*interactive {
		paths = []string{m.EntryPath()}
	}

	for i, path := range paths {
		result, err := runFile(rt, path, *disasm)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if i == len(paths)-1 && !result.IsNil() {
			fmt.Println(result.Repr())
		}
		vm.Release(result)
	}

	if *interactive || len(paths) == 0 {
		runREPL(rt, os.Stdin, os.Stdout, isTerminal(os.Stdin))
	}
}

// loadManifest loads mu.toml from dir, or searches upward from the working
// directory when dir is empty. Without a manifest the defaults apply.
func loadManifest(dir string) (*manifest.Manifest, bool, error) {
	if dir != "" {
		m, err := manifest.Load(dir)
		return m, err == nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, false, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		return manifest.Default(wd), false, nil
	}
	return m, true, nil
}

func configureLogging(m *manifest.Manifest, verbose int) {
	verbosity := m.Log.Verbosity + verbose
	if path := m.LogPath(); path != "" {
		commonlog.Configure(verbosity, &path)
	} else {
		commonlog.Configure(verbosity, nil)
	}
}

func openCache(path string) (*dist.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return dist.Open(path)
}

// runFile compiles and runs a script at top level. The result is owned by
// the caller. With disasm set the listing is printed and nothing runs.
func runFile(rt *vm.Runtime, path string, disasm bool) (vm.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return vm.Nil, err
	}
	fn, err := rt.Compile(path, string(src))
	if err != nil {
		return vm.Nil, err
	}
	defer fn.Release()
	if disasm {
		fmt.Println(fn.Disassemble())
		return vm.Nil, nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	log.Debugf("running %s", path)
	return rt.Exec(ctx, fn, nil)
}
