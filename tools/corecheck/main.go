// Command corecheck enforces the import boundary of the governance core.
//
// The core packages decide and record; they must not reach the serving surface,
// the assembly layer or sources of nondeterminism. Test files are not checked.
//
// Usage:
//
//	go run ./tools/corecheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// corePackages are the directories under pkg/ that form the governance core.
var corePackages = []string{
	"canonicalize", "determinism", "ledger", "epoch",
	"governance", "lifecycle", "promotion", "replay",
}

// forbidden lists import path fragments no core file may import.
var forbidden = []string{
	"math/rand",
	"net/http",
	"/pkg/api",
	"/pkg/artifacts",
	"/pkg/kernelruntime",
	"/pkg/observability",
	"/pkg/projection",
	"/cmd/",
	"go.opentelemetry.io/",
}

// Violation is one forbidden import.
type Violation struct {
	File     string
	Line     int
	Import   string
	Fragment string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Fragment)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := Check(root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "CORE VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d core boundary violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "core boundary check passed")
	return 0
}

// Check parses the imports of every non-test Go file in the core packages under root.
func Check(root string) ([]Violation, error) {
	fset := token.NewFileSet()
	var out []Violation
	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("core package %s: %w", pkg, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				idx := slices.IndexFunc(forbidden, func(frag string) bool {
					return strings.Contains(importPath, frag)
				})
				if idx < 0 {
					continue
				}
				rel, _ := filepath.Rel(root, path)
				out = append(out, Violation{
					File:     rel,
					Line:     fset.Position(imp.Pos()).Line,
					Import:   importPath,
					Fragment: forbidden[idx],
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
