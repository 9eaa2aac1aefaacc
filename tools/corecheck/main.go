// Command corecheck keeps the decision core free of delivery concerns.
//
// The packages that decide and seal gate outcomes must not import storage,
// transport, cloud SDKs or the built-in gate runtimes, so that they can be
// embedded without them.
//
// Usage:
//
//	go run ./tools/corecheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// corePackages are checked, relative to the module root.
var corePackages = []string{
	"pkg/gate",
	"pkg/policy",
	"pkg/enforcement",
	"pkg/receipts",
	"pkg/merkle",
	"pkg/canonicalize",
	"pkg/crypto",
	"pkg/audit",
}

// forbiddenFragments may not appear in any import path of a non-test core file.
var forbiddenFragments = []string{
	"mlgate/pkg/store",
	"mlgate/pkg/stream",
	"mlgate/pkg/archive",
	"mlgate/pkg/review",
	"mlgate/pkg/gates",
	"mlgate/pkg/orchestrator",
	"mlgate/pkg/config",
	"mlgate/cmd",
	"database/sql",
	"net/http",
	"github.com/redis/",
	"github.com/aws/",
	"cloud.google.com/",
	"github.com/tetratelabs/wazero",
	"github.com/lib/pq",
	"modernc.org/sqlite",
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
	root := flag.String("root", ".", "Module root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, corePackages, forbiddenFragments)
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

// check parses the imports of every non-test Go file under each package
// directory and reports the forbidden ones.
func check(root string, packages, fragments []string) ([]Violation, error) {
	fset := token.NewFileSet()
	var out []Violation
	for _, pkg := range packages {
		dir := filepath.Join(root, filepath.FromSlash(pkg))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("core package %s: %w", pkg, err)
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
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
			rel, _ := filepath.Rel(root, path)
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range fragments {
					if strings.Contains(importPath, frag) {
						out = append(out, Violation{
							File:     filepath.ToSlash(rel),
							Line:     fset.Position(imp.Pos()).Line,
							Import:   importPath,
							Fragment: frag,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
