package domains

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

const modulePrefix = "advocate-chat/go-core/"

func TestArchitecture_DomainPackagesDisallowCompositionAndInfraImports(t *testing.T) {
	forbiddenPrefixes := []string{
		modulePrefix + "internal/composition",
		modulePrefix + "internal/backend",
		modulePrefix + "internal/docstore",
		modulePrefix + "internal/config",
		modulePrefix + "internal/waku",
		modulePrefix + "cmd",
	}
	violations := walkImports(t, func(rel, importPath string) bool {
		for _, prefix := range forbiddenPrefixes {
			if hasPrefixImport(importPath, prefix) {
				return true
			}
		}
		return false
	})
	if len(violations) > 0 {
		t.Fatalf("domain boundary violations detected:\n- %s", strings.Join(violations, "\n- "))
	}
}

// Policy packages hold pure rules: they may only import the standard
// library and the shared models.
func TestArchitecture_PolicyPackagesArePure(t *testing.T) {
	violations := walkImports(t, func(rel, importPath string) bool {
		if filepath.Base(filepath.Dir(rel)) != "policy" {
			return false
		}
		if hasPrefixImport(importPath, modulePrefix+"pkg/models") {
			return false
		}
		first, _, _ := strings.Cut(importPath, "/")
		return strings.Contains(first, ".") || strings.HasPrefix(importPath, modulePrefix)
	})
	if len(violations) > 0 {
		t.Fatalf("policy purity violations detected:\n- %s", strings.Join(violations, "\n- "))
	}
}

// walkImports reports every import of a non-test domain file for which
// forbidden returns true.
func walkImports(t *testing.T, forbidden func(rel, importPath string) bool) []string {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve current test file path")
	}
	domainsDir := filepath.Dir(currentFile)

	fset := token.NewFileSet()
	var violations []string
	walkErr := filepath.WalkDir(domainsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		parsed, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return fmt.Errorf("parse file %s: %w", path, err)
		}
		relPath, relErr := filepath.Rel(domainsDir, path)
		if relErr != nil {
			relPath = path
		}
		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if forbidden(relPath, importPath) {
				pos := fset.Position(imp.Path.Pos())
				violations = append(violations, fmt.Sprintf("%s:%d imports %q", relPath, pos.Line, importPath))
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk domains tree: %v", walkErr)
	}
	return violations
}

func hasPrefixImport(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
