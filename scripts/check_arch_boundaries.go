package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePrefix = "cadastral-batch/internal/"

var allowed = map[string]map[string]bool{
	"cmd": {
		"cli": true,
	},
	"cli": {
		"batch":    true,
		"config":   true,
		"geocore":  true,
		"ingest":   true,
		"logctx":   true,
		"model":    true,
		"progress": true,
		"runstore": true,
	},
	"batch": {
		"geocore":  true,
		"idgen":    true,
		"logctx":   true,
		"model":    true,
		"progress": true,
		"sentinel": true,
	},
	"progress": {
		"geocore":  true,
		"idgen":    true,
		"logctx":   true,
		"model":    true,
		"sentinel": true,
	},
	"geocore": {
		"logctx":   true,
		"model":    true,
		"sentinel": true,
	},
	"ingest": {
		"idgen":  true,
		"logctx": true,
		"model":  true,
	},
	"sentinel": {
		"model": true,
	},
	"config":   {},
	"idgen":    {},
	"logctx":   {},
	"model":    {},
	"runstore": {},
}

// Only the backend client talks HTTP. ingest uses net/http for content
// sniffing only.
var httpOwners = map[string]bool{
	"geocore": true,
	"ingest":  true,
}

func main() {
	var violations []string
	for _, root := range []string{"internal", "cmd"} {
		v, err := checkTree(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "boundary walk failed: %v\n", err)
			os.Exit(1)
		}
		violations = append(violations, v...)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}

	fmt.Println("architecture boundary check: OK")
}

func checkTree(root string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		srcPkg := sourcePackage(path)
		if srcPkg == "" {
			return nil
		}
		allowMap, ok := allowed[srcPkg]
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: unknown source package %q", path, srcPkg))
			return nil
		}

		file, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, imp := range file.Imports {
			impPath := strings.Trim(imp.Path.Value, "\"")
			if impPath == "net/http" && !httpOwners[srcPkg] {
				violations = append(violations, fmt.Sprintf("%s: %s must not import net/http", path, srcPkg))
				continue
			}
			tgtPkg, ok := targetPackage(impPath)
			if !ok || tgtPkg == srcPkg {
				continue
			}
			if !allowMap[tgtPkg] {
				violations = append(violations, fmt.Sprintf("%s: %s -> %s is forbidden", path, srcPkg, tgtPkg))
			}
		}
		return nil
	})
	return violations, err
}

// sourcePackage maps internal/<pkg>/... to <pkg> and every main package
// under cmd/ to "cmd".
func sourcePackage(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 2 {
		return ""
	}
	switch parts[0] {
	case "internal":
		return parts[1]
	case "cmd":
		return "cmd"
	}
	return ""
}

func targetPackage(importPath string) (string, bool) {
	rest, ok := strings.CutPrefix(importPath, modulePrefix)
	if !ok || rest == "" {
		return "", false
	}
	pkg, _, _ := strings.Cut(rest, "/")
	return pkg, true
}
