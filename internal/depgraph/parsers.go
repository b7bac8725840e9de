package depgraph

import (
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// SourceFile is a raw input to the analyzer when no explicit plan
// dependency list was declared.
type SourceFile struct {
	Path    string
	Content string
	// LanguageHint dispatches which parser below scans Content for
	// import-like directives: "go", "python", "javascript"/"typescript".
	// Any other value (including empty) yields an empty dependency set.
	LanguageHint string
}

var (
	pyImportRe  = regexp.MustCompile(`(?m)^\s*(?:from\s+([.\w]+)\s+import|import\s+([.\w]+))`)
	esImportRe  = regexp.MustCompile(`(?m)import\s+(?:[\w*{}\s,]+\s+from\s+)?['"]([^'"]+)['"]`)
	esRequireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
)

// ParseImports returns the raw import targets declared in src, dispatched
// by src.LanguageHint. Targets are whatever the source text names them
// (dotted module, relative path, package specifier) — resolution against
// the plan's known file set happens in BuildFromSources.
func ParseImports(src SourceFile) []string {
	switch strings.ToLower(src.LanguageHint) {
	case "go", "golang":
		return parseGoImports(src.Content)
	case "python", "py":
		return parsePythonImports(src.Content)
	case "javascript", "js", "typescript", "ts":
		return parseESImports(src.Content)
	default:
		return nil
	}
}

func parseGoImports(content string) []string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "", content, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(f.Imports))
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		out = append(out, path)
	}
	return out
}

func parsePythonImports(content string) []string {
	var out []string
	for _, m := range pyImportRe.FindAllStringSubmatch(content, -1) {
		if m[1] != "" {
			out = append(out, m[1])
		} else if m[2] != "" {
			out = append(out, m[2])
		}
	}
	return out
}

func parseESImports(content string) []string {
	var out []string
	for _, m := range esImportRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	for _, m := range esRequireRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	return out
}

// BuildFromSources builds a Graph directly from raw source files,
// resolving each parsed import target against the other files' paths
// by suffix or substring match (e.g. "pkg/foo" resolves to ".../pkg/foo.go") and
// recording unresolved imports as missing targets rather than failing.
func BuildFromSources(files []SourceFile) *Graph {
	g := &Graph{
		nodes:          make(map[string]struct{}),
		edges:          make(map[string][]string),
		MissingTargets: make(map[string][]string),
	}
	for _, f := range files {
		g.nodes[f.Path] = struct{}{}
	}
	for _, f := range files {
		seen := make(map[string]bool)
		for _, raw := range ParseImports(f) {
			target := resolveImport(raw, f.Path, files)
			if target == "" {
				g.MissingTargets[f.Path] = append(g.MissingTargets[f.Path], raw)
				continue
			}
			if target == f.Path || seen[target] {
				continue
			}
			seen[target] = true
			g.edges[f.Path] = append(g.edges[f.Path], target)
		}
	}
	return g
}

func resolveImport(raw, from string, files []SourceFile) string {
	cleaned := strings.TrimPrefix(raw, "./")
	cleaned = strings.TrimPrefix(cleaned, "../")
	// dotted module names (pkg.util) address the same tree as slashed
	// paths (pkg/util), so try both spellings.
	slashed := strings.ReplaceAll(cleaned, ".", "/")
	for _, f := range files {
		if f.Path == raw {
			return f.Path
		}
		if strings.HasSuffix(f.Path, cleaned) || strings.Contains(f.Path, cleaned) {
			return f.Path
		}
		if slashed != cleaned && (strings.HasSuffix(f.Path, slashed) || strings.Contains(f.Path, slashed)) {
			return f.Path
		}
	}
	return ""
}
