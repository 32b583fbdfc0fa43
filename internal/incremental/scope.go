package incremental

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/codesweep/codesweep/internal/types"
)

// ScopeType categorizes a detected lexical region
type ScopeType string

const (
	ScopeFunction ScopeType = "function"
	ScopeClass    ScopeType = "class"
	ScopeBlock    ScopeType = "block"
	ScopeFile     ScopeType = "file"
)

// DocumentScope is a lexical region tracked independently for incremental
// re-analysis. Line numbers are 0-based and inclusive. Each line belongs to
// the innermost tracked scope; the hash changes iff the scope text changes.
type DocumentScope struct {
	Type         ScopeType     `json:"type"`
	Name         string        `json:"name"`
	StartLine    int           `json:"start_line"`
	EndLine      int           `json:"end_line"`
	Language     string        `json:"language"`
	Hash         string        `json:"hash"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Exports      []string      `json:"exports,omitempty"`
	Issues       []types.Issue `json:"issues,omitempty"`
	LastAnalyzed time.Time     `json:"last_analyzed,omitempty"`

	// text holds the scope's source lines so later analyses can reconstruct
	// an approximation of the previous document for diffing.
	text []string
}

// Text returns the scope's source as a single string.
func (s *DocumentScope) Text() string {
	return strings.Join(s.text, "\n")
}

// LineCount returns the number of lines the scope spans.
func (s *DocumentScope) LineCount() int {
	return s.EndLine - s.StartLine + 1
}

// ScopeDetector parses source text into named lexical scopes using
// per-language structural heuristics: brace tracking for C-like languages,
// indentation tracking for Python-like ones. It is heuristic by design;
// a scope boundary that is slightly off only costs extra re-analysis.
type ScopeDetector struct{}

// NewScopeDetector creates a detector.
func NewScopeDetector() *ScopeDetector {
	return &ScopeDetector{}
}

var (
	// C-like declarations
	funcDeclRe  = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:public\s+|private\s+|protected\s+|static\s+|async\s+)*(?:function\s*\*?\s*([A-Za-z_$][\w$]*)|func\s+(?:\([^)]*\)\s+)?([A-Za-z_][\w]*)|([A-Za-z_$][\w$]*)\s*(?::|=)\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*=>))`)
	classDeclRe = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?(?:class|interface|struct)\s+([A-Za-z_$][\w$]*)`)

	// Python declarations
	pyDefRe   = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_][\w]*)\s*\(`)
	pyClassRe = regexp.MustCompile(`^(\s*)class\s+([A-Za-z_][\w]*)`)

	// Imports and exports
	importRe   = regexp.MustCompile(`(?:^|\s)(?:import\s+.*?from\s+['"]([^'"]+)['"]|require\s*\(\s*['"]([^'"]+)['"]\s*\)|import\s+['"]([^'"]+)['"]|from\s+([\w.]+)\s+import)`)
	exportRe   = regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:const|let|var|function|class)\s*\*?\s*([A-Za-z_$][\w$]*)`)
	callSiteRe = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*\(`)
)

// callKeywords are identifiers that look like call sites but are control
// flow, not dependencies.
var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "func": true, "def": true, "print": true,
	"super": true, "constructor": true, "typeof": true, "new": true,
}

// Detect parses content into scopes. When no function or class structure is
// found, the whole document becomes a single file scope so analysis always
// has something to attach issues to.
func (d *ScopeDetector) Detect(content, language string) []*DocumentScope {
	lines := splitLines(content)
	var scopes []*DocumentScope
	if isIndentLanguage(language) {
		scopes = d.detectIndentScopes(lines, language)
	} else {
		scopes = d.detectBraceScopes(lines, language)
	}

	if len(scopes) == 0 {
		scopes = append(scopes, d.buildScope(ScopeFile, fileScopeName, 0, len(lines)-1, language, lines))
	}
	return scopes
}

// fileScopeName names the implicit whole-document scope.
const fileScopeName = "<file>"

// detectBraceScopes walks brace-structured source tracking declaration
// starts and their matching closing depth.
func (d *ScopeDetector) detectBraceScopes(lines []string, language string) []*DocumentScope {
	type openScope struct {
		scopeType ScopeType
		name      string
		startLine int
		depth     int
	}
	var (
		scopes []*DocumentScope
		stack  []openScope
		depth  int
	)

	for i, line := range lines {
		if m := classDeclRe.FindStringSubmatch(line); m != nil {
			stack = append(stack, openScope{ScopeClass, m[1], i, depth})
		} else if m := funcDeclRe.FindStringSubmatch(line); m != nil {
			name := firstNonEmpty(m[1:]...)
			stack = append(stack, openScope{ScopeFunction, name, i, depth})
		}

		for _, ch := range line {
			switch ch {
			case '{':
				depth++
			case '}':
				depth--
				for len(stack) > 0 && depth <= stack[len(stack)-1].depth {
					open := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					scopes = append(scopes, d.buildScope(open.scopeType, open.name, open.startLine, i, language, lines))
				}
			}
		}
	}

	// Unterminated scopes run to end of document.
	for len(stack) > 0 {
		open := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		scopes = append(scopes, d.buildScope(open.scopeType, open.name, open.startLine, len(lines)-1, language, lines))
	}
	return scopes
}

// detectIndentScopes handles indentation-structured source (Python). A
// scope ends at the first non-blank line indented at or below its header.
func (d *ScopeDetector) detectIndentScopes(lines []string, language string) []*DocumentScope {
	var scopes []*DocumentScope
	for i, line := range lines {
		var (
			indent    string
			name      string
			scopeType ScopeType
		)
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			indent, name, scopeType = m[1], m[2], ScopeFunction
		} else if m := pyClassRe.FindStringSubmatch(line); m != nil {
			indent, name, scopeType = m[1], m[2], ScopeClass
		} else {
			continue
		}

		end := len(lines) - 1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "" {
				continue
			}
			if indentWidth(lines[j]) <= len(indent) {
				end = j - 1
				break
			}
		}
		for end > i && strings.TrimSpace(lines[end]) == "" {
			end--
		}
		scopes = append(scopes, d.buildScope(scopeType, name, i, end, language, lines))
	}
	return scopes
}

// buildScope assembles a scope record with hash, dependency, and export
// extraction over its text.
func (d *ScopeDetector) buildScope(scopeType ScopeType, name string, start, end int, language string, lines []string) *DocumentScope {
	if start < 0 {
		start = 0
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}
	if end < start {
		end = start
	}
	text := make([]string, end-start+1)
	copy(text, lines[start:end+1])

	scope := &DocumentScope{
		Type:      scopeType,
		Name:      name,
		StartLine: start,
		EndLine:   end,
		Language:  language,
		text:      text,
	}
	scope.Hash = HashText(scope.Text())
	scope.Dependencies = extractDependencies(text, name)
	scope.Exports = extractExports(text)
	return scope
}

// extractDependencies collects imported module names and called identifiers
// so a changed scope can invalidate scopes that reference it by name.
func extractDependencies(lines []string, selfName string) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(name string) {
		if name == "" || name == selfName || callKeywords[name] || seen[name] {
			return
		}
		seen[name] = true
		deps = append(deps, name)
	}

	for _, line := range lines {
		if m := importRe.FindStringSubmatch(line); m != nil {
			add(firstNonEmpty(m[1:]...))
		}
		for _, m := range callSiteRe.FindAllStringSubmatch(line, -1) {
			add(m[1])
		}
	}
	return deps
}

// extractExports collects declared public names.
func extractExports(lines []string) []string {
	seen := make(map[string]bool)
	var exports []string
	for _, line := range lines {
		if m := exportRe.FindStringSubmatch(line); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			exports = append(exports, m[1])
		}
	}
	return exports
}

// HashText returns a short stable content hash. FNV-1a is enough here: the
// hash gates re-analysis, it is not a security boundary.
func HashText(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%016x", h.Sum64())
}

func isIndentLanguage(language string) bool {
	switch strings.ToLower(language) {
	case "python", "py":
		return true
	}
	return false
}

func splitLines(content string) []string {
	return strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
}

func indentWidth(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
