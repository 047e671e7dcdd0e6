package hook

import (
	"path/filepath"
	"strings"
	"unicode"
)

// DefaultDeny lists project-relative path prefixes that belong to virtual
// environments, the test harness or the tracer itself: its pytest plugin and
// the per-test work directories, which live under the project root when
// temp_dir points there.
var DefaultDeny = []string{
	".venv/",
	"venv/",
	".tox/",
	".nox/",
	"node_modules/",
	"site-packages/",
	"_pytest/",
	"pluggy/",
	"calltrace_pytest.py",
	"calltrace-run-",
	"calltrace-collect-",
}

// Filter decides which frames belong to the traced project.
type Filter struct {
	// BaseDir is the project root; frames outside it are dropped and paths
	// inside it are reported relative to it.
	BaseDir string
	// Allow restricts tracing to these relative prefixes when non-empty.
	Allow []string
	// Deny excludes relative prefixes in addition to DefaultDeny.
	Deny []string
	// Suffixes restricts tracing to source files with these extensions.
	Suffixes []string
}

// Match reports whether a frame in file running fn should be recorded and
// returns its project-relative path.
func (f Filter) Match(file, fn string) (string, bool) {
	if file == "" || !validCallable(fn) {
		return "", false
	}
	abs := file
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.BaseDir, abs)
	}
	rel, err := filepath.Rel(f.BaseDir, filepath.Clean(abs))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	rel = filepath.ToSlash(rel)

	if len(f.Suffixes) > 0 && !hasAnySuffix(rel, f.Suffixes) {
		return "", false
	}
	if denied(rel, DefaultDeny) || denied(rel, f.Deny) {
		return "", false
	}
	if len(f.Allow) > 0 && !hasAnyPrefix(rel, f.Allow) {
		return "", false
	}
	return rel, true
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// denied also matches deny prefixes nested below the root, so
// "lib/python3.11/site-packages/x.py" is excluded by "site-packages/".
func denied(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) || strings.Contains(s, "/"+p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, x := range suffixes {
		if strings.HasSuffix(s, x) {
			return true
		}
	}
	return false
}

var keywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true, "def": true,
	"del": true, "elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true, "is": true,
	"lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// validCallable rejects pseudo frames such as "<module>" or "<listcomp>".
// Qualified names ("pkg.(*T).Method") are judged by their last segment.
func validCallable(fn string) bool {
	if i := strings.LastIndexByte(fn, '.'); i >= 0 {
		fn = fn[i+1:]
	}
	if fn == "" || keywords[fn] {
		return false
	}
	for i, r := range fn {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
