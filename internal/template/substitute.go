// Package template expands the ${...} placeholders of framework command
// lines and pulls fields out of the JSON reports those commands produce.
package template

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Vars holds the values available to a command line, e.g. project_root,
// work_dir, events_path or test_id.
type Vars map[string]string

// Merge returns a copy of v with every entry of other added, other
// winning on conflicts.
func (v Vars) Merge(other Vars) Vars {
	out := make(Vars, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute replaces ${var}, ${env:VAR} and ${fn(args)} placeholders in
// text. All missing variables are reported together.
func Substitute(text string, vars Vars) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var errs []error
	result := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-1]

		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			if val, ok := os.LookupEnv(envName); ok {
				return val
			}
			errs = append(errs, fmt.Errorf("env var %q not set", envName))
			return match
		}

		if val, isFn, err := evalFunction(name); isFn {
			if err != nil {
				errs = append(errs, err)
				return match
			}
			return val
		}

		if val, ok := vars[name]; ok {
			return val
		}
		errs = append(errs, fmt.Errorf("variable %q not found", name))
		return match
	})

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return result, nil
}

// SubstituteArgs applies Substitute to every element of an argv. Each
// element stays one argument after expansion, whatever it expands to.
func SubstituteArgs(args []string, vars Vars) ([]string, error) {
	if args == nil {
		return nil, nil
	}

	out := make([]string, len(args))
	var errs []error
	for i, a := range args {
		s, err := Substitute(a, vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("arg %d: %w", i, err))
			continue
		}
		out[i] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
