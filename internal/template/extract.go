package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract reads fields out of a JSON document. Rules map a name to a
// JSONPath-style expression ($.tests[0].outcome), converted to gjson
// syntax. Every missing path is reported; found fields are still returned
// alongside the error so callers can fall back field by field.
func Extract(body []byte, rules map[string]string) (map[string]gjson.Result, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON document")
	}

	result := make(map[string]gjson.Result, len(rules))
	var errs []error
	for name, path := range rules {
		value := gjson.GetBytes(body, gjsonPath(path))
		if !value.Exists() {
			errs = append(errs, fmt.Errorf("path %q not found for %q", path, name))
			continue
		}
		result[name] = value
	}
	return result, errors.Join(errs...)
}

// gjsonPath converts JSONPath syntax to a gjson path.
// $.foo.bar -> foo.bar, $.items[0].id -> items.0.id, $.data[*].name -> data.#.name
func gjsonPath(path string) string {
	if strings.HasPrefix(path, "$.") {
		path = path[2:]
	} else if strings.HasPrefix(path, "$") {
		path = path[1:]
	}

	var b strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '[' {
			j := strings.IndexByte(path[i:], ']')
			if j > 0 {
				content := path[i+1 : i+j]
				if content == "*" {
					b.WriteString(".#")
				} else {
					b.WriteByte('.')
					b.WriteString(content)
				}
				i += j + 1
				continue
			}
		}
		b.WriteByte(path[i])
		i++
	}
	return b.String()
}
