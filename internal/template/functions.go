package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var funcRegistry = map[string]func(args string) (string, error){
	"uuid":         fnUUID,
	"timestamp":    fnTimestamp,
	"timestamp_ms": fnTimestampMs,
	"date":         fnDate,
}

// now is replaced in tests.
var now = time.Now

// evalFunction evaluates a built-in function call such as uuid() or
// date(2006-01-02). isFn is false when expr is not a known function call.
func evalFunction(expr string) (result string, isFn bool, err error) {
	parenIdx := strings.Index(expr, "(")
	if parenIdx == -1 || !strings.HasSuffix(expr, ")") {
		return "", false, nil
	}

	funcName := expr[:parenIdx]
	args := expr[parenIdx+1 : len(expr)-1]

	fn, ok := funcRegistry[funcName]
	if !ok {
		return "", false, nil
	}

	result, err = fn(args)
	if err != nil {
		return "", true, fmt.Errorf("function %s: %w", funcName, err)
	}
	return result, true, nil
}

func fnUUID(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("uuid() takes no arguments")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func fnTimestamp(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp() takes no arguments")
	}
	return strconv.FormatInt(now().Unix(), 10), nil
}

func fnTimestampMs(args string) (string, error) {
	if args != "" {
		return "", fmt.Errorf("timestamp_ms() takes no arguments")
	}
	return strconv.FormatInt(now().UnixMilli(), 10), nil
}

// fnDate formats the current time with a Go reference layout, RFC 3339 when
// the layout is empty: date(2006-01-02) -> 2024-01-15.
func fnDate(args string) (string, error) {
	layout := strings.TrimSpace(args)
	if layout == "" {
		layout = time.RFC3339
	}
	return now().Format(layout), nil
}
