package trace

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"calltrace/internal/core"
)

const (
	fileExt     = ".json"
	maxNameBase = 200
)

// FileName derives a filesystem-safe base name for a test id. Distinct ids
// may map to the same name; NameTable disambiguates them.
func FileName(id core.TestID) string {
	s := strings.ReplaceAll(string(id), "::", "__")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "test"
	}
	if len(name) > maxNameBase {
		sum := sha1.Sum([]byte(id))
		name = name[:maxNameBase-13] + "-" + hex.EncodeToString(sum[:6])
	}
	return name
}

// NameTable assigns an output file name to every planned test. Names are
// assigned in planned order; a later id whose derived name is already taken
// gets the first free "-N" suffix, so the mapping is deterministic for a
// given plan.
func NameTable(planned []core.TestID) map[core.TestID]string {
	names := make(map[core.TestID]string, len(planned))
	taken := make(map[string]bool, len(planned))
	for _, id := range planned {
		if _, ok := names[id]; ok {
			continue
		}
		names[id] = claim(FileName(id), taken)
	}
	return names
}

func claim(base string, taken map[string]bool) string {
	name := base + fileExt
	for i := 1; taken[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, fileExt)
	}
	taken[name] = true
	return name
}

// Writer persists records under one output directory. Each record is
// written to a temporary file and renamed into place, so readers never see
// partial content.
type Writer struct {
	dir   string
	mu    sync.Mutex
	names map[core.TestID]string
	taken map[string]bool
}

// NewWriter prepares dir and precomputes names for the planned tests. It
// fails when dir cannot be created or written to.
func NewWriter(dir string, planned []core.TestID) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %q: %w", dir, err)
	}
	check, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return nil, fmt.Errorf("output directory %q is not writable: %w", dir, err)
	}
	check.Close()
	os.Remove(check.Name())

	names := NameTable(planned)
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		taken[name] = true
	}
	return &Writer{dir: dir, names: names, taken: taken}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns the final path of the record for id. Ids outside the plan
// are assigned a free name on first use.
func (w *Writer) Path(id core.TestID) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	name, ok := w.names[id]
	if !ok {
		name = claim(FileName(id), w.taken)
		w.names[id] = name
	}
	return filepath.Join(w.dir, name)
}

// Write serializes rec and atomically publishes it under its final name.
func (w *Writer) Write(rec Record) (string, error) {
	path := w.Path(rec.TestID)
	if err := writeAtomic(path, rec); err != nil {
		return "", &core.WriteError{TestID: rec.TestID, Path: path, Err: err}
	}
	return path, nil
}

func writeAtomic(path string, rec Record) (err error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile loads a record written by Writer.
func ReadFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read trace %q: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse trace %q: %w", path, err)
	}
	return rec, nil
}
