package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/vigil/internal/ir"
)

// FileClient appends submissions as JSON lines to files in a directory.
// It stands in for the ledger in local deployments and keeps an audit
// copy. A key already present in the file is not written again.
type FileClient struct {
	dir string

	mu   sync.Mutex
	seen map[string]bool
}

// Record is one line of a FileClient file.
type Record struct {
	Key  string          `json:"idempotency_key"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

const (
	incidentsFile = "incidents.jsonl"
	modulesFile   = "modules.jsonl"
)

// NewFileClient creates dir if needed and loads the keys already written.
func NewFileClient(dir string) (*FileClient, error) {
	if dir == "" {
		dir = "./ledger-backup"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	c := &FileClient{dir: dir, seen: make(map[string]bool)}
	for _, name := range []string{incidentsFile, modulesFile} {
		records, err := ReadRecords(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			c.seen[r.Kind+"/"+r.Key] = true
		}
	}
	return c, nil
}

// SubmitIncident appends inc to incidents.jsonl.
func (c *FileClient) SubmitIncident(_ context.Context, key string, inc ir.Incident) error {
	return c.append(incidentsFile, "incident", key, inc)
}

// RegisterModule appends reg to modules.jsonl.
func (c *FileClient) RegisterModule(_ context.Context, key string, reg Registration) error {
	return c.append(modulesFile, "module", key, reg)
}

func (c *FileClient) append(name, kind, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[kind+"/"+key] {
		return nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return &Error{Op: kind, Permanent: true, Err: fmt.Errorf("marshal: %w", err)}
	}
	line, err := json.Marshal(Record{Key: key, Kind: kind, Body: body})
	if err != nil {
		return &Error{Op: kind, Permanent: true, Err: fmt.Errorf("marshal: %w", err)}
	}

	f, err := os.OpenFile(filepath.Join(c.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &Error{Op: kind, Err: fmt.Errorf("open: %w", err)}
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return &Error{Op: kind, Err: fmt.Errorf("write: %w", err)}
	}
	if err := f.Close(); err != nil {
		return &Error{Op: kind, Err: fmt.Errorf("close: %w", err)}
	}
	c.seen[kind+"/"+key] = true
	return nil
}

// ReadRecords reads a FileClient file. A missing file has no records.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}
