package events

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Sink persists records.
type Sink interface {
	Name() string
	Write(ctx context.Context, r *Record) error
}

// CSVSink appends records to a CSV file with a managed header.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

// NewCSVSink returns a sink writing to path.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Path is where rows are written.
func (s *CSVSink) Path() string { return s.path }

// Write implements Sink.
func (s *CSVSink) Write(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureHeader(); err != nil {
		return fmt.Errorf("prepare csv header: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(r.Row()); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ensureHeader writes the header when the file is missing or empty, and
// replaces a stale header while keeping existing data lines.
func (s *CSVSink) ensureHeader() error {
	header := strings.Join(Columns, ",")

	content, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(content) == 0 {
		return os.WriteFile(s.path, []byte(header+"\n"), 0o644)
	}

	first, rest, _ := strings.Cut(string(content), "\n")
	existing := strings.Split(strings.TrimSpace(first), ",")
	for i := range existing {
		existing[i] = strings.TrimSpace(existing[i])
	}
	if strings.Join(existing, ",") == header {
		return nil
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	sc := bufio.NewScanner(strings.NewReader(rest))
	sc.Buffer(make([]byte, 64*1024), len(rest)+1)
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteString("\n")
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(b.String()), 0o644)
}

// JSONLSink appends one JSON object per line.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

// NewJSONLSink returns a sink writing to path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// Name implements Sink.
func (s *JSONLSink) Name() string { return "jsonl" }

// Write implements Sink.
func (s *JSONLSink) Write(_ context.Context, r *Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
