// Package telemetry provides tracing and an operation journal.
package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Exporter records journal entries for settled operations.
type Exporter interface {
	// LogEvent logs an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// LogOperation logs the final summary of an operation.
	LogOperation(op OperationSummary)
	// Flush sends any buffered data.
	Flush() error
	// Close flushes and releases the exporter.
	Close() error
}

// OperationSummary is the journal entry for one settled operation.
type OperationSummary struct {
	OperationID string        `json:"operation_id"`
	Action      string        `json:"action"`
	Aggregate   string        `json:"aggregate"`
	Error       string        `json:"error,omitempty"`
	Jobs        []JobSummary  `json:"jobs"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// JobSummary is the final state of one device job.
type JobSummary struct {
	DeviceKey     string `json:"device_key"`
	JobID         string `json:"job_id,omitempty"`
	State         string `json:"state"`
	ErrorDetail   string `json:"error_detail,omitempty"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}

// Event is a named journal event.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EntryKind tags a journal line.
type EntryKind string

const (
	KindEvent     EntryKind = "event"
	KindOperation EntryKind = "operation"
)

// Entry is one journal line. Exactly one of Event and Operation is set.
type Entry struct {
	Kind      EntryKind         `json:"kind"`
	Event     *Event            `json:"event,omitempty"`
	Operation *OperationSummary `json:"operation,omitempty"`
}

func eventEntry(name string, data map[string]interface{}) Entry {
	return Entry{Kind: KindEvent, Event: &Event{Name: name, Timestamp: time.Now(), Data: data}}
}

func operationEntry(op OperationSummary) Entry {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	return Entry{Kind: KindOperation, Operation: &op}
}

// NewExporter creates an exporter by kind: "http" posts to target, "file"
// appends to the file at target, "noop" or "" discards.
func NewExporter(kind, target string) (Exporter, error) {
	switch kind {
	case "http":
		return NewHTTPExporter(target), nil
	case "file":
		return NewFileExporter(target)
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown journal kind: %s", kind)
	}
}

// --- HTTP Exporter ---

const defaultBatchSize = 50

// HTTPExporter posts batches of entries as a JSON array. A failed post keeps
// the batch for the next flush, bounded to maxBatches batches; the oldest
// entries are dropped beyond that.
type HTTPExporter struct {
	endpoint  string
	client    *http.Client
	batchSize int

	mu      sync.Mutex
	pending []Entry
}

// HTTPOption configures an HTTPExporter.
type HTTPOption func(*HTTPExporter)

// WithBatchSize sets how many entries trigger a post.
func WithBatchSize(n int) HTTPOption {
	return func(e *HTTPExporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithJournalClient sets the HTTP client.
func WithJournalClient(c *http.Client) HTTPOption {
	return func(e *HTTPExporter) {
		e.client = c
	}
}

const maxBatches = 10

// NewHTTPExporter creates an exporter posting to endpoint.
func NewHTTPExporter(endpoint string, opts ...HTTPOption) *HTTPExporter {
	e := &HTTPExporter{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.add(eventEntry(name, data))
}

func (e *HTTPExporter) LogOperation(op OperationSummary) {
	e.add(operationEntry(op))
}

func (e *HTTPExporter) add(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, entry)
	if limit := e.batchSize * maxBatches; len(e.pending) > limit {
		e.pending = e.pending[len(e.pending)-limit:]
	}
	if len(e.pending) >= e.batchSize {
		e.flushLocked()
	}
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *HTTPExporter) flushLocked() error {
	if len(e.pending) == 0 {
		return nil
	}
	if err := e.post(e.pending); err != nil {
		return err
	}
	e.pending = e.pending[:0]
	return nil
}

func (e *HTTPExporter) post(entries []Entry) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout+time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	InjectHTTP(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("journal endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends entries to a JSONL file.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewFileExporter opens path for appending, creating it if needed.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	w := bufio.NewWriter(file)
	return &FileExporter{file: file, w: w, enc: json.NewEncoder(w)}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.write(eventEntry(name, data))
}

func (e *FileExporter) LogOperation(op OperationSummary) {
	e.write(operationEntry(op))
}

func (e *FileExporter) write(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Encode appends the newline that makes this JSONL.
	e.enc.Encode(entry)
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Flush(); err != nil {
		return err
	}
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	flushErr := e.Flush()
	if err := e.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// --- Noop Exporter ---

// NoopExporter discards all entries.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) LogOperation(op OperationSummary)                  {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
