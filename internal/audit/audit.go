// Package audit records one entry per finalized file per commit. The log is
// the operator-facing history of what the loader did with each object.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record describes one finalized file.
type Record struct {
	Path        string    `json:"path"`
	PriorStatus string    `json:"prior_status"`
	NewStatus   string    `json:"new_status"`
	Processed   bool      `json:"processed"`
	Rows        int64     `json:"rows"`
	Bytes       int64     `json:"bytes"`
	Error       string    `json:"error,omitempty"`
	ProcessorID uint64    `json:"processor_id"`
	Timestamp   time.Time `json:"timestamp"`

	// Hash chain fields, set by ChainedAppender.
	PrevHash  string `json:"prev_hash,omitempty"`
	EventHash string `json:"event_hash,omitempty"`
}

// Appender receives audit records.
type Appender interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Config selects the audit backend.
type Config struct {
	Backend string `env:"AUDIT_BACKEND" envDefault:"file" yaml:"backend"` // "file" | "noop"
	Dir     string `env:"AUDIT_DIR" envDefault:"./audit" yaml:"dir"`

	// Chained links records into a tamper-evident hash chain.
	Chained bool `env:"AUDIT_CHAINED" yaml:"chained"`
}

// NewAppender creates an appender based on configuration.
func NewAppender(cfg Config) (Appender, error) {
	var inner Appender
	switch cfg.Backend {
	case "noop":
		return noopAppender{}, nil
	case "file", "":
		a, err := NewFileAppender(cfg.Dir)
		if err != nil {
			return nil, err
		}
		inner = a
	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.Backend)
	}
	if cfg.Chained {
		return NewChainedAppender(inner, cfg.Dir)
	}
	return inner, nil
}

// FileAppender writes records as JSON lines, one log file per day.
type FileAppender struct {
	dir string
	log *slog.Logger

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewFileAppender(dir string) (*FileAppender, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileAppender{dir: dir, log: slog.With("component", "audit")}, nil
}

func (a *FileAppender) Append(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	day := rec.Timestamp.Format("2006-01-02")
	if a.file == nil || day != a.day {
		if a.file != nil {
			a.file.Close()
		}
		path := filepath.Join(a.dir, fmt.Sprintf("queue-audit-%s.jsonl", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open audit log %s: %w", path, err)
		}
		a.file = f
		a.day = day
	}

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

func (a *FileAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Chain fans records out to several appenders; the first failure wins but
// every appender still sees the record.
type Chain []Appender

func (c Chain) Append(ctx context.Context, rec Record) error {
	var first error
	for _, a := range c {
		if err := a.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c Chain) Close() error {
	var first error
	for _, a := range c {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopAppender struct{}

func (noopAppender) Append(context.Context, Record) error { return nil }
func (noopAppender) Close() error                         { return nil }
