package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileAppenderWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAppender(dir)
	if err != nil {
		t.Fatalf("NewFileAppender: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Path: "data/a.jsonl", PriorStatus: "processing", NewStatus: "processed", Processed: true, Rows: 10, Bytes: 512, Timestamp: ts},
		{Path: "data/b.jsonl", PriorStatus: "processing", NewStatus: "failed", Error: "decode: bad line", Timestamp: ts},
	}
	for _, rec := range recs {
		if err := a.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "queue-audit-2026-08-29.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var got []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[0].Path != "data/a.jsonl" || !got[0].Processed || got[0].Rows != 10 {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].NewStatus != "failed" || got[1].Error == "" {
		t.Errorf("record 1 = %+v", got[1])
	}
}

func TestFileAppenderRollsOverByDay(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAppender(dir)
	if err != nil {
		t.Fatalf("NewFileAppender: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	day1 := time.Date(2026, 8, 28, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 29, 0, 1, 0, 0, time.UTC)
	if err := a.Append(ctx, Record{Path: "data/a.jsonl", Timestamp: day1}); err != nil {
		t.Fatalf("Append day 1: %v", err)
	}
	if err := a.Append(ctx, Record{Path: "data/b.jsonl", Timestamp: day2}); err != nil {
		t.Fatalf("Append day 2: %v", err)
	}

	for _, name := range []string{"queue-audit-2026-08-28.jsonl", "queue-audit-2026-08-29.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected log file %s: %v", name, err)
		}
	}
}

func TestNewAppenderBackends(t *testing.T) {
	if _, err := NewAppender(Config{Backend: "noop"}); err != nil {
		t.Errorf("noop backend: %v", err)
	}
	if _, err := NewAppender(Config{Backend: "file", Dir: t.TempDir()}); err != nil {
		t.Errorf("file backend: %v", err)
	}
	if _, err := NewAppender(Config{Backend: "kafka"}); err == nil {
		t.Error("unknown backend must fail")
	}
}

type failingAppender struct{ err error }

func (f failingAppender) Append(context.Context, Record) error { return f.err }
func (f failingAppender) Close() error                         { return nil }

func TestChainFansOutAndReportsFirstError(t *testing.T) {
	boom := errors.New("boom")
	rec := &countingAppender{}
	chain := Chain{failingAppender{err: boom}, rec}

	if err := chain.Append(context.Background(), Record{Path: "x"}); !errors.Is(err, boom) {
		t.Fatalf("chain error = %v, want boom", err)
	}
	if rec.n != 1 {
		t.Error("second appender must still see the record")
	}
}

type countingAppender struct{ n int }

func (c *countingAppender) Append(context.Context, Record) error { c.n++; return nil }
func (c *countingAppender) Close() error                         { return nil }
