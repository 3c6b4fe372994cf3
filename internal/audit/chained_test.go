package audit

import (
	"context"
	"testing"
	"time"
)

type captureAppender struct{ recs []Record }

func (c *captureAppender) Append(_ context.Context, rec Record) error {
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureAppender) Close() error { return nil }

func TestChainedAppenderLinksRecords(t *testing.T) {
	inner := &captureAppender{}
	a, err := NewChainedAppender(inner, t.TempDir())
	if err != nil {
		t.Fatalf("NewChainedAppender: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for _, path := range []string{"data/a.jsonl", "data/b.jsonl", "data/c.jsonl"} {
		if err := a.Append(ctx, Record{Path: path, NewStatus: "processed", Timestamp: ts}); err != nil {
			t.Fatalf("Append %s: %v", path, err)
		}
	}

	if inner.recs[0].PrevHash != "" {
		t.Errorf("first record prev hash = %q, want empty", inner.recs[0].PrevHash)
	}
	for i := 1; i < len(inner.recs); i++ {
		if inner.recs[i].PrevHash != inner.recs[i-1].EventHash {
			t.Errorf("record %d not linked to predecessor", i)
		}
	}

	if err := VerifyChain(inner.recs); err != nil {
		t.Errorf("VerifyChain on intact chain: %v", err)
	}
}

func TestChainedAppenderDetectsTampering(t *testing.T) {
	inner := &captureAppender{}
	a, err := NewChainedAppender(inner, t.TempDir())
	if err != nil {
		t.Fatalf("NewChainedAppender: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for _, path := range []string{"data/a.jsonl", "data/b.jsonl"} {
		if err := a.Append(ctx, Record{Path: path, NewStatus: "processed", Timestamp: ts}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tampered := append([]Record(nil), inner.recs...)
	tampered[0].NewStatus = "failed"
	if err := VerifyChain(tampered); err == nil {
		t.Error("VerifyChain must reject a modified record")
	}
}

func TestChainedAppenderResumesHead(t *testing.T) {
	dir := t.TempDir()
	inner := &captureAppender{}
	ctx := context.Background()
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	a, err := NewChainedAppender(inner, dir)
	if err != nil {
		t.Fatalf("NewChainedAppender: %v", err)
	}
	if err := a.Append(ctx, Record{Path: "data/a.jsonl", Timestamp: ts}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	a.Close()

	// A new appender over the same state dir continues the chain.
	b, err := NewChainedAppender(inner, dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if err := b.Append(ctx, Record{Path: "data/b.jsonl", Timestamp: ts}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	if inner.recs[1].PrevHash != inner.recs[0].EventHash {
		t.Error("chain head not restored across restarts")
	}
}
