package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChainedAppender links every record to its predecessor with a SHA-256 hash,
// making the audit trail tamper evident. The chain head survives restarts in
// a small state file next to the logs.
type ChainedAppender struct {
	inner Appender

	mu       sync.Mutex
	head     string
	headPath string
}

// NewChainedAppender wraps inner with hash chaining, persisting the chain
// head under dir.
func NewChainedAppender(inner Appender, dir string) (*ChainedAppender, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit state dir: %w", err)
	}
	a := &ChainedAppender{inner: inner, headPath: filepath.Join(dir, "audit-chain-head.json")}
	if err := a.loadHead(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *ChainedAppender) loadHead() error {
	data, err := os.ReadFile(a.headPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	var state struct {
		Head string `json:"head"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse chain head: %w", err)
	}
	a.head = state.Head
	return nil
}

func (a *ChainedAppender) saveHead() error {
	data, err := json.Marshal(struct {
		Head string `json:"head"`
	}{Head: a.head})
	if err != nil {
		return err
	}
	tmp := a.headPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain head: %w", err)
	}
	return os.Rename(tmp, a.headPath)
}

// Append hashes the record over its canonical JSON with the hash fields
// cleared, links it to the current head and hands it to the inner appender.
func (a *ChainedAppender) Append(ctx context.Context, rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec.PrevHash = a.head
	rec.EventHash = ""
	hash, err := recordHash(rec)
	if err != nil {
		return err
	}
	rec.EventHash = hash

	if err := a.inner.Append(ctx, rec); err != nil {
		return err
	}
	a.head = hash
	return a.saveHead()
}

func (a *ChainedAppender) Close() error { return a.inner.Close() }

func recordHash(rec Record) (string, error) {
	canonical, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("hash audit record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyChain walks records in append order and reports the first link whose
// hashes do not line up. Used by operators to audit the audit.
func VerifyChain(recs []Record) error {
	prev := ""
	for i, rec := range recs {
		if i == 0 && rec.PrevHash != "" {
			// A chain segment may continue from an earlier log file.
			prev = rec.PrevHash
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("record %d (%s): prev hash %q does not match head %q", i, rec.Path, rec.PrevHash, prev)
		}
		want := rec.EventHash
		rec.EventHash = ""
		got, err := recordHash(rec)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("record %d (%s): hash mismatch", i, rec.Path)
		}
		prev = want
	}
	return nil
}
