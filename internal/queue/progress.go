package queue

import (
	"sync/atomic"
	"time"
)

// CommitSettings bounds one local batch of processed files. A zero threshold
// means unlimited.
type CommitSettings struct {
	MaxProcessedFiles   int64         `env:"COMMIT_MAX_FILES" envDefault:"100" yaml:"max_files"`
	MaxProcessedRows    int64         `env:"COMMIT_MAX_ROWS" envDefault:"0" yaml:"max_rows"`
	MaxProcessedBytes   int64         `env:"COMMIT_MAX_BYTES" envDefault:"0" yaml:"max_bytes"`
	MaxProcessingTime   time.Duration `env:"COMMIT_MAX_TIME" envDefault:"0" yaml:"max_time"`
	CommitOnceProcessed bool          `env:"COMMIT_ONCE_PROCESSED" envDefault:"false" yaml:"commit_once_processed"`
}

// Progress counts work done across all processors of one run. Counters are
// atomic so commit-boundary checks never take a lock.
type Progress struct {
	files atomic.Int64
	rows  atomic.Int64
	bytes atomic.Int64

	// startNanos is the monotonic-ish epoch of the current batch.
	startNanos atomic.Int64
}

// NewProgress returns a fresh progress tracker; one per run.
func NewProgress() *Progress {
	p := &Progress{}
	p.startNanos.Store(time.Now().UnixNano())
	return p
}

func (p *Progress) AddFile() { p.files.Add(1) }
func (p *Progress) AddRows(n int64) { p.rows.Add(n) }
func (p *Progress) AddBytes(n int64) { p.bytes.Add(n) }
func (p *Progress) Files() int64 { return p.files.Load() }
func (p *Progress) Rows() int64 { return p.rows.Load() }
func (p *Progress) Bytes() int64 { return p.bytes.Load() }

// Elapsed is the time since the last reset.
func (p *Progress) Elapsed() time.Duration {
	return time.Duration(time.Now().UnixNano() - p.startNanos.Load())
}

// Reset starts a new batch. Called by commit.
func (p *Progress) Reset() {
	p.files.Store(0)
	p.rows.Store(0)
	p.bytes.Store(0)
	p.startNanos.Store(time.Now().UnixNano())
}

// ShouldCommit reports whether any threshold has been reached.
func (s CommitSettings) ShouldCommit(p *Progress) bool {
	if s.MaxProcessedFiles > 0 && p.Files() >= s.MaxProcessedFiles {
		return true
	}
	if s.MaxProcessedRows > 0 && p.Rows() >= s.MaxProcessedRows {
		return true
	}
	if s.MaxProcessedBytes > 0 && p.Bytes() >= s.MaxProcessedBytes {
		return true
	}
	if s.MaxProcessingTime > 0 && p.Elapsed() >= s.MaxProcessingTime {
		return true
	}
	return false
}
