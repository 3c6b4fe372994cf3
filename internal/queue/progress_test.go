package queue

import (
	"testing"
	"time"
)

func TestShouldCommitThresholds(t *testing.T) {
	tests := []struct {
		name     string
		settings CommitSettings
		files    int64
		rows     int64
		bytes    int64
		want     bool
	}{
		{
			name:     "below every threshold",
			settings: CommitSettings{MaxProcessedFiles: 3, MaxProcessedRows: 100},
			files:    2,
			rows:     50,
			want:     false,
		},
		{
			name:     "file threshold reached",
			settings: CommitSettings{MaxProcessedFiles: 3},
			files:    3,
			want:     true,
		},
		{
			name:     "row threshold reached",
			settings: CommitSettings{MaxProcessedRows: 100},
			rows:     150,
			want:     true,
		},
		{
			name:     "byte threshold reached",
			settings: CommitSettings{MaxProcessedBytes: 1024},
			bytes:    1024,
			want:     true,
		},
		{
			name:     "zero thresholds never commit",
			settings: CommitSettings{},
			files:    1000,
			rows:     1 << 30,
			bytes:    1 << 40,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProgress()
			for i := int64(0); i < tt.files; i++ {
				p.AddFile()
			}
			p.AddRows(tt.rows)
			p.AddBytes(tt.bytes)

			if got := tt.settings.ShouldCommit(p); got != tt.want {
				t.Errorf("ShouldCommit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldCommitTimeThreshold(t *testing.T) {
	p := NewProgress()
	settings := CommitSettings{MaxProcessingTime: time.Nanosecond}

	time.Sleep(time.Millisecond)
	if !settings.ShouldCommit(p) {
		t.Error("elapsed time past threshold should trigger commit")
	}

	settings.MaxProcessingTime = time.Hour
	if settings.ShouldCommit(p) {
		t.Error("fresh batch should not hit an hour-long time threshold")
	}
}

func TestProgressReset(t *testing.T) {
	p := NewProgress()
	p.AddFile()
	p.AddRows(10)
	p.AddBytes(100)

	p.Reset()

	if p.Files() != 0 || p.Rows() != 0 || p.Bytes() != 0 {
		t.Errorf("after reset got files=%d rows=%d bytes=%d, want zeros", p.Files(), p.Rows(), p.Bytes())
	}
	if p.Elapsed() > time.Second {
		t.Errorf("elapsed not reset: %v", p.Elapsed())
	}
}
