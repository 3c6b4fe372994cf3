package queue

import "sync/atomic"

// Flags carries the cooperative cancellation signals shared by one run.
// Both flags are polled at file-claim time, before opening a reader, and
// between row batches; they never interrupt a blocking call.
type Flags struct {
	shutdown     atomic.Bool
	tableDropped atomic.Bool
}

func (f *Flags) RequestShutdown()        { f.shutdown.Store(true) }
func (f *Flags) ShutdownRequested() bool { return f.shutdown.Load() }

func (f *Flags) MarkTableDropped()  { f.tableDropped.Store(true) }
func (f *Flags) TableDropped() bool { return f.tableDropped.Load() }

// Stopping reports whether either signal is set.
func (f *Flags) Stopping() bool {
	return f.shutdown.Load() || f.tableDropped.Load()
}
