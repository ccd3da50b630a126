package container

import (
	"sync"

	"github.com/KevoDB/usf/pkg/config"
)

// Appender is the single writer that advances the append offset. Every
// mutation runs as one batch: records are written past the last durable
// end, and the batch either commits as a whole or is truncated away so the
// previous trailer stays the last thing in the file.
type Appender struct {
	mu   sync.Mutex
	file *File

	end     int64
	durable int64

	syncMode  config.SyncMode
	syncBytes int64
	unsynced  int64
}

// NewAppender creates an appender whose next write goes to end
func NewAppender(f *File, end int64, mode config.SyncMode, syncBytes int64) *Appender {
	return &Appender{
		file:      f,
		end:       end,
		durable:   end,
		syncMode:  mode,
		syncBytes: syncBytes,
	}
}

// Batch collects the writes of one mutation
type Batch struct {
	a           *Appender
	afterCommit []func()
}

// Append writes data at the current end and returns its offset
func (b *Batch) Append(data []byte) (uint64, error) {
	off := b.a.end
	if err := b.a.file.WriteAt(data, off); err != nil {
		return 0, err
	}
	b.a.end += int64(len(data))
	return uint64(off), nil
}

// Offset returns where the next Append will write
func (b *Batch) Offset() uint64 {
	return uint64(b.a.end)
}

// AfterCommit registers fn to run once the batch is durable, still inside
// the writer's critical section
func (b *Batch) AfterCommit(fn func()) {
	b.afterCommit = append(b.afterCommit, fn)
}

// Write runs fn as one batch. If fn or the commit fails, everything fn
// appended is truncated away.
func (a *Appender) Write(fn func(b *Batch) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := &Batch{a: a}
	if err := fn(b); err != nil {
		a.rollback()
		return err
	}
	if err := a.commit(); err != nil {
		a.rollback()
		return err
	}
	for _, f := range b.afterCommit {
		f()
	}
	return nil
}

func (a *Appender) commit() error {
	a.unsynced += a.end - a.durable

	switch a.syncMode {
	case config.SyncImmediate:
		if err := a.file.Sync(); err != nil {
			return err
		}
		a.unsynced = 0
	case config.SyncBatch:
		if a.unsynced >= a.syncBytes {
			if err := a.file.Sync(); err != nil {
				return err
			}
			a.unsynced = 0
		}
	}

	a.durable = a.end
	a.file.SetSize(a.end)
	return nil
}

func (a *Appender) rollback() {
	if a.end == a.durable {
		return
	}
	// If truncation fails the stale bytes stay past the trailer, where a
	// later batch overwrites them or a rebuild scan skips them.
	_ = a.file.Truncate(a.durable)
	a.end = a.durable
}

// Flush syncs any committed bytes not yet on stable storage
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unsynced == 0 {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return err
	}
	a.unsynced = 0
	return nil
}

// End returns the committed end of the file
func (a *Appender) End() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.durable
}
