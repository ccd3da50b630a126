package container

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/format"
	"github.com/KevoDB/usf/pkg/index"
)

// CompactStats describes one compaction
type CompactStats struct {
	Entries     int
	Blocks      int
	BytesBefore int64
	BytesAfter  int64
	Duration    time.Duration
}

// Reclaimed returns the number of bytes freed
func (s CompactStats) Reclaimed() int64 {
	return s.BytesBefore - s.BytesAfter
}

// Compact rewrites the container with only the records of live entries.
// Every Store and Delete appends a full index snapshot, so a container that
// sees many small writes grows much faster than its live data; Reclaimable
// reports how much a compaction would free.
// Records are copied verbatim into a temporary file next to the container,
// which is synced and renamed over the original. The original file is
// untouched if anything fails before the rename.
func (c *Container) Compact() (CompactStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return CompactStats{}, ErrClosed
	}

	start := time.Now()
	stats := CompactStats{BytesBefore: c.appender.End()}

	path := c.file.Path()
	tmpPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	os.Remove(tmpPath)

	tmp, err := CreateFile(tmpPath)
	if err != nil {
		return stats, ioError("create", 0, err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.WriteAt(c.header.Encode(), 0); err != nil {
		cleanup()
		return stats, err
	}

	// Copy live records, keeping their sequence numbers so entries are
	// unchanged apart from offsets.
	compacted := index.NewAt(c.index.Counters())

	offset := int64(format.FileHeaderSize)
	for _, e := range c.index.Entries() {
		locations := make([]index.Location, 0, len(e.Blocks))
		for _, seq := range e.Blocks {
			loc, ok := c.index.Locate(seq)
			if !ok {
				cleanup()
				return stats, fmt.Errorf("%w: key %q block %d missing from index", ErrCorruptBlock, e.Key, seq)
			}
			record := make([]byte, loc.Length)
			if err := c.file.ReadAt(record, int64(loc.Offset)); err != nil {
				cleanup()
				return stats, err
			}
			if err := tmp.WriteAt(record, offset); err != nil {
				cleanup()
				return stats, err
			}
			locations = append(locations, index.Location{Sequence: seq, Offset: uint64(offset), Length: loc.Length})
			offset += int64(loc.Length)
			stats.Blocks++
		}
		entry := e
		compacted.Apply(index.Change{Put: &entry, Locations: locations})
		stats.Entries++
	}

	// The index and trailer go through a regular appender batch on the new
	// file.
	swapped := &Container{
		cfg:    c.cfg,
		header: c.header,
		file:   tmp,
		index:  compacted,
	}
	swapped.appender = NewAppender(tmp, offset, config.SyncImmediate, c.cfg.SyncBytes)
	if err := swapped.persistIndex(); err != nil {
		cleanup()
		return stats, err
	}
	stats.BytesAfter = swapped.appender.End()

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return stats, ioError("close", 0, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return stats, ioError("rename", 0, err)
	}
	syncDir(filepath.Dir(path))

	// The old handle still refers to the replaced file; reopen the new one.
	c.file.Close()
	f, err := OpenFile(path)
	if err != nil {
		c.closed = true
		return stats, ioError("reopen", 0, err)
	}
	if c.cfg.LockFile {
		if err := lockFile(f); err != nil {
			f.Close()
			c.closed = true
			return stats, err
		}
	}

	c.file = f
	c.index = compacted
	c.indexLength.Store(swapped.indexLength.Load())
	c.appender = NewAppender(f, f.Size(), c.cfg.SyncMode, c.cfg.SyncBytes)
	c.reader = c.newReader(f)

	stats.Duration = time.Since(start)
	return stats, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
