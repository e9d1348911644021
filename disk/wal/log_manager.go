package wal

import (
	"sync/atomic"

	"derin/disk/pages"
)

// LogManager is the write-ahead-log collaborator of the buffer pool. The pool
// never appends records itself; callers do. The pool only forces a Flush
// before writing back a dirty page (on eviction, flush or delete) whose page
// LSN is beyond the flushed LSN, so log records always reach disk before the
// data they describe.
type LogManager interface {
	AppendLog(record []byte) pages.LSN
	GetFlushedLSN() pages.LSN
	Flush() error
}

// NoopLM discards every record. It keeps the LSN counters consistent so that
// the buffer pool's log-before-data check never blocks an eviction.
var NoopLM LogManager = &noopLogManager{}

type noopLogManager struct {
	lsn atomic.Uint64
}

func (n *noopLogManager) AppendLog(record []byte) pages.LSN {
	return pages.LSN(n.lsn.Add(1))
}

func (n *noopLogManager) GetFlushedLSN() pages.LSN {
	return pages.LSN(n.lsn.Load())
}

func (n *noopLogManager) Flush() error {
	return nil
}
