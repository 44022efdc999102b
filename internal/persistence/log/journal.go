package log

import (
	stdlog "log"
	"path/filepath"
	"sync"
	"sync/atomic"

	"turtlecraft.ai/internal/sim/dispatch"
)

// Journal records every dispatch to <dir>/dispatch-*.jsonl.zst. Publish only
// enqueues; a single writer goroutine does the I/O and a full queue drops
// the event rather than stalling a poll.
type Journal struct {
	w      *JSONLZstdWriter
	logger *stdlog.Logger

	mu     sync.RWMutex
	closed bool
	events chan dispatch.Event
	wg     sync.WaitGroup
	once   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type JournalStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func NewJournal(dir string, queueCapacity int, logger *stdlog.Logger) *Journal {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	j := &Journal{
		w:      NewJSONLZstdWriter(filepath.Clean(dir), "dispatch"),
		logger: logger,
		events: make(chan dispatch.Event, queueCapacity),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Publish queues ev. Events published after Close are counted as dropped.
func (j *Journal) Publish(ev dispatch.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for ev := range j.events {
		if err := j.w.Write(ev); err != nil {
			j.failed.Add(1)
			if j.logger != nil {
				j.logger.Printf("journal write failed: id=%s turtle=%s err=%v", ev.ID, ev.Turtle, err)
			}
			continue
		}
		j.written.Add(1)
	}
}

// Close drains queued events and closes the current file.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.events)
		j.mu.Unlock()
		j.wg.Wait()
		err = j.w.Close()
	})
	return err
}

func (j *Journal) Stats() JournalStats {
	return JournalStats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Failed:  j.failed.Load(),
	}
}
