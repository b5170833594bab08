package rnet

import "sync/atomic"

// shardStats are the per-dispatcher counters, written only with atomics so
// Stats can snapshot them from any goroutine.
type shardStats struct {
	accepted           uint64
	closed             uint64
	closedWithError    uint64
	tasksSubmitted     uint64
	tasksOverflowed    uint64
	completionsDropped uint64
	staleDiscarded     uint64
}

// ShardStats is a read-only snapshot of one dispatcher shard.
type ShardStats struct {
	Shard       int
	ActiveConns int32
	// Accepted is the total accept count, accept rate is the caller's delta
	// between two snapshots.
	Accepted        uint64
	Closed          uint64
	ClosedWithError uint64
	TasksSubmitted  uint64
	TasksOverflowed uint64
	// CompletionsDropped counts handler results thrown away because the
	// shard's completion channel was full.
	CompletionsDropped uint64
	// StaleDiscarded counts handler results for connections that closed while
	// the task was in flight.
	StaleDiscarded uint64
}

// Stats is a read-only snapshot of the whole server.
type Stats struct {
	Shards         []ShardStats
	ActiveConns    int
	QueueDepth     int
	QueueCapacity  int
	WorkersRunning int
}

func (el *eventloop) statsSnapshot() ShardStats {
	return ShardStats{
		Shard:              el.idx,
		ActiveConns:        atomic.LoadInt32(&el.connCount),
		Accepted:           atomic.LoadUint64(&el.stats.accepted),
		Closed:             atomic.LoadUint64(&el.stats.closed),
		ClosedWithError:    atomic.LoadUint64(&el.stats.closedWithError),
		TasksSubmitted:     atomic.LoadUint64(&el.stats.tasksSubmitted),
		TasksOverflowed:    atomic.LoadUint64(&el.stats.tasksOverflowed),
		CompletionsDropped: atomic.LoadUint64(&el.stats.completionsDropped),
		StaleDiscarded:     atomic.LoadUint64(&el.stats.staleDiscarded),
	}
}

// Stats snapshots all shard counters plus the queue depth and worker count.
func (s Server) Stats() Stats {
	st := Stats{
		QueueDepth:     s.svr.queue.Len(),
		QueueCapacity:  s.svr.queue.Cap(),
		WorkersRunning: s.svr.workerPool.Running(),
	}
	s.svr.subEventLoopSet.iterate(func(i int, el *eventloop) bool {
		snap := el.statsSnapshot()
		st.Shards = append(st.Shards, snap)
		st.ActiveConns += int(snap.ActiveConns)
		return true
	})
	return st
}
