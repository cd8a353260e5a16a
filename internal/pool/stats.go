package pool

// WorkerStats is one worker's view in a Stats snapshot.
type WorkerStats struct {
	ID         int    `json:"id"`
	Ready      bool   `json:"ready"`
	Pending    int    `json:"pending"`
	Dispatched uint64 `json:"dispatched"`
}

// Stats is a point-in-time snapshot of the dispatch state, served by the
// status API and the watch TUI.
type Stats struct {
	Phase      Phase         `json:"phase"`
	Workers    int           `json:"workers"`
	Ready      int           `json:"ready"`
	Cursor     int           `json:"cursor"`
	QueueDepth int           `json:"queue_depth"`
	Completed  uint64        `json:"completed"`
	Failed     uint64        `json:"failed"`
	PerWorker  []WorkerStats `json:"per_worker"`
}

// Stats returns a consistent snapshot taken under the pool lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Phase:      p.phase,
		Workers:    len(p.workers),
		Ready:      p.readyCount,
		Cursor:     p.cursor,
		QueueDepth: len(p.preReady),
		Completed:  p.completed,
		Failed:     p.failed,
		PerWorker:  make([]WorkerStats, len(p.workers)),
	}
	for i := range p.workers {
		s.PerWorker[i] = WorkerStats{
			ID:         i,
			Ready:      p.readySeen[i],
			Pending:    p.ledgers[i].depth(),
			Dispatched: p.dispatched[i],
		}
	}
	return s
}
