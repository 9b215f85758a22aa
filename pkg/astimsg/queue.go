package astimsg

import (
	"sync/atomic"

	"github.com/asticode/go-astikit"
)

type queue struct {
	cs   *queueCumulativeStats
	ms   Mergers
	pool []*Message
	q    []*Message
}

type queueCumulativeStats struct {
	allocated uint64
	merged    uint64
	processed uint64
}

func newQueue(ms Mergers) *queue {
	return &queue{
		cs: &queueCumulativeStats{},
		ms: ms,
	}
}

// Returned message is always cleared
func (q *queue) get() *Message {
	// Pool is empty
	if len(q.pool) == 0 {
		atomic.AddUint64(&q.cs.allocated, 1)
		return &Message{}
	}

	// Pop from pool
	m := q.pool[len(q.pool)-1]
	q.pool[len(q.pool)-1] = nil
	q.pool = q.pool[:len(q.pool)-1]
	return m
}

// Returns true if m has been merged into the tail, in which case m is back in the pool
func (q *queue) put(m *Message) (merged bool) {
	// Merge
	if len(q.q) > 0 && q.ms != nil && q.ms.merge(q.q[len(q.q)-1], m) {
		atomic.AddUint64(&q.cs.merged, 1)
		q.recycle(m)
		return true
	}

	// Append
	q.q = append(q.q, m)
	return false
}

func (q *queue) shift() *Message {
	// Empty
	if len(q.q) == 0 {
		return nil
	}

	// Shift
	m := q.q[0]
	q.q[0] = nil
	q.q = q.q[1:]

	// Reclaim the backing array once drained
	if len(q.q) == 0 {
		q.q = q.q[:0:0]
	}
	atomic.AddUint64(&q.cs.processed, 1)
	return m
}

func (q *queue) recycle(m *Message) {
	m.Reset()
	q.pool = append(q.pool, m)
}

func (q *queue) len() int {
	return len(q.q)
}

func (q *queue) deltaStats() []astikit.DeltaStat {
	return []astikit.DeltaStat{
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of messages allocated since the beginning",
				Label:       "Allocated messages",
				Name:        DeltaStatNameAllocatedMessages,
				Unit:        "m",
			},
			Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&q.cs.allocated),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of messages merged since the beginning",
				Label:       "Merged messages",
				Name:        DeltaStatNameMergedMessages,
				Unit:        "m",
			},
			Valuer: astikit.NewAtomicUint64CumulativeDeltaStat(&q.cs.merged),
		},
		{
			Metadata: astikit.DeltaStatMetadata{
				Description: "Number of messages processed per second",
				Label:       "Processed rate",
				Name:        DeltaStatNameProcessedRate,
				Unit:        "mps",
			},
			Valuer: astikit.NewAtomicUint64RateDeltaStat(&q.cs.processed),
		},
	}
}
