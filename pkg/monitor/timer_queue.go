package monitor

import (
	"container/heap"
	"time"
)

type entryKind int

const (
	kindCollect entryKind = iota
	kindReport
	kindRetry
)

// timerEntry is one scheduled firing. Retry entries carry the report they
// are re-delivering and the attempt count so far.
type timerEntry struct {
	at      time.Time
	jobID   string
	kind    entryKind
	attempt int
	report  string // report ID, retry entries only

	index int
}

// timerQueue is a min-heap of timer entries ordered by firing time.
type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

// Less orders by firing time; at equal times collection fires before the
// window close so the sample due at the boundary lands in the closing
// window.
func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].kind < q[j].kind
	}
	return q[i].at.Before(q[j].at)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}

// push adds an entry keeping the heap invariant.
func (q *timerQueue) push(entry *timerEntry) {
	heap.Push(q, entry)
}

// popDue removes and returns the earliest entry if it is due at now.
func (q *timerQueue) popDue(now time.Time) *timerEntry {
	if q.Len() == 0 || (*q)[0].at.After(now) {
		return nil
	}
	return heap.Pop(q).(*timerEntry)
}

// next returns the earliest firing time, or zero if empty.
func (q *timerQueue) next() (time.Time, bool) {
	if q.Len() == 0 {
		return time.Time{}, false
	}
	return (*q)[0].at, true
}

// dropJob removes every entry belonging to a job.
func (q *timerQueue) dropJob(jobID string) {
	kept := (*q)[:0]
	for _, entry := range *q {
		if entry.jobID != jobID {
			kept = append(kept, entry)
		}
	}
	*q = kept
	heap.Init(q)
}
