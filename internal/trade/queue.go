package trade

import (
	"container/heap"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
)

// pendingQueue orders buffered signals by signal time, then arrival.
type pendingQueue []signal.Signal

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].SignalTime.Equal(q[j].SignalTime) {
		return q[i].ReceivedAt.Before(q[j].ReceivedAt)
	}
	return q[i].SignalTime.Before(q[j].SignalTime)
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(signal.Signal)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *pendingQueue) push(s signal.Signal) { heap.Push(q, s) }

func (q *pendingQueue) pop() signal.Signal { return heap.Pop(q).(signal.Signal) }

func (q pendingQueue) contains(id string) bool {
	for _, s := range q {
		if s.ID == id {
			return true
		}
	}
	return false
}
