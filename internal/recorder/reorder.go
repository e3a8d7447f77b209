package recorder

import (
	"container/heap"

	"github.com/myolink/myolink/pkg/emg"
)

// pendingHeap holds samples waiting inside the reorder window, ordered by
// timestamp with arrival order breaking ties. Equal timestamps therefore
// release in the order they arrived, which keeps the dataset's tie-break
// rule deterministic.
type pendingEntry struct {
	in  inSample
	seq uint64
}

type pendingHeap []pendingEntry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].in.sample.Timestamp != h[j].in.sample.Timestamp {
		return h[i].in.sample.Timestamp < h[j].in.sample.Timestamp
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(pendingEntry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *pendingHeap) push(in inSample, seq uint64) {
	heap.Push(h, pendingEntry{in: in, seq: seq})
}

func (h *pendingHeap) peekTimestamp() (uint64, bool) {
	if len(*h) == 0 {
		return 0, false
	}
	return (*h)[0].in.sample.Timestamp, true
}

func (h *pendingHeap) pop() inSample {
	return heap.Pop(h).(pendingEntry).in
}

// transitionHeap holds label transitions not yet applied to the released
// stream, ordered the same way.
type transitionEntry struct {
	tr  emg.LabelTransition
	seq uint64
}

type transitionHeap []transitionEntry

func (h transitionHeap) Len() int { return len(h) }

func (h transitionHeap) Less(i, j int) bool {
	if h[i].tr.Timestamp != h[j].tr.Timestamp {
		return h[i].tr.Timestamp < h[j].tr.Timestamp
	}
	return h[i].seq < h[j].seq
}

func (h transitionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *transitionHeap) Push(x any) { *h = append(*h, x.(transitionEntry)) }

func (h *transitionHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *transitionHeap) push(tr emg.LabelTransition, seq uint64) {
	heap.Push(h, transitionEntry{tr: tr, seq: seq})
}

func (h *transitionHeap) peekTimestamp() (uint64, bool) {
	if len(*h) == 0 {
		return 0, false
	}
	return (*h)[0].tr.Timestamp, true
}

func (h *transitionHeap) pop() emg.LabelTransition {
	return heap.Pop(h).(transitionEntry).tr
}

// latestAt returns the state of the newest buffered transition at or before
// ts without disturbing the heap, for stamping late arrivals.
func (h transitionHeap) latestAt(ts uint64) (emg.Label, bool) {
	var (
		best   emg.Label
		bestTs uint64
		found  bool
	)
	for _, e := range h {
		if e.tr.Timestamp <= ts && (!found || e.tr.Timestamp >= bestTs) {
			best = e.tr.State
			bestTs = e.tr.Timestamp
			found = true
		}
	}
	return best, found
}
