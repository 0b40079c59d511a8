package scheduler

import "container/heap"

// eventHeap orders events by due time, then by insertion sequence.
type eventHeap []*ScheduledEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Due.Equal(h[j].Due) {
		return h[i].seq < h[j].seq
	}
	return h[i].Due.Before(h[j].Due)
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*ScheduledEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

func (h eventHeap) peek() *ScheduledEvent {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h *eventHeap) remove(id string) bool {
	for _, ev := range *h {
		if ev.ID == id {
			heap.Remove(h, ev.index)
			return true
		}
	}
	return false
}
