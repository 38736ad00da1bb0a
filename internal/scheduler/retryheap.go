package scheduler

import "github.com/esdataapp/orchestrator/internal/types"

// retryHeap is a container/heap min-heap of retrying items keyed by
// RetryDueAt (§4.5's retry_heap), grounded on the original scheduler's
// heapq usage.
type retryHeap []*types.WorkItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	ai, aj := h[i].RetryDueAt, h[j].RetryDueAt
	if ai == nil {
		return false
	}
	if aj == nil {
		return true
	}
	return ai.Before(*aj)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x interface{}) {
	*h = append(*h, x.(*types.WorkItem))
}

func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
