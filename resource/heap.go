package resource

import "container/heap"

// nodeHeap orders nodes by the extra budget they ask for, smallest first.
// Every node remembers its position so it can be fixed or removed in place.
type nodeHeap []*node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].key < h[j].key }

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.heapIndex = len(*h)
	*h = append(*h, n)
}

func (h *nodeHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.heapIndex = -1
	*h = old[:last]
	return n
}

func (h *nodeHeap) upsert(n *node, key int64) {
	n.key = key
	if n.inHeap() {
		heap.Fix(h, n.heapIndex)
		return
	}
	heap.Push(h, n)
}

func (h *nodeHeap) remove(n *node) {
	if n.inHeap() {
		heap.Remove(h, n.heapIndex)
	}
}

func (h *nodeHeap) pop() *node {
	return heap.Pop(h).(*node)
}
