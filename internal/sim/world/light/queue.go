package light

import "cubeworld.ai/internal/sim/world/coords"

// node is one unit of light work. level is only meaningful on the decrease
// queue, where it carries the value the voxel had before it was cleared.
type node struct {
	pos   coords.BlockPos
	level uint8
}

type queue struct {
	items []node
	head  int
}

func (q *queue) push(n node) { q.items = append(q.items, n) }

func (q *queue) pop() (node, bool) {
	if q.head >= len(q.items) {
		return node{}, false
	}
	n := q.items[q.head]
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return n, true
}

func (q *queue) len() int { return len(q.items) - q.head }

// drop removes every queued node for which fn returns true and returns how many went.
func (q *queue) drop(fn func(node) bool) int {
	kept := q.items[:0]
	n := 0
	for _, it := range q.items[q.head:] {
		if fn(it) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	q.head = 0
	return n
}
