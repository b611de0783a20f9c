package delivery

import "container/heap"

// entry is the channel's bookkeeping for one message.
type entry struct {
	msg *Message
	// copies counts fan-out copies that have not finished yet.
	copies int
	// excluded lists links that declared the message undeliverable.
	excluded map[*Link]struct{}
}

// item is one deliverable copy: the single copy of an exclusive message or
// one link's copy of a fan-out message.
type item struct {
	e        *entry
	attempts uint32
	// blame counts failed attempts; released deliveries are not blamed.
	blame uint32
}

// backlog orders items by priority (high first), then message id.
type backlog []*item

func (b backlog) Len() int { return len(b) }
func (b backlog) Less(i, j int) bool {
	if b[i].e.msg.Priority != b[j].e.msg.Priority {
		return b[i].e.msg.Priority > b[j].e.msg.Priority
	}
	return b[i].e.msg.ID < b[j].e.msg.ID
}
func (b backlog) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

func (b *backlog) Push(x any) { *b = append(*b, x.(*item)) }

func (b *backlog) Pop() any {
	old := *b
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*b = old[:n-1]
	return it
}

func (b *backlog) push(it *item) { heap.Push(b, it) }

func (b *backlog) pop() *item {
	if b.Len() == 0 {
		return nil
	}
	return heap.Pop(b).(*item)
}

// popMatching removes and returns the first item in delivery order for which
// ok returns true. Items visited before it stay queued.
func (b *backlog) popMatching(ok func(*item) bool) *item {
	var skipped []*item
	var found *item
	for b.Len() > 0 {
		it := heap.Pop(b).(*item)
		if ok(it) {
			found = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(b, it)
	}
	return found
}
