package queue

import (
	"container/list"
	"sync"
)

// Queue holds one FIFO of waiting players per stake tier. Every tier has its
// own lock; the tier map itself is guarded separately.
type Queue struct {
	mu    sync.Mutex
	tiers map[string]*bucket
}

type bucket struct {
	mu      sync.Mutex
	entries *list.List
}

func New() *Queue {
	return &Queue{tiers: map[string]*bucket{}}
}

func (q *Queue) bucket(tier string) *bucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.tiers[tier]
	if !ok {
		b = &bucket{entries: list.New()}
		q.tiers[tier] = b
	}

	return b
}

func (q *Queue) buckets() map[string]*bucket {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make(map[string]*bucket, len(q.tiers))
	for tier, b := range q.tiers {
		result[tier] = b
	}

	return result
}

func (q *Queue) Enqueue(tier string, entry Entry) {
	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries.PushBack(entry)
}

// PushFront puts entries at the head of tier, keeping their given order.
func (q *Queue) PushFront(tier string, entries ...Entry) {
	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		b.entries.PushFront(entries[i])
	}
}

func (q *Queue) DequeueOldest(tier string) (Entry, bool) {
	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.popFront()
}

// RemoveAll drops every entry of identity from every tier and returns how
// many were removed.
func (q *Queue) RemoveAll(identity string) int {
	removed := 0

	for _, b := range q.buckets() {
		b.mu.Lock()
		removed += b.remove(identity)
		b.mu.Unlock()
	}

	return removed
}

// RemoveConn drops the entries identity queued from connID. Entries queued
// from a newer connection of the same identity are kept.
func (q *Queue) RemoveConn(identity, connID string) int {
	removed := 0

	for _, b := range q.buckets() {
		b.mu.Lock()

		for e := b.entries.Front(); e != nil; {
			next := e.Next()

			//nolint:forcetypeassert
			if entry := e.Value.(Entry); entry.Identity == identity && entry.ConnID == connID {
				b.entries.Remove(e)
				removed++
			}

			e = next
		}

		b.mu.Unlock()
	}

	return removed
}

// Join evicts identity from every tier and then, under the tier lock, either
// pairs entry with the oldest other player waiting there, parks it when its
// own earlier entry was the only one waiting, or appends it.
func (q *Queue) Join(tier string, entry Entry) (Entry, Outcome) {
	for name, b := range q.buckets() {
		if name == tier {
			continue
		}

		b.mu.Lock()
		b.remove(entry.Identity)
		b.mu.Unlock()
	}

	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	previous, waiting := b.find(entry.Identity)
	b.remove(entry.Identity)

	head, ok := b.popFront()
	if ok {
		return head, Paired
	}

	if waiting {
		entry.JoinedAt = previous.JoinedAt
		b.entries.PushFront(entry)

		return Entry{}, Parked
	}

	b.entries.PushBack(entry)

	return Entry{}, Queued
}

func (q *Queue) Len(tier string) int {
	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.entries.Len()
}

// Snapshot lists the identities waiting in tier, oldest first.
func (q *Queue) Snapshot(tier string) []string {
	b := q.bucket(tier)

	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]string, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		//nolint:forcetypeassert
		result = append(result, e.Value.(Entry).Identity)
	}

	return result
}

func (b *bucket) popFront() (Entry, bool) {
	front := b.entries.Front()
	if front == nil {
		return Entry{}, false
	}

	b.entries.Remove(front)

	//nolint:forcetypeassert
	return front.Value.(Entry), true
}

// find returns the oldest entry of identity.
func (b *bucket) find(identity string) (Entry, bool) {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		//nolint:forcetypeassert
		if entry := e.Value.(Entry); entry.Identity == identity {
			return entry, true
		}
	}

	return Entry{}, false
}

func (b *bucket) remove(identity string) int {
	removed := 0

	for e := b.entries.Front(); e != nil; {
		next := e.Next()

		//nolint:forcetypeassert
		if e.Value.(Entry).Identity == identity {
			b.entries.Remove(e)
			removed++
		}

		e = next
	}

	return removed
}
