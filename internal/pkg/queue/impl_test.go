package queue_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/trix/internal/pkg/queue"
)

func entry(identity string) queue.Entry {
	return queue.Entry{Identity: identity, ConnID: "conn-" + identity}
}

func TestJoinPairsInArrivalOrder(t *testing.T) {
	t.Parallel()

	q := queue.New()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue("10", entry(id))
	}

	opponent, outcome := q.Join("10", entry("d"))
	assert.Equal(t, queue.Paired, outcome)
	assert.Equal(t, "a", opponent.Identity)

	opponent, outcome = q.Join("10", entry("e"))
	assert.Equal(t, queue.Paired, outcome)
	assert.Equal(t, "b", opponent.Identity)

	assert.Equal(t, []string{"c"}, q.Snapshot("10"))
}

func TestJoinQueuesWhenTierEmpty(t *testing.T) {
	t.Parallel()

	q := queue.New()

	_, outcome := q.Join("10", entry("a"))
	assert.Equal(t, queue.Queued, outcome)
	assert.Equal(t, []string{"a"}, q.Snapshot("10"))

	_, outcome = q.Join("20", entry("b"))
	assert.Equal(t, queue.Queued, outcome)
	assert.Equal(t, 1, q.Len("10"))
}

func TestJoinParksWhenAloneInTier(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", entry("a"))

	fresh := queue.Entry{Identity: "a", ConnID: "conn-new"}

	_, outcome := q.Join("10", fresh)
	assert.Equal(t, queue.Parked, outcome)
	assert.Equal(t, []string{"a"}, q.Snapshot("10"))

	head, ok := q.DequeueOldest("10")
	require.True(t, ok)
	assert.Equal(t, "conn-new", head.ConnID)
}

func TestJoinSkipsOwnEntryAtHead(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.PushFront("10", entry("a"), entry("b"))

	opponent, outcome := q.Join("10", queue.Entry{Identity: "a", ConnID: "conn-new"})
	assert.Equal(t, queue.Paired, outcome)
	assert.Equal(t, "b", opponent.Identity)
	assert.Empty(t, q.Snapshot("10"))
}

func TestJoinEvictsOtherTiers(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", entry("a"))
	q.Enqueue("20", entry("a"))

	_, outcome := q.Join("30", entry("a"))
	assert.Equal(t, queue.Queued, outcome)

	assert.Empty(t, q.Snapshot("10"))
	assert.Empty(t, q.Snapshot("20"))
	assert.Equal(t, []string{"a"}, q.Snapshot("30"))
}

func TestJoinDropsStaleDuplicateBehindHead(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", entry("a"))
	q.Enqueue("10", entry("b"))

	opponent, outcome := q.Join("10", entry("b"))
	assert.Equal(t, queue.Paired, outcome)
	assert.Equal(t, "a", opponent.Identity)
	assert.Empty(t, q.Snapshot("10"))
}

func TestPushFrontKeepsOrder(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", entry("c"))
	q.PushFront("10", entry("a"), entry("b"))

	assert.Equal(t, []string{"a", "b", "c"}, q.Snapshot("10"))
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", entry("a"))
	q.Enqueue("10", entry("b"))
	q.Enqueue("20", entry("a"))

	assert.Equal(t, 2, q.RemoveAll("a"))
	assert.Equal(t, []string{"b"}, q.Snapshot("10"))
	assert.Equal(t, 0, q.RemoveAll("zz"))
}

func TestRemoveConnKeepsNewerConnection(t *testing.T) {
	t.Parallel()

	q := queue.New()

	q.Enqueue("10", queue.Entry{Identity: "a", ConnID: "old"})
	q.Enqueue("20", queue.Entry{Identity: "a", ConnID: "new"})

	assert.Equal(t, 1, q.RemoveConn("a", "old"))
	assert.Empty(t, q.Snapshot("10"))
	assert.Equal(t, []string{"a"}, q.Snapshot("20"))
	assert.Equal(t, 0, q.RemoveConn("b", "new"))
}

func TestConcurrentJoinsNeverShareAnOpponent(t *testing.T) {
	t.Parallel()

	q := queue.New()

	const players = 100

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		opponents = map[string]int{}
		paired    int
	)

	for i := range players {
		wg.Add(1)

		go func() {
			defer wg.Done()

			opponent, outcome := q.Join("10", entry(fmt.Sprintf("p%d", i)))
			if outcome != queue.Paired {
				return
			}

			mu.Lock()
			opponents[opponent.Identity]++
			paired++
			mu.Unlock()
		}()
	}

	wg.Wait()

	for identity, count := range opponents {
		assert.Equal(t, 1, count, identity)
	}

	assert.Equal(t, players, 2*paired+q.Len("10"))
}
