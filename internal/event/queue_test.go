package event

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	messages []string
}

func (r *recorder) OnEvent(ev Event) {
	r.messages = append(r.messages, ev.Raw)
}

func mustParse(t *testing.T, line string) Event {
	t.Helper()
	ev, err := Parse(line)
	require.NoError(t, err)
	return ev
}

func newTestQueue(maxCapacity int, timeout time.Duration) (*Queue, *recorder) {
	rec := &recorder{}
	q := NewQueue(maxCapacity, timeout)
	q.SetHandler(rec)
	return q, rec
}

func TestQueueInOrder(t *testing.T) {
	q, rec := newTestQueue(3, 50*time.Millisecond)

	q.Poll()
	assert.Empty(t, rec.messages)

	q.Add(mustParse(t, "1|B"))
	q.Poll()
	assert.Equal(t, []string{"1|B"}, rec.messages)

	q.Add(mustParse(t, "2|S|3"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3"}, rec.messages)

	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3", "3|U|1|2"}, rec.messages)
}

func TestQueueHoldsBackUntilGapFilled(t *testing.T) {
	q, rec := newTestQueue(3, 50*time.Millisecond)

	q.Add(mustParse(t, "2|S|3"))
	q.Poll()
	assert.Empty(t, rec.messages)

	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Empty(t, rec.messages)

	q.Add(mustParse(t, "1|B"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3", "3|U|1|2"}, rec.messages)
}

func TestQueueReleasesRunsAsTheyComplete(t *testing.T) {
	q, rec := newTestQueue(3, 50*time.Millisecond)

	q.Add(mustParse(t, "2|S|3"))
	q.Poll()
	assert.Empty(t, rec.messages)

	q.Add(mustParse(t, "1|B"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3"}, rec.messages)

	q.Add(mustParse(t, "4|P|42|123"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3"}, rec.messages)

	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3", "3|U|1|2", "4|P|42|123"}, rec.messages)
}

func TestQueueSinglePollDrainsEverything(t *testing.T) {
	q, rec := newTestQueue(0, 0)

	q.Add(mustParse(t, "2|S|3"))
	q.Add(mustParse(t, "1|B"))
	q.Add(mustParse(t, "4|P|42|123"))
	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|S|3", "3|U|1|2", "4|P|42|123"}, rec.messages)
}

func TestQueueCapacitySkipsGap(t *testing.T) {
	q, rec := newTestQueue(3, 50*time.Millisecond)

	q.Add(mustParse(t, "2|S|3"))
	q.Add(mustParse(t, "4|P|42|123"))
	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Empty(t, rec.messages, "three buffered events are within capacity")

	q.Add(mustParse(t, "5|B"))
	q.Poll()
	assert.Equal(t, []string{"2|S|3", "3|U|1|2", "4|P|42|123", "5|B"}, rec.messages,
		"sequence 1 is abandoned once the buffer outgrows capacity")
}

func TestQueueTimeoutSkipsGap(t *testing.T) {
	q, rec := newTestQueue(0, 50*time.Millisecond)
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }

	q.Add(mustParse(t, "2|S|3"))
	q.Add(mustParse(t, "4|P|42|123"))
	q.Add(mustParse(t, "3|U|1|2"))
	q.Poll()
	assert.Empty(t, rec.messages, "first blocked poll only arms the timer")

	now = now.Add(60 * time.Millisecond)
	q.Poll()
	assert.Equal(t, []string{"2|S|3", "3|U|1|2", "4|P|42|123"}, rec.messages)
}

func TestQueueTimeoutRearmsAfterDrain(t *testing.T) {
	q, rec := newTestQueue(0, 50*time.Millisecond)
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }

	// First episode: a blocked poll arms the timer, then the gap fills in
	// time and the buffer drains.
	q.Add(mustParse(t, "2|B"))
	q.Poll()
	now = now.Add(40 * time.Millisecond)
	q.Add(mustParse(t, "1|B"))
	q.Poll()
	require.Equal(t, []string{"1|B", "2|B"}, rec.messages)

	// A gap appearing long after the drain is a fresh episode: its first
	// blocked poll must arm the timer, not skip on the stale stamp.
	now = now.Add(time.Hour)
	q.Add(mustParse(t, "4|B"))
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|B"}, rec.messages)
	assert.Equal(t, uint64(3), q.WaitingFor())

	// The re-armed timer still fires.
	now = now.Add(60 * time.Millisecond)
	q.Poll()
	assert.Equal(t, []string{"1|B", "2|B", "4|B"}, rec.messages)
}

func TestQueueBlocksForeverWithoutEscapeHatches(t *testing.T) {
	q, rec := newTestQueue(0, 0)

	for seq := 2; seq <= 100; seq++ {
		q.Add(Event{Raw: "x", Seq: uint64(seq), Code: Broadcast})
		q.Poll()
	}
	assert.Empty(t, rec.messages)
	assert.Equal(t, uint64(1), q.WaitingFor())
}

func TestQueueDeliversPermutationInOrder(t *testing.T) {
	const n = 500
	q, rec := newTestQueue(0, 0)

	perm := rand.New(rand.NewSource(42)).Perm(n)
	for _, i := range perm {
		q.Add(Event{Raw: "x", Seq: uint64(i + 1), Code: Broadcast})
		q.Poll()
	}

	require.Len(t, rec.messages, n)
	assert.Equal(t, uint64(n+1), q.WaitingFor())
	assert.Zero(t, q.Len())
}

func TestQueueWaitingForNeverDecreases(t *testing.T) {
	q, _ := newTestQueue(2, 0)

	last := q.WaitingFor()
	seqs := []uint64{5, 9, 2, 14, 3, 1, 20, 21, 22, 4}
	for _, seq := range seqs {
		q.Add(Event{Raw: "x", Seq: seq, Code: Broadcast})
		q.Poll()
		assert.GreaterOrEqual(t, q.WaitingFor(), last)
		last = q.WaitingFor()
	}
}
