package dispatch

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoluektov/fm/internal/event"
	"github.com/apoluektov/fm/internal/graph"
	"github.com/apoluektov/fm/internal/metrics"
)

type fakeConn struct {
	payloads []string
}

func (c *fakeConn) Send(payload string) bool {
	c.payloads = append(c.payloads, payload)
	return true
}

type fixture struct {
	handler *Handler
	graph   *graph.Graph
	queue   *event.Queue

	me, you, they, nobody *fakeConn
}

// newFixture builds a small test graph: you and they follow me,
// nobody follows you and the never-connected nothere.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		graph:  graph.New(),
		queue:  event.NewQueue(0, 0),
		me:     &fakeConn{},
		you:    &fakeConn{},
		they:   &fakeConn{},
		nobody: &fakeConn{},
	}
	f.handler = NewHandler(f.graph, f.queue, zerolog.New(io.Discard), metrics.NewRegistry())

	require.False(t, f.handler.OnClientID(f.me, "me"), "clients never send past the identity line")
	f.handler.OnClientID(f.you, "you")
	f.handler.OnClientID(f.they, "they")
	f.handler.OnClientID(f.nobody, "nobody")

	f.graph.User("me").AddFollower("you")
	f.graph.User("me").AddFollower("they")
	f.graph.User("you").AddFollower("nobody")
	f.graph.User("nothere").AddFollower("nobody")

	return f
}

func (f *fixture) deliver(t *testing.T, line string) {
	t.Helper()
	require.True(t, f.handler.OnEventReceived(line))
	f.handler.OnPoll()
}

func TestFollowNotifiesConnectedTarget(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, "1|F|misterx|me")

	assert.Contains(t, f.graph.User("me").Followers, "misterx")
	assert.Equal(t, []string{"1|F|misterx|me"}, f.me.payloads)
	assert.Empty(t, f.you.payloads)
	assert.Empty(t, f.they.payloads)
	assert.Empty(t, f.nobody.payloads)
}

func TestFollowDisconnectedTargetMutatesGraphSilently(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, "1|F|misterx|xxx")

	assert.Contains(t, f.graph.User("xxx").Followers, "misterx")
	assert.Empty(t, f.me.payloads)
	assert.Empty(t, f.you.payloads)
	assert.Empty(t, f.they.payloads)
	assert.Empty(t, f.nobody.payloads)
}

func TestUnfollowNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	require.Contains(t, f.graph.User("me").Followers, "you")

	f.deliver(t, "1|U|you|me")

	assert.NotContains(t, f.graph.User("me").Followers, "you")
	assert.Empty(t, f.me.payloads)
	assert.Empty(t, f.you.payloads)
}

func TestBroadcastReachesEveryConnectedUser(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, "1|B")

	want := []string{"1|B"}
	assert.Equal(t, want, f.me.payloads)
	assert.Equal(t, want, f.you.payloads)
	assert.Equal(t, want, f.they.payloads)
	assert.Equal(t, want, f.nobody.payloads)
}

func TestPrivateMessageReachesTargetOnly(t *testing.T) {
	f := newFixture(t)
	before := len(f.graph.User("me").Followers)

	f.deliver(t, "1|P|you|me")

	assert.Equal(t, []string{"1|P|you|me"}, f.me.payloads)
	assert.Empty(t, f.you.payloads)
	assert.Empty(t, f.they.payloads)
	assert.Empty(t, f.nobody.payloads)
	assert.Len(t, f.graph.User("me").Followers, before, "graph unchanged")
}

func TestPrivateMessageToDisconnectedUserIsSilent(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, "1|P|you|him")

	assert.Empty(t, f.me.payloads)
	assert.Empty(t, f.you.payloads)
	assert.Empty(t, f.graph.User("him").Followers, "lazy record gains no followers")
}

func TestStatusUpdateReachesFollowers(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, "1|S|me")

	want := []string{"1|S|me"}
	assert.Empty(t, f.me.payloads)
	assert.Equal(t, want, f.you.payloads)
	assert.Equal(t, want, f.they.payloads)
	assert.Empty(t, f.nobody.payloads)
}

func TestMalformedLineRejectedAndQueuePreserved(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.handler.OnEventReceived("2|B"))
	assert.False(t, f.handler.OnEventReceived("abrakadabra"))
	assert.Equal(t, 1, f.queue.Len(), "buffered future event survives the reject")

	// The source reconnects and fills the gap.
	f.deliver(t, "1|B")
	assert.Equal(t, []string{"1|B", "2|B"}, f.me.payloads)
}

func TestClientGoneSilencesUser(t *testing.T) {
	f := newFixture(t)

	f.handler.OnClientGone(f.me, "me")
	f.deliver(t, "1|P|you|me")

	assert.Empty(t, f.me.payloads)
	assert.Contains(t, f.graph.User("me").Followers, "you", "record persists after disconnect")
}

func TestReorderAcrossHandlers(t *testing.T) {
	f := &fixture{
		graph: graph.New(),
		queue: event.NewQueue(3, 50*time.Millisecond),
		me:    &fakeConn{},
	}
	f.handler = NewHandler(f.graph, f.queue, zerolog.New(io.Discard), metrics.NewRegistry())
	f.handler.OnClientID(f.me, "me")

	for _, line := range []string{"2|P|x|me", "4|P|x|me", "3|P|x|me"} {
		require.True(t, f.handler.OnEventReceived(line))
		f.handler.OnPoll()
	}
	assert.Empty(t, f.me.payloads, "blocked on missing sequence 1")

	// A fourth buffered event exceeds capacity; sequence 1 is abandoned.
	require.True(t, f.handler.OnEventReceived("5|P|x|me"))
	f.handler.OnPoll()
	assert.Equal(t, []string{"2|P|x|me", "3|P|x|me", "4|P|x|me", "5|P|x|me"}, f.me.payloads)
}
