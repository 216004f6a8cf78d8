// Package dispatch routes sequenced events onto client connections according
// to the per-code routing rules.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/apoluektov/fm/internal/event"
	"github.com/apoluektov/fm/internal/graph"
	"github.com/apoluektov/fm/internal/metrics"
)

// Tap receives a copy of every delivered event payload. Optional.
type Tap interface {
	Publish(payload string)
}

// Handler glues the server, the reorder queue and the user graph together.
// Lines from the event source are parsed and buffered in the queue; events
// the queue releases mutate the graph and fan out to client connections.
//
// All methods run on the server's loop goroutine, so no state is locked.
type Handler struct {
	graph   *graph.Graph
	queue   *event.Queue
	log     zerolog.Logger
	metrics *metrics.Registry
	tap     Tap

	released uint64 // events released during the current poll
}

// NewHandler wires the handler as the queue's release sink.
func NewHandler(g *graph.Graph, q *event.Queue, log zerolog.Logger, m *metrics.Registry) *Handler {
	h := &Handler{graph: g, queue: q, log: log, metrics: m}
	q.SetHandler(h)
	return h
}

// SetTap installs an optional sink for delivered payloads.
func (h *Handler) SetTap(t Tap) {
	h.tap = t
}

// OnClientID registers a freshly-identified client connection. The false
// return tells the server the client sends nothing further.
func (h *Handler) OnClientID(c graph.Conn, id string) bool {
	h.log.Info().Str("user", id).Msg("client identified")
	h.graph.Register(id, c)
	h.metrics.ConnectedClients.Inc()
	return false
}

// OnClientGone clears the user's connection handle after its socket closed.
// The user record and its followers persist.
func (h *Handler) OnClientGone(c graph.Conn, id string) {
	h.graph.Unregister(id, c)
	h.metrics.ConnectedClients.Dec()
}

// OnEventReceived buffers one raw line from the event source. The false
// return tells the server to drop the source connection; events already
// buffered in the queue are kept.
func (h *Handler) OnEventReceived(line string) bool {
	ev, err := event.Parse(line)
	if err != nil {
		h.log.Warn().Err(err).Msg("bad event line")
		h.metrics.ParseErrors.Inc()
		return false
	}
	h.metrics.EventsReceived.Inc()
	h.queue.Add(ev)
	return true
}

// OnPoll drains the reorder queue. The server calls this after every batch
// of network activity.
func (h *Handler) OnPoll() {
	before := h.queue.WaitingFor()
	h.released = 0
	h.queue.Poll()

	advanced := h.queue.WaitingFor() - before
	if skipped := advanced - h.released; skipped > 0 {
		h.metrics.EventsSkipped.Add(float64(skipped))
		h.log.Warn().
			Uint64("skipped", skipped).
			Uint64("resumed_at", h.queue.WaitingFor()).
			Msg("gap in event stream abandoned")
	}
	h.metrics.QueueDepth.Set(float64(h.queue.Len()))
}

// OnEvent routes one released event. Called by the reorder queue from
// within Poll.
func (h *Handler) OnEvent(ev event.Event) {
	h.released++
	h.metrics.EventsDelivered.Inc()
	if h.tap != nil {
		h.tap.Publish(ev.Raw)
	}

	switch ev.Code {
	case event.Follow:
		h.follow(ev)
	case event.Unfollow:
		h.unfollow(ev)
	case event.Broadcast:
		h.broadcast(ev)
	case event.Private:
		h.private(ev)
	case event.StatusUpdate:
		h.statusUpdate(ev)
	}
}

func (h *Handler) follow(ev event.Event) {
	u := h.graph.User(ev.To)
	u.AddFollower(ev.From)
	h.notify(u, ev.Raw)
}

// unfollow mutates the graph only; the followee is deliberately not notified.
func (h *Handler) unfollow(ev event.Event) {
	h.graph.User(ev.To).RemoveFollower(ev.From)
}

func (h *Handler) broadcast(ev event.Event) {
	for _, u := range h.graph.All() {
		h.notify(u, ev.Raw)
	}
}

func (h *Handler) private(ev event.Event) {
	h.notify(h.graph.User(ev.To), ev.Raw)
}

func (h *Handler) statusUpdate(ev event.Event) {
	for _, u := range h.graph.FollowersOf(ev.From) {
		h.notify(u, ev.Raw)
	}
}

// notify enqueues the raw payload to the user's connection. A user without a
// live connection is silently skipped.
func (h *Handler) notify(u *graph.User, payload string) {
	if u.Conn == nil {
		return
	}
	if u.Conn.Send(payload) {
		h.metrics.NotificationsSent.Inc()
	} else {
		h.metrics.NotificationsDropped.Inc()
	}
}
