// Package feed streams transcript events to WebSocket subscribers.
//
// The Hub fans every session event out to all connected clients. Delivery is
// strictly best-effort: a subscriber whose buffer fills is disconnected so
// the recording pipeline never waits on a slow network reader.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/session"
	"github.com/MrWong99/loquax/pkg/types"
)

const (
	// subscriberBuffer is the per-client event backlog. Filling it marks
	// the client as too slow.
	subscriberBuffer = 32

	// writeTimeout bounds one websocket write to a client.
	writeTimeout = 5 * time.Second
)

// Event is one feed message. Type is "session_started", "segments" or
// "session_ended"; the remaining fields are filled per type.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	StartedAt string         `json:"started_at,omitempty"`
	EndedAt   string         `json:"ended_at,omitempty"`
	Error     string         `json:"error,omitempty"`
	Segments  []SegmentEvent `json:"segments,omitempty"`
}

// SegmentEvent is one transcribed segment on the wire. Offsets are
// milliseconds relative to session start.
type SegmentEvent struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type subscriber struct {
	ch chan []byte

	// slow is set before ch is closed by the broadcaster; the channel close
	// publishes it to the write loop.
	slow bool
}

// Hub broadcasts session events to websocket clients. It implements
// [session.Broadcaster] and [http.Handler] (GET /feed).
type Hub struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	current []byte // session_started event of the running session
	closed  bool
}

var _ session.Broadcaster = (*Hub)(nil)
var _ http.Handler = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(metrics *observe.Metrics) *Hub {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Hub{
		metrics: metrics,
		subs:    make(map[*subscriber]struct{}),
	}
}

// SessionStarted implements session.Broadcaster. The event is also replayed
// to clients that connect while the session is still running.
func (h *Hub) SessionStarted(info types.SessionInfo) {
	data := marshalEvent(Event{
		Type:      "session_started",
		SessionID: info.ID,
		Mode:      string(info.Mode),
		StartedAt: info.StartedAt.Format(time.RFC3339),
	})
	if data == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = data
	h.send(data)
}

// Segments implements session.Broadcaster.
func (h *Hub) Segments(segments []types.Segment) {
	if len(segments) == 0 {
		return
	}
	ev := Event{Type: "segments", Segments: make([]SegmentEvent, 0, len(segments))}
	for _, seg := range segments {
		ev.Segments = append(ev.Segments, SegmentEvent{
			StartMS: seg.Start.Milliseconds(),
			EndMS:   seg.End.Milliseconds(),
			Text:    seg.Text,
		})
	}
	data := marshalEvent(ev)
	if data == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.send(data)
}

// SessionEnded implements session.Broadcaster.
func (h *Hub) SessionEnded(info types.SessionInfo) {
	ev := Event{
		Type:      "session_ended",
		SessionID: info.ID,
		EndedAt:   info.EndedAt.Format(time.RFC3339),
	}
	if info.Err != nil {
		ev.Error = info.Err.Error()
	}
	data := marshalEvent(ev)
	if data == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = nil
	h.send(data)
}

// send delivers data to every subscriber without blocking. Callers hold
// h.mu. A subscriber with a full buffer is dropped on the spot.
func (h *Hub) send(data []byte) {
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			slog.Warn("feed: dropping slow subscriber")
			delete(h.subs, sub)
			sub.slow = true
			close(sub.ch)
			h.metrics.FeedSubscribers.Add(context.Background(), -1)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects, falls behind, or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("feed: websocket accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	sub := h.subscribe()
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "feed closed")
		return
	}
	defer h.unsubscribe(sub)
	slog.Debug("feed: subscriber connected", "remote", r.RemoteAddr)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case data, ok := <-sub.ch:
			if !ok {
				if sub.slow {
					conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				} else {
					conn.Close(websocket.StatusGoingAway, "feed closed")
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// subscribe registers a new client and hands it the running session's start
// event so a mid-session viewer knows what it is looking at.
func (h *Hub) subscribe() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	if h.current != nil {
		sub.ch <- h.current
	}
	h.subs[sub] = struct{}{}
	h.metrics.FeedSubscribers.Add(context.Background(), 1)
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		// Already dropped by the broadcaster.
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	h.metrics.FeedSubscribers.Add(context.Background(), -1)
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers and rejects new connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
		h.metrics.FeedSubscribers.Add(context.Background(), -1)
	}
	return nil
}

func marshalEvent(ev Event) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("feed: marshal event", "type", ev.Type, "err", err)
		return nil
	}
	return data
}
