// Package messagebus is the async communication network for kernel cells,
// grounded on original_source's message_bus.py design (vertical / lateral /
// broadcast message families over per-cell mailboxes) and on the teacher's
// cancellation.go pattern for a process-wide, mutex-guarded registry.
//
// Per-pair delivery uses one buffered Go channel per registered cell: every
// Send for a given receiver funnels through that single channel in call
// order, which already gives the sender->receiver FIFO guarantee the spec
// requires without imposing any global ordering across senders. Broadcast
// topics additionally fan out over NATS (libs/go/core/natsctx) so a
// multi-process deployment sees ANNOUNCE/ALERT/UPDATE too.
package messagebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/kea-research/kernel/libs/go/core/natsctx"
)

// Kind is a message kind within one of three families.
type Kind string

// Vertical: parent -> child.
const (
	KindDelegate Kind = "DELEGATE"
	KindRedirect Kind = "REDIRECT"
	KindFeedback Kind = "FEEDBACK"
	KindCancel   Kind = "CANCEL"
	KindResource Kind = "RESOURCE"
)

// Vertical: child -> parent.
const (
	KindClarify  Kind = "CLARIFY"
	KindProgress Kind = "PROGRESS"
	KindEscalate Kind = "ESCALATE"
	KindPartial  Kind = "PARTIAL"
	KindBlocked  Kind = "BLOCKED"
)

// Lateral: peer <-> peer.
const (
	KindShare      Kind = "SHARE"
	KindConsult    Kind = "CONSULT"
	KindCoordinate Kind = "COORDINATE"
	KindHandoff    Kind = "HANDOFF"
	KindConflict   Kind = "CONFLICT"
)

// Broadcast: one -> many.
const (
	KindAnnounce Kind = "ANNOUNCE"
	KindAlert    Kind = "ALERT"
	KindUpdate   Kind = "UPDATE"
)

// Message is one envelope passed between cells or broadcast on a topic.
type Message struct {
	ID        string
	From      string
	To        string // empty for broadcast
	Kind      Kind
	Payload   any
	Reason    string // e.g. "stall" for CANCEL
	SentAt    time.Time
}

const defaultInboxBuffer = 64

// Bus is the process-wide mailbox registry. The session registry,
// dispatcher and governor singletons referenced in spec.md §9's "Global
// state" note are process-wide; Bus follows the same pattern but is
// constructed explicitly by the host (no package-level singleton) so
// tests can substitute a fresh instance per case.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]chan Message
	topics  map[string][]chan Message
	nc      *nats.Conn // optional; nil means broadcast stays in-process only
}

// NewBus constructs an empty bus. nc may be nil.
func NewBus(nc *nats.Conn) *Bus {
	return &Bus{
		inboxes: make(map[string]chan Message),
		topics:  make(map[string][]chan Message),
		nc:      nc,
	}
}

// Register creates (or replaces) cellID's inbox and returns the receive
// side. Every active KernelCell registers on creation.
func (b *Bus) Register(cellID string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, defaultInboxBuffer)
	b.inboxes[cellID] = ch
	return ch
}

// Unregister closes and removes cellID's inbox. Safe to call once a cell
// has reached a terminal state.
func (b *Bus) Unregister(cellID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[cellID]; ok {
		close(ch)
		delete(b.inboxes, cellID)
	}
}

// Send delivers msg to msg.To's inbox. Returns an error if the receiver is
// not registered or its inbox is full (a stalled consumer should not be
// able to block the sender's process() loop forever).
func (b *Bus) Send(msg Message) error {
	b.mu.RLock()
	ch, ok := b.inboxes[msg.To]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("messagebus: receiver %q not registered", msg.To)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("messagebus: inbox for %q is full (kind=%s)", msg.To, msg.Kind)
	}
}

// Subscribe returns a channel fed every message Broadcast on topic.
func (b *Bus) Subscribe(topic string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, defaultInboxBuffer)
	b.topics[topic] = append(b.topics[topic], ch)
	return ch
}

// Broadcast fans msg out to every in-process Subscribe(topic) channel and,
// if a NATS connection was supplied, also publishes it so other processes
// in the deployment observe ANNOUNCE/ALERT/UPDATE and the governor's
// graceful-degrader event.
func (b *Bus) Broadcast(ctx context.Context, topic string, msg Message) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.mu.RLock()
	subs := append([]chan Message(nil), b.topics[topic]...)
	nc := b.nc
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("messagebus: broadcast subscriber full, dropping", "topic", topic, "kind", msg.Kind)
		}
	}

	if nc != nil {
		data := []byte(fmt.Sprintf(`{"kind":%q,"from":%q,"reason":%q}`, msg.Kind, msg.From, msg.Reason))
		if err := natsctx.Publish(ctx, nc, "kea.broadcast."+topic, data); err != nil {
			slog.Warn("messagebus: nats publish failed", "topic", topic, "error", err)
		}
	}
}
