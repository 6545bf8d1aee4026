// ABOUTME: In-memory fan-out of room events to subscribed operator clients.
// ABOUTME: Carries task messages, agent status changes, and stream chunks per conversation.

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hexalink/hexalink/internal/protocol"
)

// subscriberBufferSize is the channel buffer for each room subscriber.
const subscriberBufferSize = 64

// Broadcaster is an in-memory pub/sub of wire envelopes keyed by
// conversation ID. Operator clients join a room to observe task results and
// agent status changes as they happen, without polling.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]chan *protocol.Envelope // conversationID -> subID -> ch
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		rooms:  make(map[string]map[string]chan *protocol.Envelope),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe joins the room for a conversation. It returns the event channel
// and a subscription ID for explicit Leave. The subscription is removed
// automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *protocol.Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *protocol.Envelope, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.rooms[conversationID]; !ok {
		b.rooms[conversationID] = make(map[string]chan *protocol.Envelope)
	}
	b.rooms[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("room joined", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish delivers an envelope to every subscriber of the conversation room.
// A non-empty excludeSubID skips that subscriber, so a client does not echo
// its own events back. Sends never block; a full subscriber channel drops
// the envelope for that subscriber only.
func (b *Broadcaster) Publish(conversationID string, env *protocol.Envelope, excludeSubID string) {
	b.mu.RLock()
	subs, ok := b.rooms[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	targets := make([]chan *protocol.Envelope, 0, len(subs))
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- env:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", conversationID,
				"event", env.Event)
		}
	}
}

// Unsubscribe leaves a room and closes the subscriber channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.rooms, conversationID)
	}

	b.logger.Debug("room left", "conversation_id", conversationID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conversationID, subs := range b.rooms {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.rooms, conversationID)
	}

	b.logger.Debug("broadcaster closed")
}
