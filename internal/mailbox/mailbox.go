// Package mailbox implements AgentCom's inter-agent messaging surface —
// the `channels/… mailbox/… threads/…` directories named in spec.md's
// persisted layout and the TTL-expiry half of the reaper's responsibility
// ("expire mailbox messages past TTL"). Channels and threads are opaque
// string identifiers scoping a Message, not separate stored entities with
// their own lifecycle; the spec describes no independent operations for
// them beyond addressing, so they are carried as fields rather than
// modules of their own.
//
// Grounded on the same single-writer-actor shape as taskqueue/goalbacklog/
// costledger: a mutex-guarded struct wrapping a *store.Handle, in-memory
// index rebuilt from disk on construction, persist-before-publish ordering.
package mailbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcom/internal/eventbus"
	"agentcom/internal/store"
)

// Message is one durable mailbox entry.
type Message struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id,omitempty"` // empty = broadcast to ChannelID
	Body        string `json:"body"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Acked       bool   `json:"acked"`
}

// SendParams describes a new message.
type SendParams struct {
	ChannelID   string
	ThreadID    string
	FromAgentID string
	ToAgentID   string
	Body        string
	TTL         time.Duration // 0 means DefaultTTL
}

// DefaultTTL is how long an unacked message survives before the reaper
// expires it.
const DefaultTTL = 24 * time.Hour

var (
	// ErrValidation is returned for malformed SendParams.
	ErrValidation = fmt.Errorf("mailbox: validation failed")
	// ErrNotFound is returned when a message id is unknown.
	ErrNotFound = fmt.Errorf("mailbox: message not found")
)

// Mailbox is the single-writer actor owning all mailbox state.
type Mailbox struct {
	mu  sync.Mutex
	h   *store.Handle
	bus *eventbus.Bus

	messages map[string]*Message
}

func now() int64 { return time.Now().UnixMilli() }

// New constructs a Mailbox, rebuilding its in-memory index from h.
func New(h *store.Handle, bus *eventbus.Bus) (*Mailbox, error) {
	m := &Mailbox{h: h, bus: bus, messages: make(map[string]*Message)}
	if h == nil {
		return m, nil
	}
	err := h.Fold(func(_, v []byte) error {
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return fmt.Errorf("mailbox: corrupt record: %w", err)
		}
		m.messages[msg.ID] = &msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mailbox) persist(msg *Message) error {
	if m.h == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: marshal failed: %w", err)
	}
	return m.h.Insert([]byte(msg.ID), data)
}

// Send appends a new message and publishes it on TopicMailbox.
func (m *Mailbox) Send(p SendParams) (*Message, error) {
	if p.ChannelID == "" || p.FromAgentID == "" || p.Body == "" {
		return nil, fmt.Errorf("%w: channel_id, from_agent_id and body are required", ErrValidation)
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	msg := &Message{
		ID:          uuid.New().String(),
		ChannelID:   p.ChannelID,
		ThreadID:    p.ThreadID,
		FromAgentID: p.FromAgentID,
		ToAgentID:   p.ToAgentID,
		Body:        p.Body,
		CreatedAt:   ts,
		ExpiresAt:   ts + ttl.Milliseconds(),
	}
	if err := m.persist(msg); err != nil {
		return nil, fmt.Errorf("mailbox: persist failed: %w", err)
	}
	m.messages[msg.ID] = msg

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMailbox, "message_sent", *msg)
	}
	return msg, nil
}

// Ack marks a message as acknowledged, excluding it from future Fetch
// results but leaving it in place until the reaper's TTL sweep.
func (m *Mailbox) Ack(id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *msg
	clone.Acked = true
	if err := m.persist(&clone); err != nil {
		return nil, fmt.Errorf("mailbox: persist failed: %w", err)
	}
	m.messages[id] = &clone
	return &clone, nil
}

// FetchChannel returns every unacked, unexpired message on channelID,
// oldest first.
func (m *Mailbox) FetchChannel(channelID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	out := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.ChannelID != channelID || msg.Acked || msg.ExpiresAt <= ts {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sortByCreatedAt(out)
	return out
}

// FetchForAgent returns every unacked, unexpired message directly
// addressed to agentID, oldest first.
func (m *Mailbox) FetchForAgent(agentID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	out := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.ToAgentID != agentID || msg.Acked || msg.ExpiresAt <= ts {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sortByCreatedAt(out)
	return out
}

func sortByCreatedAt(msgs []*Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].CreatedAt > msgs[j].CreatedAt; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// ExpireMessages deletes every message past its TTL, bounded by maxPrune —
// this is what satisfies the reaper's MailboxExpirer interface.
func (m *Mailbox) ExpireMessages(maxPrune int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := now()
	pruned := 0
	for id, msg := range m.messages {
		if maxPrune > 0 && pruned >= maxPrune {
			break
		}
		if msg.ExpiresAt > ts {
			continue
		}
		if m.h != nil {
			if err := m.h.Delete([]byte(id)); err != nil {
				continue
			}
		}
		delete(m.messages, id)
		pruned++
	}
	return pruned
}
