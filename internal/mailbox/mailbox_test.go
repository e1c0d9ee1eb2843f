package mailbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcom/internal/eventbus"
	"agentcom/internal/store"
)

func newTestMailbox(t *testing.T) (*Mailbox, *store.Handle) {
	t.Helper()
	h, err := store.Open(filepath.Join(t.TempDir(), "mailbox.db"), "mailbox", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	m, err := New(h, eventbus.New())
	require.NoError(t, err)
	return m, h
}

func TestSendValidatesRequiredFields(t *testing.T) {
	m, _ := newTestMailbox(t)
	_, err := m.Send(SendParams{FromAgentID: "a1", Body: "hi"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSendAndFetchChannel(t *testing.T) {
	m, _ := newTestMailbox(t)
	_, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "hello"})
	require.NoError(t, err)

	msgs := m.FetchChannel("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Body)
}

func TestFetchForAgentOnlyReturnsDirectMessages(t *testing.T) {
	m, _ := newTestMailbox(t)
	_, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", ToAgentID: "a2", Body: "direct"})
	require.NoError(t, err)
	_, err = m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "broadcast"})
	require.NoError(t, err)

	msgs := m.FetchForAgent("a2")
	require.Len(t, msgs, 1)
	require.Equal(t, "direct", msgs[0].Body)
}

func TestAckExcludesFromFetch(t *testing.T) {
	m, _ := newTestMailbox(t)
	msg, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "hi"})
	require.NoError(t, err)

	_, err = m.Ack(msg.ID)
	require.NoError(t, err)

	require.Empty(t, m.FetchChannel("c1"))
}

func TestAckUnknownMessageReturnsNotFound(t *testing.T) {
	m, _ := newTestMailbox(t)
	_, err := m.Ack("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpireMessagesPrunesPastTTL(t *testing.T) {
	m, _ := newTestMailbox(t)
	msg, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "hi", TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	pruned := m.ExpireMessages(0)
	require.Equal(t, 1, pruned)

	_, err = m.Ack(msg.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpireMessagesRespectsMaxPrune(t *testing.T) {
	m, _ := newTestMailbox(t)
	for i := 0; i < 5; i++ {
		_, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "hi", TTL: time.Millisecond})
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)
	pruned := m.ExpireMessages(2)
	require.Equal(t, 2, pruned)
}

func TestMailboxSurvivesReload(t *testing.T) {
	m, h := newTestMailbox(t)
	_, err := m.Send(SendParams{ChannelID: "c1", FromAgentID: "a1", Body: "persisted"})
	require.NoError(t, err)

	path := h.Path()
	table := h.Table()
	require.NoError(t, h.Close())

	h2, err := store.Open(path, table, nil, "")
	require.NoError(t, err)
	defer h2.Close()

	m2, err := New(h2, nil)
	require.NoError(t, err)
	msgs := m2.FetchChannel("c1")
	require.Len(t, msgs, 1)
}
