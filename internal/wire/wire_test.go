package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcom/internal/agentfsm"
	"agentcom/internal/auth"
	"agentcom/internal/eventbus"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/store"
	"agentcom/internal/taskqueue"
)

type testHub struct {
	hub      *Hub
	registry *agentfsm.Registry
	queue    *taskqueue.Queue
	tokens   *auth.Registry
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()

	main, err := store.Open(dir+"/tasks.db", "tasks", nil, "")
	require.NoError(t, err)
	dead, err := store.Open(dir+"/tasks_dead.db", "tasks_dead", nil, "")
	require.NoError(t, err)
	queue, err := taskqueue.New(main, dead, bus)
	require.NoError(t, err)

	registry := agentfsm.NewRegistry(queue, bus, time.Minute, 3)
	limiter := ratelimiter.New()
	tokens := auth.New(time.Hour)
	h := NewHub(registry, queue, limiter, bus, tokens)
	return &testHub{hub: h, registry: registry, queue: queue, tokens: tokens}
}

// identifyFrame mints a fresh token for agentID and builds a valid identify
// frame carrying it, so most tests don't need to care about token plumbing.
func (th *testHub) identifyFrame(t *testing.T, agentID string) Frame {
	t.Helper()
	tok, err := th.tokens.Register(agentID)
	require.NoError(t, err)
	return Frame{Type: FrameIdentify, AgentID: agentID, Token: tok}
}

func newFakeClient(h *Hub) *Client {
	return &Client{hub: h, send: make(chan []byte, sendBuffer), lastSeen: time.Now()}
}

func decodeFrame(t *testing.T, data []byte) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHandleIdentifyRegistersAgentAndRespondsToPing(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)

	f := th.identifyFrame(t, "agent-1")
	f.Name = "worker"
	f.Capabilities = []string{"go"}
	th.hub.dispatch(c, f)
	require.Equal(t, "agent-1", c.AgentID())
	require.Contains(t, th.hub.ConnectedAgents(), "agent-1")

	identified := decodeFrame(t, <-c.send)
	require.Equal(t, FrameIdentified, identified.Type)

	th.hub.dispatch(c, Frame{Type: FramePing})
	data := <-c.send
	f2 := decodeFrame(t, data)
	require.Equal(t, FramePong, f2.Type)
}

func TestHandleIdentifyRejectsInvalidToken(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)

	th.hub.dispatch(c, Frame{Type: FrameIdentify, AgentID: "agent-1", Token: "bogus"})
	require.Empty(t, c.AgentID())

	f := decodeFrame(t, <-c.send)
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, ErrInvalidToken, f.Error)
}

func TestHandleIdentifyRejectsTokenForWrongAgent(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)

	tok, err := th.tokens.Register("agent-1")
	require.NoError(t, err)

	th.hub.dispatch(c, Frame{Type: FrameIdentify, AgentID: "agent-2", Token: tok})
	require.Empty(t, c.AgentID())

	f := decodeFrame(t, <-c.send)
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, ErrTokenAgentMismatch, f.Error)
}

func TestDispatchDropsFramesBeforeIdentify(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)

	th.hub.dispatch(c, Frame{Type: FramePing})
	require.Empty(t, c.AgentID())
	select {
	case <-c.send:
		t.Fatal("expected no frame to be queued before identify")
	default:
	}
}

func identify(t *testing.T, th *testHub, c *Client, agentID string) {
	t.Helper()
	th.hub.dispatch(c, th.identifyFrame(t, agentID))
	<-c.send // drain the "identified" ack
}

func TestSendAssignDeliversToConnectedAgent(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)
	identify(t, th, c, "agent-1")

	ok := th.hub.SendAssign("agent-1", "task-1", 1, []byte(`{"id":"task-1"}`))
	require.True(t, ok)

	data := <-c.send
	f := decodeFrame(t, data)
	require.Equal(t, FrameTaskAssign, f.Type)
	require.Equal(t, "task-1", f.TaskID)
	require.Equal(t, int64(1), f.Generation)
}

func TestSendAssignToUnknownAgentReturnsFalse(t *testing.T) {
	th := newTestHub(t)
	require.False(t, th.hub.SendAssign("ghost", "task-1", 1, nil))
}

func TestSendCancelDeliversToConnectedAgent(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)
	identify(t, th, c, "agent-1")

	require.True(t, th.hub.SendCancel("agent-1", "task-1"))
	f := decodeFrame(t, <-c.send)
	require.Equal(t, FrameTaskCancel, f.Type)
	require.Equal(t, "task-1", f.TaskID)
}

func TestUnregisterRemovesClientAndDisconnectsAgent(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)
	identify(t, th, c, "agent-1")
	require.Contains(t, th.hub.ConnectedAgents(), "agent-1")

	th.hub.unregister(c)
	require.NotContains(t, th.hub.ConnectedAgents(), "agent-1")

	agent, ok := th.registry.Get("agent-1")
	require.True(t, ok)
	require.NotNil(t, agent)
}

func TestDispatchRateLimitsHeavyIdentifyBurst(t *testing.T) {
	th := newTestHub(t)
	tok, err := th.tokens.Register("agent-1")
	require.NoError(t, err)

	var lastClient *Client
	for i := 0; i < 20; i++ {
		c := newFakeClient(th.hub)
		th.hub.dispatch(c, Frame{Type: FrameIdentify, AgentID: "agent-1", Token: tok})
		lastClient = c
	}

	denied := false
	for {
		select {
		case data := <-lastClient.send:
			f := decodeFrame(t, data)
			if f.Type == FrameRateLimited {
				denied = true
			}
		default:
			goto done
		}
	}
done:
	require.True(t, denied, "expected repeated identify bursts to eventually be rate limited")
}

func TestRunPushesTaskAssignedEventsToConnectedAgent(t *testing.T) {
	th := newTestHub(t)
	c := newFakeClient(th.hub)
	identify(t, th, c, "agent-1")

	go th.hub.Run()
	defer th.hub.Stop()

	task, err := th.queue.Submit(taskqueue.SubmitParams{Description: "x", GoalID: "goal-1", Repo: "r", SuccessCriteria: []string{"done"}})
	require.NoError(t, err)
	_, err = th.queue.Assign(task.ID, "agent-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case data := <-c.send:
			f := decodeFrame(t, data)
			return f.Type == FrameTaskAssign && f.TaskID == task.ID
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
