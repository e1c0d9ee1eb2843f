package httpapi

import (
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"agentcom/internal/agentfsm"
	"agentcom/internal/alerts"
	"agentcom/internal/auth"
	"agentcom/internal/detsbackup"
	"agentcom/internal/eventbus"
	"agentcom/internal/goalbacklog"
	"agentcom/internal/hubfsm"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/store"
	"agentcom/internal/taskqueue"
	"agentcom/internal/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer wires a Server from real, disposable store handles, matching
// the shape internal/wire's tests already use for the task/agent stack.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()

	tasksMain, err := store.Open(dir+"/tasks.db", "tasks", nil, "")
	require.NoError(t, err)
	tasksDead, err := store.Open(dir+"/tasks_dead.db", "tasks_dead", nil, "")
	require.NoError(t, err)
	queue, err := taskqueue.New(tasksMain, tasksDead, bus)
	require.NoError(t, err)

	goalsHandle, err := store.Open(dir+"/goals.db", "goals", nil, "")
	require.NoError(t, err)
	backlog, err := goalbacklog.New(goalsHandle, bus)
	require.NoError(t, err)

	registry := agentfsm.NewRegistry(queue, bus, time.Minute, 3)
	hub := hubfsm.New(bus)
	limiter := ratelimiter.New()
	tokens := auth.New(time.Hour)
	alertRegistry := alerts.New(bus)

	storage := detsbackup.NewLocalStorage(dir + "/backups")
	maintainer := detsbackup.New(dir, storage, bus, detsbackup.DefaultRetention)

	wireHub := wire.NewHub(registry, queue, limiter, bus, tokens)

	return &Server{
		Queue:      queue,
		Backlog:    backlog,
		Hub:        hub,
		Registry:   registry,
		Limiter:    limiter,
		Maintainer: maintainer,
		Alerts:     alertRegistry,
		Tokens:     tokens,
		WireHub:    wireHub,
		RegisteredRepos: map[string]bool{},
	}
}

func bearerToken(t *testing.T, s *Server, agentID string) string {
	t.Helper()
	tok, err := s.Tokens.Register(agentID)
	require.NoError(t, err)
	return tok
}
