package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/nexus/internal/config"
	"github.com/opencode-ai/nexus/internal/lifecycle"
	"github.com/opencode-ai/nexus/pkg/types"
)

// denyGate refuses a fixed set of commands.
type denyGate struct {
	denied map[string]bool
}

func (g *denyGate) Authorize(_ context.Context, command string) error {
	if g.denied[command] {
		return errors.New("denied by policy")
	}
	return nil
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Normalize()

	a, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSessionCommands(t *testing.T) {
	a := newTestApp(t)

	sess, err := a.CreateSession(testContext(t))
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	list := a.Sessions()
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)

	history, err := a.History(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, a.DeleteSession(testContext(t), sess.ID))
	assert.Empty(t, a.Sessions())
}

func TestSendMessageRequiresRunningServer(t *testing.T) {
	a := newTestApp(t)
	sess, err := a.CreateSession(testContext(t))
	require.NoError(t, err)

	_, err = a.SendMessage(testContext(t), sess.ID, "hello")
	assert.ErrorIs(t, err, types.ErrServerNotReady)
}

func TestGateDeniesCommands(t *testing.T) {
	gate := &denyGate{denied: map[string]bool{
		CmdServerStart:   true,
		CmdSessionCreate: true,
	}}
	a := newTestApp(t, WithGate(gate))

	err := a.StartServer(testContext(t))
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = a.CreateSession(testContext(t))
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// ungated reads still work
	assert.True(t, a.ServerState().Is(types.ServerStopped))
	sub := a.SubscribeEvents()
	sub.Close()
}

func TestServerLifecycleThroughApp(t *testing.T) {
	spawn := func(cfg types.ServerConfig) (lifecycle.Process, error) {
		return nil, types.ErrExecutableNotFound
	}
	a := newTestApp(t, WithLifecycleOptions(
		lifecycle.WithSpawn(spawn),
		lifecycle.WithReadyTimeout(time.Second),
	))

	err := a.StartServer(testContext(t))
	assert.ErrorIs(t, err, types.ErrExecutableNotFound)
	assert.True(t, a.ServerState().Is(types.ServerFailed))

	require.NoError(t, a.StopServer(testContext(t)))
}

func TestSetServerConfig(t *testing.T) {
	a := newTestApp(t)
	applied := a.SetServerConfig(types.ServerConfig{Binary: "/tmp/other"})
	assert.True(t, applied)
}

func TestEventsFlowThroughSubscription(t *testing.T) {
	a := newTestApp(t)
	sub := a.SubscribeEvents()
	defer sub.Close()

	_, err := a.CreateSession(testContext(t))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "session.created", string(ev.Type))
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestServerVersionProbedOnceAndCached(t *testing.T) {
	calls := 0
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Normalize()
	cfg.Server.Binary = "/opt/opencode"

	a, err := New(cfg, WithVersionProbe(func(context.Context, string) (string, error) {
		calls++
		return "opencode 3.1.0", nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, "opencode 3.1.0", a.ServerVersion(testContext(t)))
	assert.Equal(t, "opencode 3.1.0", a.ServerVersion(testContext(t)))
	assert.Equal(t, 1, calls)
}

func TestServerVersionUnsetBinary(t *testing.T) {
	a := newTestApp(t, WithVersionProbe(func(context.Context, string) (string, error) {
		t.Fatal("probe should not run without a binary")
		return "", nil
	}))
	assert.Equal(t, "", a.ServerVersion(testContext(t)))
}
