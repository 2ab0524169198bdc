package session_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/agent/pkg/session"
)

func newStore(t *testing.T, clock clockwork.Clock, cfg session.StoreConfig) *session.Store {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Clock = clock
	st, err := session.NewStore(cfg)
	require.NoError(t, err)
	return st
}

func TestLake_Session_Validate(t *testing.T) {
	t.Parallel()
	_, err := session.NewStore(session.StoreConfig{})
	require.Error(t, err)
}

func TestLake_Session_ExpiresAfterIdleTTL(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	st := newStore(t, clock, session.StoreConfig{TTL: time.Minute})

	s := st.Create("churn")
	require.Equal(t, "churn", s.DatasetRef())

	clock.Advance(50 * time.Second)
	got, err := st.Get(s.ID())
	require.NoError(t, err)
	require.Same(t, s, got)

	// Get extended the lifetime.
	clock.Advance(50 * time.Second)
	_, err = st.Get(s.ID())
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	_, err = st.Get(s.ID())
	require.ErrorIs(t, err, session.ErrExpired)
	require.Zero(t, st.Len())

	_, err = st.Get(s.ID())
	require.ErrorIs(t, err, session.ErrNotFound)
	_, err = st.Get(uuid.New())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestLake_Session_Sweep(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	st := newStore(t, clock, session.StoreConfig{TTL: time.Minute})

	st.Create("a")
	clock.Advance(30 * time.Second)
	fresh := st.Create("b")
	clock.Advance(45 * time.Second)

	require.Equal(t, 1, st.Sweep())
	require.Equal(t, 1, st.Len())
	_, err := st.Get(fresh.ID())
	require.NoError(t, err)
}

func TestLake_Session_RunSweepsOnTicker(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	st := newStore(t, clock, session.StoreConfig{TTL: time.Minute})
	st.Create("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Run(ctx, 10*time.Second)
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return st.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestLake_Session_HistoryIsBoundedAndCopied(t *testing.T) {
	t.Parallel()
	st := newStore(t, clockwork.NewFakeClock(), session.StoreConfig{MaxHistory: 2})
	s := st.Create("a")

	s.Record(prompt.Turn{Question: "one"})
	s.Record(prompt.Turn{Question: "two", Outcome: "rejected: disallowed_import"})
	s.Record(prompt.Turn{Question: "three"})

	h := s.History()
	require.Len(t, h, 2)
	require.Equal(t, "two", h[0].Question)
	require.Equal(t, "rejected: disallowed_import", h[0].Outcome)
	require.Equal(t, "three", h[1].Question)

	h[0].Question = "changed"
	require.Equal(t, "two", s.History()[0].Question)
}

func TestLake_Session_GenerationRateLimit(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	st := newStore(t, clock, session.StoreConfig{GenerationRPS: 1, Burst: 2})
	s := st.Create("a")
	other := st.Create("a")

	require.True(t, s.AllowGeneration())
	require.True(t, s.AllowGeneration())
	require.False(t, s.AllowGeneration())
	require.True(t, other.AllowGeneration())

	clock.Advance(time.Second)
	require.True(t, s.AllowGeneration())
	require.False(t, s.AllowGeneration())
}
