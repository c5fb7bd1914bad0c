package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/server"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
	"github.com/koopa0/system-design/14-game-matchmaking/pkg/snowflake"
)

func newMatchmaker(t *testing.T) (*server.Matchmaker, storage.Store) {
	t.Helper()

	gen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	store := storage.NewMemory(gen)

	cfg := server.DefaultConfig()
	cfg.Matchmaking.TickInterval = 10 * time.Millisecond

	m := server.NewMatchmaker(store, cfg, testLogger())
	m.Start()
	t.Cleanup(m.Stop)
	return m, store
}

func waitEvent(t *testing.T, m *server.Matchmaker) server.MatchEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待配對事件超時")
		return server.MatchEvent{}
	}
}

// TestMatchmaker_PairsWaitingPlayers 等最久的兩位玩家被湊成一對
func TestMatchmaker_PairsWaitingPlayers(t *testing.T) {
	m, store := newMatchmaker(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "p1", "Alice"))
	require.NoError(t, store.Enqueue(ctx, "p2", "Bob"))

	ev := waitEvent(t, m)
	require.NotNil(t, ev.Match)
	assert.Equal(t, "Alice", ev.Match.Player1Name)
	assert.Equal(t, "Bob", ev.Match.Player2Name)

	// 雙方已被移出佇列
	entries, err := store.Queue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestMatchmaker_OnePairPerTick 每輪只湊一對，四位玩家產生兩場對局
func TestMatchmaker_OnePairPerTick(t *testing.T) {
	m, store := newMatchmaker(t)
	ctx := context.Background()

	for _, p := range []struct{ id, name string }{
		{"p1", "Alice"}, {"p2", "Bob"}, {"p3", "Carol"}, {"p4", "Dave"},
	} {
		require.NoError(t, store.Enqueue(ctx, p.id, p.name))
	}

	first := waitEvent(t, m)
	second := waitEvent(t, m)

	assert.Equal(t, "Alice", first.Match.Player1Name)
	assert.Equal(t, "Bob", first.Match.Player2Name)
	assert.Equal(t, "Carol", second.Match.Player1Name)
	assert.Equal(t, "Dave", second.Match.Player2Name)
	assert.NotEqual(t, first.Match.ID, second.Match.ID)
}

// TestMatchmaker_SinglePlayerWaits 單獨一位玩家不會被配對
func TestMatchmaker_SinglePlayerWaits(t *testing.T) {
	m, store := newMatchmaker(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "p1", "Alice"))

	select {
	case ev := <-m.Events():
		t.Fatalf("不該產生配對事件: %+v", ev.Match)
	case <-time.After(100 * time.Millisecond):
	}

	entries, err := store.Queue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
