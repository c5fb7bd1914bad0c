package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/testutils"
)

// TestPostgresStore 對 PostgreSQL 實現執行共用行為測試
//
// 使用 testcontainers 啟動真實的 PostgreSQL；整個測試共用一個容器，
// 每個子測試前清空資料表。
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T) storage.Store {
		_, err := env.Pool.Exec(ctx, `TRUNCATE turns, matches, queue`)
		require.NoError(t, err)
		return storage.NewPostgres(env.Pool, newIDGen(t))
	})
}

// TestPostgres_BoardRoundTrip 測試棋盤 JSONB 往返的保序性
func TestPostgres_BoardRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()

	s := storage.NewPostgres(env.Pool, newIDGen(t))
	match := createTestMatch(t, s)

	// 棋盤經過 JSONB 儲存與讀回，每個格子的位置必須不變
	g := game.Load(match.Board)
	for _, c := range []int{0, 6, 3, 3, 1, 5} {
		prev := g.Board
		player := g.Current
		_, err := g.Apply(c, player)
		require.NoError(t, err)
		require.NoError(t, s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    player,
			Column:    c,
			PrevBoard: prev,
			Board:     g.Board,
			Result:    g.Result,
		}))
	}

	got, err := s.Match(ctx, match.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Board, got.Board)
}
