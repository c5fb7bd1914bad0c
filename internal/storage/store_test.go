package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
	"github.com/koopa0/system-design/14-game-matchmaking/pkg/snowflake"
)

// newIDGen 測試用 ID 生成器
func newIDGen(t *testing.T) *snowflake.Generator {
	t.Helper()
	gen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	return gen
}

// runStoreSuite 對任一 Store 實現執行相同的行為測試
//
// Memory 與 Postgres 必須有一致的可觀察語義，共用同一套測試
// 確保兩者不會悄悄分歧。newStore 每個子測試返回一個乾淨的存儲。
func runStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("enqueue is idempotent per identity", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "1.1.1.1:1000", "Alice"))
		require.NoError(t, s.Enqueue(ctx, "1.1.1.1:1000", "Alice2"))

		entries, err := s.Queue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "Alice2", entries[0].Name)
	})

	t.Run("re-enqueue resets arrival order", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))
		require.NoError(t, s.Enqueue(ctx, "b:1", "Bob"))
		// Alice 重新加入 → 排到 Bob 之後
		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))

		entries, err := s.Queue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "b:1", entries[0].PlayerID)
		assert.Equal(t, "a:1", entries[1].PlayerID)
	})

	t.Run("dequeue reports whether entry existed", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))

		removed, err := s.Dequeue(ctx, "a:1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Dequeue(ctx, "a:1")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("queue scan respects limit and order", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))
		require.NoError(t, s.Enqueue(ctx, "b:1", "Bob"))
		require.NoError(t, s.Enqueue(ctx, "c:1", "Carol"))

		entries, err := s.Queue(ctx, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "a:1", entries[0].PlayerID)
		assert.Equal(t, "b:1", entries[1].PlayerID)
	})

	t.Run("create match removes exactly the paired entries", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))
		require.NoError(t, s.Enqueue(ctx, "b:1", "Bob"))
		require.NoError(t, s.Enqueue(ctx, "c:1", "Carol"))

		entries, err := s.Queue(ctx, 2)
		require.NoError(t, err)

		match, err := s.CreateMatch(ctx, entries[0], entries[1])
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.NotZero(t, match.ID)
		assert.Equal(t, "Alice", match.Player1Name)
		assert.Equal(t, "Bob", match.Player2Name)
		assert.False(t, match.Finished)
		assert.Equal(t, game.ResultInProgress, match.Result)
		assert.Equal(t, game.Board{}, match.Board)

		// Carol 留在佇列
		remaining, err := s.Queue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "c:1", remaining[0].PlayerID)
	})

	t.Run("create match conflicts when an entry already left", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))
		require.NoError(t, s.Enqueue(ctx, "b:1", "Bob"))

		entries, err := s.Queue(ctx, 2)
		require.NoError(t, err)

		// Bob 在掃描與配對之間離開
		_, err = s.Dequeue(ctx, "b:1")
		require.NoError(t, err)

		_, err = s.CreateMatch(ctx, entries[0], entries[1])
		assert.ErrorIs(t, err, storage.ErrConflict)

		// 配對失敗不得動到 Alice 的佇列記錄
		remaining, err := s.Queue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "a:1", remaining[0].PlayerID)
	})

	t.Run("match lookup by id and by player", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		got, err := s.Match(ctx, match.ID)
		require.NoError(t, err)
		assert.Equal(t, match.ID, got.ID)

		_, err = s.Match(ctx, match.ID+999)
		assert.ErrorIs(t, err, storage.ErrMatchNotFound)

		active, err := s.ActiveMatchByPlayer(ctx, "a:1")
		require.NoError(t, err)
		assert.Equal(t, match.ID, active.ID)

		_, err = s.ActiveMatchByPlayer(ctx, "nobody:1")
		assert.ErrorIs(t, err, storage.ErrMatchNotFound)
	})

	t.Run("player number mapping", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		assert.Equal(t, 1, match.PlayerNumber("a:1"))
		assert.Equal(t, 2, match.PlayerNumber("b:1"))
		assert.Equal(t, 0, match.PlayerNumber("c:1"))
	})

	t.Run("apply turn updates board and appends turn", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		g := game.Load(match.Board)
		row, err := g.Apply(3, game.Player1)
		require.NoError(t, err)
		assert.Equal(t, 5, row)

		require.NoError(t, s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    1,
			Column:    3,
			PrevBoard: match.Board,
			Board:     g.Board,
			Result:    g.Result,
		}))

		got, err := s.Match(ctx, match.ID)
		require.NoError(t, err)
		assert.Equal(t, g.Board, got.Board)
		assert.False(t, got.Finished)

		turns, err := s.Turns(ctx, match.ID)
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, 1, turns[0].Player)
		assert.Equal(t, 3, turns[0].Column)
	})

	t.Run("apply turn with stale board conflicts", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		g := game.Load(match.Board)
		_, err := g.Apply(0, game.Player1)
		require.NoError(t, err)

		require.NoError(t, s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    1,
			Column:    0,
			PrevBoard: match.Board,
			Board:     g.Board,
			Result:    g.Result,
		}))

		// 基於同一個舊快照的第二次寫入必須輸掉競爭
		err = s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    1,
			Column:    0,
			PrevBoard: match.Board,
			Board:     g.Board,
			Result:    g.Result,
		})
		assert.ErrorIs(t, err, storage.ErrConflict)

		turns, err := s.Turns(ctx, match.ID)
		require.NoError(t, err)
		assert.Len(t, turns, 1)
	})

	t.Run("terminal result finalizes match", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		// 直接構造玩家 1 縱向四連的終局棋盤
		g := game.Load(match.Board)
		columns := []int{0, 1, 0, 1, 0, 1, 0}
		prev := g.Board
		for _, c := range columns {
			prev = g.Board
			_, err := g.Apply(c, g.Current)
			require.NoError(t, err)
		}
		require.Equal(t, game.ResultPlayer1Win, g.Result)

		require.NoError(t, s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    1,
			Column:    0,
			PrevBoard: prev,
			Board:     g.Board,
			Result:    g.Result,
		}))

		got, err := s.Match(ctx, match.ID)
		require.NoError(t, err)
		assert.True(t, got.Finished)
		assert.Equal(t, game.ResultPlayer1Win, got.Result)
		require.NotNil(t, got.FinishedAt)

		// 終局後對局不可再變更
		err = s.ApplyTurn(ctx, storage.TurnUpdate{
			MatchID:   match.ID,
			Player:    2,
			Column:    2,
			PrevBoard: g.Board,
			Board:     g.Board,
			Result:    g.Result,
		})
		assert.ErrorIs(t, err, storage.ErrMatchFinished)

		// 終局對局不再是「未終局對局」查詢的結果
		_, err = s.ActiveMatchByPlayer(ctx, "a:1")
		assert.ErrorIs(t, err, storage.ErrMatchNotFound)
	})

	t.Run("apply turn on unknown match", func(t *testing.T) {
		s := newStore(t)

		err := s.ApplyTurn(ctx, storage.TurnUpdate{MatchID: 12345})
		assert.ErrorIs(t, err, storage.ErrMatchNotFound)
	})

	t.Run("replaying persisted turns reproduces the board", func(t *testing.T) {
		s := newStore(t)
		match := createTestMatch(t, s)

		g := game.Load(match.Board)
		for _, c := range []int{3, 3, 2, 4, 1, 5} {
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

		turns, err := s.Turns(ctx, match.ID)
		require.NoError(t, err)
		require.Len(t, turns, 6)

		columns := make([]int, 0, len(turns))
		for _, turn := range turns {
			columns = append(columns, turn.Column)
		}
		replayed, err := game.Replay(columns)
		require.NoError(t, err)

		got, err := s.Match(ctx, match.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Board, replayed.Board)
	})

	t.Run("stats counts queue and active matches", func(t *testing.T) {
		s := newStore(t)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.PlayersInQueue)
		assert.Equal(t, 0, stats.GamesInProgress)

		createTestMatch(t, s)
		require.NoError(t, s.Enqueue(ctx, "c:1", "Carol"))

		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PlayersInQueue)
		assert.Equal(t, 1, stats.GamesInProgress)
	})
}

// createTestMatch 建立 Alice(a:1) 對 Bob(b:1) 的測試對局
func createTestMatch(t *testing.T, s storage.Store) *storage.Match {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "a:1", "Alice"))
	require.NoError(t, s.Enqueue(ctx, "b:1", "Bob"))

	entries, err := s.Queue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	match, err := s.CreateMatch(ctx, entries[0], entries[1])
	require.NoError(t, err)
	return match
}

// TestMemoryStore 對內存實現執行共用行為測試
func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		return storage.NewMemory(newIDGen(t))
	})
}
