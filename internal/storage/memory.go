package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
	"github.com/koopa0/system-design/14-game-matchmaking/pkg/snowflake"
)

// Memory 內存存儲實現（V1 架構）
//
// 使用場景：
//   - 開發環境快速啟動（不需要資料庫）
//   - 單元測試與伺服器端對端測試（隔離外部依賴）
//
// 系統設計權衡：
//   ✅ 零延遲、零依賴
//   ❌ 不持久化（重啟丟失）、單機限制
//
// 交易語義以單一 mutex 模擬：每個操作在鎖內完成全部讀寫，
// 與 Postgres 實現的可觀察行為一致（含 ErrConflict）。
type Memory struct {
	mu      sync.Mutex
	idgen   *snowflake.Generator
	queue   map[string]*memQueueEntry
	matches map[int64]*Match
	turns   map[int64][]Turn
	nextSeq int64 // 佇列到達順序的決勝序號（同一毫秒加入時仍有穩定順序）
	turnID  int64
}

type memQueueEntry struct {
	entry QueueEntry
	seq   int64
}

// NewMemory 創建內存存儲
func NewMemory(idgen *snowflake.Generator) *Memory {
	return &Memory{
		idgen:   idgen,
		queue:   make(map[string]*memQueueEntry),
		matches: make(map[int64]*Match),
		turns:   make(map[int64][]Turn),
	}
}

// Enqueue 冪等加入佇列：已存在則就地更新名稱與時間戳
func (m *Memory) Enqueue(ctx context.Context, playerID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	if existing, ok := m.queue[playerID]; ok {
		existing.entry.Name = name
		existing.entry.JoinedAt = time.Now()
		existing.seq = m.nextSeq
		return nil
	}

	m.queue[playerID] = &memQueueEntry{
		entry: QueueEntry{PlayerID: playerID, Name: name, JoinedAt: time.Now()},
		seq:   m.nextSeq,
	}
	return nil
}

// Dequeue 移出佇列；返回是否確實有記錄被移除
func (m *Memory) Dequeue(ctx context.Context, playerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[playerID]; !ok {
		return false, nil
	}
	delete(m.queue, playerID)
	return true, nil
}

// Queue 按到達順序返回佇列（最舊在前）
func (m *Memory) Queue(ctx context.Context, limit int) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*memQueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]QueueEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.entry)
	}
	return result, nil
}

// CreateMatch 原子配對：建立對局並移除兩筆佇列記錄
//
// 任一位玩家已不在佇列（剛離開或已被配走）→ ErrConflict，不做任何變更。
func (m *Memory) CreateMatch(ctx context.Context, player1, player2 QueueEntry) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[player1.PlayerID]; !ok {
		return nil, ErrConflict
	}
	if _, ok := m.queue[player2.PlayerID]; !ok {
		return nil, ErrConflict
	}

	id, err := m.idgen.Generate()
	if err != nil {
		return nil, err
	}

	match := &Match{
		ID:          id,
		Player1ID:   player1.PlayerID,
		Player1Name: player1.Name,
		Player2ID:   player2.PlayerID,
		Player2Name: player2.Name,
		Result:      game.ResultInProgress,
		CreatedAt:   time.Now(),
	}

	delete(m.queue, player1.PlayerID)
	delete(m.queue, player2.PlayerID)
	m.matches[id] = match

	copied := *match
	return &copied, nil
}

// Match 按 ID 查詢對局
func (m *Memory) Match(ctx context.Context, id int64) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	copied := *match
	return &copied, nil
}

// ActiveMatchByPlayer 查詢指定身份唯一的未終局對局
func (m *Memory) ActiveMatchByPlayer(ctx context.Context, playerID string) (*Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, match := range m.matches {
		if match.Finished {
			continue
		}
		if match.Player1ID == playerID || match.Player2ID == playerID {
			copied := *match
			return &copied, nil
		}
	}
	return nil, ErrMatchNotFound
}

// ApplyTurn 原子落子：更新棋盤、追加回合、終局時定案
func (m *Memory) ApplyTurn(ctx context.Context, update TurnUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[update.MatchID]
	if !ok {
		return ErrMatchNotFound
	}
	if match.Finished {
		return ErrMatchFinished
	}
	if match.Board != update.PrevBoard {
		return ErrConflict
	}

	now := time.Now()
	match.Board = update.Board
	if update.Result.Terminal() {
		match.Finished = true
		match.Result = update.Result
		match.FinishedAt = &now
	}

	m.turnID++
	m.turns[update.MatchID] = append(m.turns[update.MatchID], Turn{
		ID:       m.turnID,
		MatchID:  update.MatchID,
		Player:   update.Player,
		Column:   update.Column,
		PlayedAt: now,
	})

	return nil
}

// Turns 按時間順序返回對局的回合記錄
func (m *Memory) Turns(ctx context.Context, matchID int64) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := m.turns[matchID]
	result := make([]Turn, len(turns))
	copy(result, turns)
	return result, nil
}

// Stats 佇列與進行中對局的統計
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inProgress := 0
	for _, match := range m.matches {
		if !match.Finished {
			inProgress++
		}
	}
	return Stats{PlayersInQueue: len(m.queue), GamesInProgress: inProgress}, nil
}

// Close 內存存儲無需釋放資源
func (m *Memory) Close() {}
