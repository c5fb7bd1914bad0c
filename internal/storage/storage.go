// Package storage 實現佇列、對局與回合記錄的持久化存儲。
//
// 系統設計問題：
//   配對與落子都是「多筆記錄一起變」的操作，如何保證不出現
//   重複配對、遺失落子、或亂序寫入？
//
// 核心挑戰：
//   1. 配對原子性：建立對局與移除兩筆佇列記錄必須一起成功，
//      否則下一個 tick 會把同一個玩家再配一次
//   2. 並發落子：兩個請求基於同一份棋盤快照同時寫入，只能有一個成功
//   3. 先提交後通知：崩潰時寧可「已提交未通知」，不可「已通知未提交」
//
// 設計方案：
//   ✅ 單一交易邊界 - 配對與落子各自是一個資料庫交易
//   ✅ 樂觀並發控制 - 更新棋盤時以「前一個棋盤」為條件，輸掉競爭者得到 ErrConflict
//   ✅ 介面抽象 - Memory（開發/測試）與 Postgres（生產）共用同一套語義
//
// 存儲架構演進：
//   V1：Memory（單機、單元測試）
//   V2：PostgreSQL（持久化、生產環境）
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
)

var (
	// ErrMatchNotFound 對局不存在
	ErrMatchNotFound = errors.New("match not found")

	// ErrMatchFinished 對局已終局，不可再變更
	ErrMatchFinished = errors.New("match already finished")

	// ErrConflict 樂觀並發控制失敗：另一個寫入者搶先提交
	ErrConflict = errors.New("concurrent update conflict")
)

// QueueEntry 佇列中一位等待配對的玩家
//
// PlayerID 是連線範圍的身份（遠端位址），每位玩家至多一筆記錄；
// 重複加入是冪等的：就地更新名稱與時間戳（公平排序因此重置，
// 這是刻意的取捨）。
type QueueEntry struct {
	PlayerID string
	Name     string
	JoinedAt time.Time
}

// Match 一場對局，從建立到終局
type Match struct {
	ID          int64
	Player1ID   string
	Player1Name string
	Player2ID   string
	Player2Name string
	Board       game.Board
	Finished    bool
	Result      game.Result
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

// PlayerNumber 返回指定身份在對局中的玩家編號（1 或 2）；非參與者返回 0
func (m *Match) PlayerNumber(playerID string) int {
	switch playerID {
	case m.Player1ID:
		return 1
	case m.Player2ID:
		return 2
	default:
		return 0
	}
}

// Turn 一步已接受的落子：只追加的稽核記錄，永不修改或刪除
type Turn struct {
	ID       int64
	MatchID  int64
	Player   int
	Column   int
	PlayedAt time.Time
}

// TurnUpdate 一次落子要提交的完整變更
//
// PrevBoard 是落子前的棋盤快照，作為樂觀並發控制的條件：
// 存儲層只在「目前棋盤仍等於 PrevBoard」時套用變更，
// 否則返回 ErrConflict（另一個落子搶先提交了）。
type TurnUpdate struct {
	MatchID   int64
	Player    int
	Column    int
	PrevBoard game.Board
	Board     game.Board
	Result    game.Result // 終局結果時一併定案對局
}

// Stats 佇列狀態統計（players_online 由連線註冊表提供，不在此處）
type Stats struct {
	PlayersInQueue  int
	GamesInProgress int
}

// Store 持久化存儲介面
//
// 交易語義：
//   - Enqueue 是冪等 upsert（每個身份至多一筆）
//   - CreateMatch 在單一交易內建立對局並移除兩筆佇列記錄；
//     任一筆已消失（玩家剛離開）則整筆回滾並返回 ErrConflict
//   - ApplyTurn 在單一交易內更新棋盤、追加回合、（終局時）定案對局
type Store interface {
	Enqueue(ctx context.Context, playerID, name string) error
	Dequeue(ctx context.Context, playerID string) (bool, error)
	Queue(ctx context.Context, limit int) ([]QueueEntry, error)

	CreateMatch(ctx context.Context, player1, player2 QueueEntry) (*Match, error)
	Match(ctx context.Context, id int64) (*Match, error)
	ActiveMatchByPlayer(ctx context.Context, playerID string) (*Match, error)
	ApplyTurn(ctx context.Context, update TurnUpdate) error
	Turns(ctx context.Context, matchID int64) ([]Turn, error)

	Stats(ctx context.Context) (Stats, error)
	Close()
}
