package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
	"github.com/koopa0/system-design/14-game-matchmaking/pkg/snowflake"
)

// Postgres PostgreSQL 存儲實現（V2 架構）
//
// 系統設計考量：
//
//  1. 表結構：
//     - queue：player_id 主鍵（天然去重 → 冪等 enqueue），joined_at 索引（FIFO 掃描）
//     - matches：Snowflake ID 主鍵，棋盤存 JSONB（保序的結構化資料）
//     - turns：只追加，(match_id, played_at) 索引支援按時間重放
//
//  2. 交易邊界：
//     - CreateMatch：INSERT match + DELETE 兩筆 queue，一個交易
//     - ApplyTurn：UPDATE board + INSERT turn（+ 終局定案），一個交易
//
//  3. 並發控制：
//     - UPDATE ... WHERE board = 前一個棋盤（JSONB 等值比較）
//     - 0 筆受影響 → 按當前狀態區分 ErrMatchNotFound / ErrMatchFinished / ErrConflict
type Postgres struct {
	pool  *pgxpool.Pool
	idgen *snowflake.Generator
}

// NewPostgres 創建 PostgreSQL 存儲；Close 會釋放傳入的連接池
func NewPostgres(pool *pgxpool.Pool, idgen *snowflake.Generator) *Postgres {
	return &Postgres{pool: pool, idgen: idgen}
}

// Enqueue 冪等加入佇列
//
// ON CONFLICT 就地更新名稱與時間戳：重複加入不產生第二筆記錄，
// 但會重置公平排序（刻意的取捨：重新加入視同重新排隊）。
func (p *Postgres) Enqueue(ctx context.Context, playerID, name string) error {
	query := `
		INSERT INTO queue (player_id, player_name, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE
		SET player_name = EXCLUDED.player_name, joined_at = EXCLUDED.joined_at
	`

	if _, err := p.pool.Exec(ctx, query, playerID, name, time.Now()); err != nil {
		return fmt.Errorf("enqueue player: %w", err)
	}
	return nil
}

// Dequeue 移出佇列
func (p *Postgres) Dequeue(ctx context.Context, playerID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM queue WHERE player_id = $1`, playerID)
	if err != nil {
		return false, fmt.Errorf("dequeue player: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Queue 按到達順序掃描佇列
func (p *Postgres) Queue(ctx context.Context, limit int) ([]QueueEntry, error) {
	query := `
		SELECT player_id, player_name, joined_at
		FROM queue
		ORDER BY joined_at, player_id
		LIMIT $1
	`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.PlayerID, &e.Name, &e.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateMatch 原子配對
//
// 單一交易內：INSERT 對局 + DELETE 兩筆佇列記錄。
// DELETE 不足兩筆代表有玩家在掃描與配對之間離開了佇列，
// 整筆回滾並返回 ErrConflict，交給下一個 tick 重配。
func (p *Postgres) CreateMatch(ctx context.Context, player1, player2 QueueEntry) (*Match, error) {
	id, err := p.idgen.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate match id: %w", err)
	}

	emptyBoard, err := json.Marshal(game.Board{})
	if err != nil {
		return nil, fmt.Errorf("marshal empty board: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin pairing tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // 提交後的 rollback 是 no-op

	now := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO matches (
			id, player1_id, player1_name, player2_id, player2_name,
			board, is_finished, result, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)
	`, id, player1.PlayerID, player1.Name, player2.PlayerID, player2.Name,
		emptyBoard, string(game.ResultInProgress), now)
	if err != nil {
		return nil, fmt.Errorf("insert match: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM queue WHERE player_id = ANY($1)`,
		[]string{player1.PlayerID, player2.PlayerID})
	if err != nil {
		return nil, fmt.Errorf("remove paired entries: %w", err)
	}
	if tag.RowsAffected() != 2 {
		return nil, ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pairing tx: %w", err)
	}

	return &Match{
		ID:          id,
		Player1ID:   player1.PlayerID,
		Player1Name: player1.Name,
		Player2ID:   player2.PlayerID,
		Player2Name: player2.Name,
		Result:      game.ResultInProgress,
		CreatedAt:   now,
	}, nil
}

const matchColumns = `
	id, player1_id, player1_name, player2_id, player2_name,
	board, is_finished, result, created_at, finished_at
`

// Match 按 ID 查詢對局
func (p *Postgres) Match(ctx context.Context, id int64) (*Match, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	return scanMatch(row)
}

// ActiveMatchByPlayer 查詢指定身份唯一的未終局對局
func (p *Postgres) ActiveMatchByPlayer(ctx context.Context, playerID string) (*Match, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE NOT is_finished AND (player1_id = $1 OR player2_id = $1)
		LIMIT 1
	`, playerID)
	return scanMatch(row)
}

func scanMatch(row pgx.Row) (*Match, error) {
	var m Match
	var boardJSON []byte
	var result string

	err := row.Scan(
		&m.ID, &m.Player1ID, &m.Player1Name, &m.Player2ID, &m.Player2Name,
		&boardJSON, &m.Finished, &result, &m.CreatedAt, &m.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("scan match: %w", err)
	}

	if err := json.Unmarshal(boardJSON, &m.Board); err != nil {
		return nil, fmt.Errorf("unmarshal board: %w", err)
	}
	m.Result = game.Result(result)
	return &m, nil
}

// ApplyTurn 原子落子
//
// UPDATE 以前一個棋盤為條件（樂觀並發控制）；
// 同一交易內追加回合記錄，終局時一併寫入 result 與 finished_at。
// 提交成功後呼叫方才可送出任何網路通知（先提交後通知）。
func (p *Postgres) ApplyTurn(ctx context.Context, update TurnUpdate) error {
	prevJSON, err := json.Marshal(update.PrevBoard)
	if err != nil {
		return fmt.Errorf("marshal prev board: %w", err)
	}
	boardJSON, err := json.Marshal(update.Board)
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now()
	finished := update.Result.Terminal()

	var result string
	if finished {
		result = string(update.Result)
	} else {
		result = string(game.ResultInProgress)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE matches
		SET board = $1,
		    is_finished = $2,
		    result = $3,
		    finished_at = CASE WHEN $2 THEN $4::timestamptz ELSE NULL END
		WHERE id = $5 AND NOT is_finished AND board = $6
	`, boardJSON, finished, result, now, update.MatchID, prevJSON)
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// 區分失敗原因：對局不存在 / 已終局 / 輸掉並發競爭
		var isFinished bool
		err := tx.QueryRow(ctx,
			`SELECT is_finished FROM matches WHERE id = $1`, update.MatchID,
		).Scan(&isFinished)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMatchNotFound
		}
		if err != nil {
			return fmt.Errorf("inspect match state: %w", err)
		}
		if isFinished {
			return ErrMatchFinished
		}
		return ErrConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO turns (match_id, player_number, column_played, played_at)
		VALUES ($1, $2, $3, $4)
	`, update.MatchID, update.Player, update.Column, now)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turn tx: %w", err)
	}
	return nil
}

// Turns 按時間順序返回對局的回合記錄
func (p *Postgres) Turns(ctx context.Context, matchID int64) ([]Turn, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, match_id, player_number, column_played, played_at
		FROM turns
		WHERE match_id = $1
		ORDER BY played_at, id
	`, matchID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.MatchID, &t.Player, &t.Column, &t.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Stats 佇列與進行中對局的統計
func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM queue),
			(SELECT COUNT(*) FROM matches WHERE NOT is_finished)
	`).Scan(&s.PlayersInQueue, &s.GamesInProgress)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

// Close 釋放連接池
func (p *Postgres) Close() {
	p.pool.Close()
}
