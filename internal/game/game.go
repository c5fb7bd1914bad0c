// Package game 實現四子棋（Connect Four）的規則引擎。
//
// 系統設計問題：
//   如何讓對局狀態在伺服器重啟後仍然正確？
//
// 設計方案：
//   ✅ 無狀態引擎 - 每次請求從持久化的棋盤快照重建，不持有記憶體快取
//   ✅ 派生當前玩家 - 由棋子數的奇偶推出（偶數 → 玩家 1），不另外儲存
//   ✅ 全盤掃描勝負 - 棋盤僅 6×7，O(1) 級別的固定成本
//
// 權衡：
//   - 每步重建犧牲吞吐量，換取重啟安全與簡單性（沒有快取一致性問題）
//   - 派生當前玩家的前提是「輪流落子」；若未來加入跳過回合，
//     奇偶推導會失效，屆時必須改為顯式儲存
package game

import "errors"

const (
	// Rows 棋盤列數；列索引 0 為最上列，5 為最下列
	Rows = 6
	// Cols 棋盤欄數；合法落子欄位為 0-6
	Cols = 7

	// Empty 空格
	Empty = 0
	// Player1 玩家 1 的棋子（先手）
	Player1 = 1
	// Player2 玩家 2 的棋子
	Player2 = 2

	// winLength 連成一線所需的棋子數
	winLength = 4
)

// Board 棋盤：[列][欄]，0 = 空、1 = 玩家 1、2 = 玩家 2
type Board [Rows][Cols]int

// Result 對局結果
type Result string

const (
	ResultInProgress Result = "in_progress"
	ResultPlayer1Win Result = "player1_win"
	ResultPlayer2Win Result = "player2_win"
	ResultDraw       Result = "draw"
)

// Winner 返回勝者編號（1 或 2）；非勝負結果返回 0
func (r Result) Winner() int {
	switch r {
	case ResultPlayer1Win:
		return 1
	case ResultPlayer2Win:
		return 2
	default:
		return 0
	}
}

// Terminal 返回結果是否為終局狀態（終局狀態不可再變更）
func (r Result) Terminal() bool {
	return r == ResultPlayer1Win || r == ResultPlayer2Win || r == ResultDraw
}

var (
	// ErrGameOver 對局已終局，拒絕任何落子
	ErrGameOver = errors.New("game is already over")

	// ErrNotYourTurn 不是該玩家的回合
	ErrNotYourTurn = errors.New("not your turn")

	// ErrInvalidColumn 欄位超出 0-6
	ErrInvalidColumn = errors.New("column out of range")

	// ErrColumnFull 該欄已滿
	ErrColumnFull = errors.New("column is full")
)

// Game 一局四子棋的瞬時狀態
//
// 不直接儲存：每次請求以 Load 從持久化棋盤重建，落子後只把
// 新棋盤與結果寫回存儲層。
type Game struct {
	Board   Board
	Current int    // 當前應落子的玩家（1 或 2）
	Result  Result // 終局結果；未終局為 ResultInProgress
}

// New 創建空棋盤的新對局（玩家 1 先手）
func New() *Game {
	return &Game{Current: Player1, Result: ResultInProgress}
}

// Load 從棋盤快照重建對局狀態
//
// 當前玩家由棋子數奇偶派生：偶數顆 → 玩家 1，奇數顆 → 玩家 2。
// 終局狀態由全盤掃描重新判定，不信任外部旗標。
func Load(board Board) *Game {
	g := &Game{Board: board}

	pieces := 0
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			if board[r][c] != Empty {
				pieces++
			}
		}
	}
	if pieces%2 == 0 {
		g.Current = Player1
	} else {
		g.Current = Player2
	}

	g.Result = scan(board)
	return g
}

// Apply 替指定玩家在指定欄落子，返回棋子落到的列
//
// 錯誤順序（與回報給客戶端的語義一一對應）：
//  1. 終局後落子 → ErrGameOver
//  2. 非該玩家回合 → ErrNotYourTurn
//  3. 欄位超界 → ErrInvalidColumn
//  4. 欄已滿 → ErrColumnFull
//
// 成功落子後重新掃描勝負；未終局時輪到另一位玩家。
// 終局時 Current 保持為落下最後一子的玩家（奇偶派生的自然結果）。
func (g *Game) Apply(column, player int) (int, error) {
	if g.Result.Terminal() {
		return -1, ErrGameOver
	}
	if player != g.Current {
		return -1, ErrNotYourTurn
	}
	if column < 0 || column >= Cols {
		return -1, ErrInvalidColumn
	}
	if g.Board[0][column] != Empty {
		return -1, ErrColumnFull
	}

	// 從最下列向上找第一個空格
	row := Rows - 1
	for row >= 0 && g.Board[row][column] != Empty {
		row--
	}
	g.Board[row][column] = player

	g.Result = scan(g.Board)
	if !g.Result.Terminal() {
		g.Current = 3 - player
	}

	return row, nil
}

// Replay 將回合記錄依序重放到空棋盤上
//
// 用途：稽核與一致性驗證：持久化的回合記錄重放後必須得到
// 與持久化棋盤完全相同的盤面（確定性）。
func Replay(columns []int) (*Game, error) {
	g := New()
	for _, column := range columns {
		if _, err := g.Apply(column, g.Current); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// scan 全盤掃描勝負
//
// 刻意採用全盤重掃而非圍繞最後一子的增量判定：
// 棋盤大小固定，成本可忽略，且與既有的重放記錄逐位一致。
// 掃描順序固定：橫向 → 縱向 → 右上斜向 → 右下斜向，
// 第一組找到的連線決定勝者。
func scan(b Board) Result {
	// 橫向
	for r := 0; r < Rows; r++ {
		for c := 0; c <= Cols-winLength; c++ {
			if b[r][c] != Empty &&
				b[r][c] == b[r][c+1] && b[r][c] == b[r][c+2] && b[r][c] == b[r][c+3] {
				return winnerResult(b[r][c])
			}
		}
	}

	// 縱向
	for r := 0; r <= Rows-winLength; r++ {
		for c := 0; c < Cols; c++ {
			if b[r][c] != Empty &&
				b[r][c] == b[r+1][c] && b[r][c] == b[r+2][c] && b[r][c] == b[r+3][c] {
				return winnerResult(b[r][c])
			}
		}
	}

	// 斜向（左下 → 右上）
	for r := winLength - 1; r < Rows; r++ {
		for c := 0; c <= Cols-winLength; c++ {
			if b[r][c] != Empty &&
				b[r][c] == b[r-1][c+1] && b[r][c] == b[r-2][c+2] && b[r][c] == b[r-3][c+3] {
				return winnerResult(b[r][c])
			}
		}
	}

	// 斜向（左上 → 右下）
	for r := 0; r <= Rows-winLength; r++ {
		for c := 0; c <= Cols-winLength; c++ {
			if b[r][c] != Empty &&
				b[r][c] == b[r+1][c+1] && b[r][c] == b[r+2][c+2] && b[r][c] == b[r+3][c+3] {
				return winnerResult(b[r][c])
			}
		}
	}

	// 和局：最上列全滿且無連線
	for c := 0; c < Cols; c++ {
		if b[0][c] == Empty {
			return ResultInProgress
		}
	}
	return ResultDraw
}

func winnerResult(piece int) Result {
	if piece == Player1 {
		return ResultPlayer1Win
	}
	return ResultPlayer2Win
}
