// Package protocol 實現客戶端與伺服器之間的線協議編解碼。
//
// 系統設計問題：
//   如何在位元組流（TCP）上切出一則一則的訊息？
//
// 核心挑戰：
//   1. 訊息邊界：TCP 是位元組流，一次 read 可能是半則或多則訊息
//   2. 錯誤隔離：單則格式錯誤的訊息不能拖垮整條連線
//   3. 雙向通用：客戶端與伺服器使用同一套編解碼
//
// 設計方案：
//   ✅ 換行分隔的 JSON 框架 - 一則訊息 = 一個 JSON 物件 + '\n'
//   ✅ 有狀態 Decoder - 保留尾端不完整片段，等待下一次 read
//   ✅ 錯誤即訊息 - 解析失敗產生 error 類型訊息，而非中斷解碼
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType 訊息類型
type MessageType string

const (
	TypeJoinQueue         MessageType = "join-queue"
	TypeLeaveQueue        MessageType = "leave-queue"
	TypeQueueInfoRequest  MessageType = "queue-info-request"
	TypeQueueInfoResponse MessageType = "queue-info-response"
	TypeMatchFound        MessageType = "match-found"
	TypeMatchAck          MessageType = "match-ack"
	TypeGameStart         MessageType = "game-start"
	TypePlayMove          MessageType = "play-move"
	TypeMovePlayed        MessageType = "move-played"
	TypeGameEnd           MessageType = "game-end"
	TypeError             MessageType = "error"
	TypeDisconnect        MessageType = "disconnect"
)

// Message 一則線上訊息
//
// Data 保持為原始 JSON，由各處理器按類型解出對應 payload，
// 避免在解碼層綁死所有 payload 結構。
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// JoinQueuePayload 加入佇列（C→S）
type JoinQueuePayload struct {
	Name string `json:"name"`
}

// AckPayload 一般操作回覆（S→C，join-queue / leave-queue）
type AckPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// QueueInfoPayload 佇列狀態回覆（S→C）
type QueueInfoPayload struct {
	PlayersInQueue  int `json:"players_in_queue"`
	GamesInProgress int `json:"games_in_progress"`
	PlayersOnline   int `json:"players_online"`
}

// MatchFoundPayload 配對成功通知（S→C）
type MatchFoundPayload struct {
	MatchID     int64  `json:"match_id"`
	Player1Name string `json:"player1_name"`
	Player2Name string `json:"player2_name"`
}

// MatchAckPayload 客戶端確認已處理 match-found（C→S）
type MatchAckPayload struct {
	MatchID int64 `json:"match_id"`
}

// GameStartPayload 開局通知（S→C）
type GameStartPayload struct {
	MatchID      int64     `json:"match_id"`
	YourPlayer   int       `json:"your_player"`
	YourTurn     bool      `json:"your_turn"`
	OpponentName string    `json:"opponent_name"`
	Board        [6][7]int `json:"board"`
}

// PlayMovePayload 下子請求（C→S）
//
// 欄位使用指標以區分「缺少欄位」與「值為 0」（column 0 是合法欄位）。
type PlayMovePayload struct {
	MatchID *int64 `json:"match_id"`
	Column  *int   `json:"column"`
}

// MovePlayedPayload 落子廣播（S→C）
type MovePlayedPayload struct {
	MatchID  int64     `json:"match_id"`
	Player   int       `json:"player"`
	Column   int       `json:"column"`
	Row      int       `json:"row"`
	Board    [6][7]int `json:"board"`
	YourTurn bool      `json:"your_turn"`
}

// GameEndPayload 終局廣播（S→C）；Winner 為 1、2 或 null（和局）
type GameEndPayload struct {
	MatchID int64     `json:"match_id"`
	Board   [6][7]int `json:"board"`
	Result  string    `json:"result"`
	Winner  *int      `json:"winner"`
}

// ErrorPayload 錯誤回報（S→C）
type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode 將訊息編碼為一個完整框架（JSON + '\n'）
func Encode(msgType MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	frame, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	return append(frame, '\n'), nil
}

// MustEncode 類似 Encode，僅供編碼已知可序列化的 payload 結構使用
func MustEncode(msgType MessageType, payload any) []byte {
	frame, err := Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// NewError 建立一則 error 類型訊息
func NewError(diagnostic string) Message {
	data, _ := json.Marshal(ErrorPayload{Error: diagnostic})
	return Message{Type: TypeError, Data: data}
}

// Decoder 有狀態的框架解碼器
//
// 使用方式：每次 socket read 後呼叫 Feed，取回該批資料中所有完整訊息；
// 尾端不完整的片段留在內部緩衝區，與下一批資料銜接。
//
// 並發注意：Decoder 不是執行緒安全的，每條連線持有自己的實例
// （讀取迴圈是唯一的呼叫者）。
type Decoder struct {
	buf []byte
}

// NewDecoder 創建解碼器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 餵入一批位元組，返回其中所有完整訊息
//
// 錯誤隔離：格式錯誤的片段不返回 error，而是產生一則 error 類型訊息，
// 交由上層像處理其他訊息一樣處理（回報給客戶端）。
func (d *Decoder) Feed(p []byte) []Message {
	d.buf = append(d.buf, p...)

	var messages []Message
	for {
		idx := indexNewline(d.buf)
		if idx < 0 {
			break
		}

		segment := d.buf[:idx]
		d.buf = d.buf[idx+1:]

		// 空行直接略過（客戶端多送的分隔符）
		if len(trimCR(segment)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimCR(segment), &msg); err != nil {
			messages = append(messages, NewError(fmt.Sprintf("malformed message: %v", err)))
			continue
		}
		if msg.Type == "" {
			messages = append(messages, NewError("malformed message: missing type"))
			continue
		}

		messages = append(messages, msg)
	}

	return messages
}

// Buffered 返回內部緩衝區目前累積的位元組數
//
// 上層用它對不完整片段設上限：超過上限視為協議違規（框架過大），
// 關閉連線而非無限累積記憶體。
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func indexNewline(p []byte) int {
	for i, b := range p {
		if b == '\n' {
			return i
		}
	}
	return -1
}

// trimCR 容忍 CRLF 行尾的客戶端
func trimCR(p []byte) []byte {
	if len(p) > 0 && p[len(p)-1] == '\r' {
		return p[:len(p)-1]
	}
	return p
}
