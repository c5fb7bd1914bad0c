// Package snowflake 實現 Snowflake 分布式 ID 生成算法，用於產生對局 ID。
//
// 為什麼對局 ID 不用資料庫自增主鍵？
//   - 對局建立發生在配對交易內，ID 需要在交易提交前就能發給兩個玩家
//   - 趨勢遞增：基於時間戳，有利於 matches 表的索引局部性
//   - 多實例部署時無需協調（機器 ID 區分）
//
// ID 結構（64 bit）：
//
//	1 bit    | 41 bit           | 10 bit     | 12 bit
//	符號位   | 時間戳(毫秒)      | 機器ID      | 序列號
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 是起始時間（2024-01-01 00:00:00 UTC）的毫秒時間戳
	epoch int64 = 1704067200000

	timestampBits = 41
	machineBits   = 10
	sequenceBits  = 12

	maxMachineID = (1 << machineBits) - 1  // 1023
	maxSequence  = (1 << sequenceBits) - 1 // 4095

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits
)

var (
	// ErrInvalidMachineID 當機器 ID 超出 0-1023 時返回
	ErrInvalidMachineID = errors.New("machine ID must be between 0 and 1023")

	// ErrClockMovedBackwards 當時鐘回撥時返回（拒絕生成，避免重複 ID）
	ErrClockMovedBackwards = errors.New("clock moved backwards, refusing to generate ID")
)

// Generator Snowflake ID 生成器
type Generator struct {
	mu            sync.Mutex
	machineID     int64
	sequence      int64
	lastTimestamp int64
}

// NewGenerator 創建生成器，machineID 範圍 0-1023
func NewGenerator(machineID int64) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMachineID, machineID)
	}

	return &Generator{machineID: machineID}, nil
}

// Generate 生成下一個 ID
//
// 算法流程：
//  1. 取當前毫秒時間戳
//  2. 時間戳回撥 → 報錯
//  3. 同一毫秒 → 序列號 +1；溢出則等待下一毫秒
//  4. 新毫秒 → 序列號歸零
//  5. 組裝：時間戳 << 22 | 機器ID << 12 | 序列號
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := time.Now().UnixMilli()

	if timestamp < g.lastTimestamp {
		return 0, fmt.Errorf("%w: last=%d, current=%d",
			ErrClockMovedBackwards, g.lastTimestamp, timestamp)
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 同一毫秒內序列號用盡，等待下一毫秒
			timestamp = g.waitNextMillisecond(g.lastTimestamp)
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = timestamp

	id := ((timestamp - epoch) << timestampShift) |
		(g.machineID << machineShift) |
		g.sequence

	return id, nil
}

// MustGenerate 類似 Generate，遇到錯誤會 panic；僅在測試使用
func (g *Generator) MustGenerate() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// waitNextMillisecond 自旋等待下一毫秒（短暫休眠避免 CPU 空轉）
func (g *Generator) waitNextMillisecond(lastTimestamp int64) int64 {
	timestamp := time.Now().UnixMilli()
	for timestamp <= lastTimestamp {
		time.Sleep(10 * time.Microsecond)
		timestamp = time.Now().UnixMilli()
	}
	return timestamp
}

// Parse 解析 ID，提取生成時間、機器 ID 與序列號（除錯用）
func Parse(id int64) (t time.Time, machineID int64, sequence int64) {
	ms := (id >> timestampShift) + epoch
	machineID = (id >> machineShift) & maxMachineID
	sequence = id & maxSequence
	return time.UnixMilli(ms), machineID, sequence
}
