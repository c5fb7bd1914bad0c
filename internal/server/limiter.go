package server

import (
	"sync"
	"time"
)

// tokenBucket 令牌桶限流器，每條連線一個實例。
//
// 演算法原理：
//  1. 固定容量的桶，以固定速率填充令牌
//  2. 框架到達時，嘗試從桶中取出令牌
//  3. 有令牌則處理框架，無令牌則回覆錯誤
//
// 選用令牌桶而非滑動視窗的原因：
//   - 容忍短時突發（客戶端重連後補送訊息是正常行為）
//   - O(1) 時間與空間，每條連線都養得起
type tokenBucket struct {
	capacity   int64     // 桶容量（最多存放多少令牌）
	tokens     int64     // 當前令牌數
	refillRate int64     // 填充速率（每秒填充多少令牌）
	lastRefill time.Time // 上次填充時間
	mu         sync.Mutex
}

func newTokenBucket(capacity, refillRate int64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity, // 初始化時桶是滿的
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow 檢查是否允許處理這個框架
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// 計算需要填充的令牌數
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))

	if tokensToAdd > 0 {
		// 填充令牌，但不超過容量
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}
