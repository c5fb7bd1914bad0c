package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
)

// MatchEvent 配對成功事件，由配對器透過 channel 送給分派器。
//
// 選擇 channel 而非 callback 的原因：
//   - 配對器不需要知道「配對成功之後會發生什麼」，兩個元件完全解耦
//   - 事件消費端可以獨立測試（餵一個假事件進去即可）
//   - channel 天然提供背壓：分派器來不及處理時配對器會等待
type MatchEvent struct {
	Match *storage.Match
}

// Matchmaker 週期性掃描等待佇列並湊對。
//
// 系統設計問題：如何公平、且不重複地把等待中的玩家湊成對局？
//
// 核心挑戰：
//   - 玩家可能在掃描與建立對局之間離開佇列（或被另一個實例配走）
//   - 公平性：等最久的玩家要先被配到
//
// 設計方案：
//   - 固定週期掃描，每次只湊一對（下一輪再湊下一對，
//     讓佇列狀態在每對之間重新整理，避免一次掃描內的髒讀連鎖）
//   - 不信任掃描結果：建立對局的交易會驗證雙方仍在佇列中，
//     驗證失敗（ErrConflict）就放棄這一輪，下一輪重掃
type Matchmaker struct {
	store  storage.Store
	cfg    *Config
	logger *slog.Logger

	events chan MatchEvent
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMatchmaker 建立配對器（尚未啟動）
func NewMatchmaker(store storage.Store, cfg *Config, logger *slog.Logger) *Matchmaker {
	return &Matchmaker{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "matchmaker"),
		events: make(chan MatchEvent),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Events 配對成功事件的輸出端
func (m *Matchmaker) Events() <-chan MatchEvent {
	return m.events
}

// Start 啟動配對迴圈
func (m *Matchmaker) Start() {
	go m.run()
}

// Stop 停止配對迴圈並等待其結束
func (m *Matchmaker) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Matchmaker) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Matchmaking.TickInterval)
	defer ticker.Stop()

	m.logger.Info("配對器啟動", "tick_interval", m.cfg.Matchmaking.TickInterval)

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			m.logger.Info("配對器停止")
			return
		}
	}
}

// tick 單次掃描：取佇列最前面的兩位玩家，嘗試建立對局
func (m *Matchmaker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Matchmaking.TickInterval)
	defer cancel()

	entries, err := m.store.Queue(ctx, m.cfg.Matchmaking.QueueScanLimit)
	if err != nil {
		m.logger.Error("掃描佇列失敗", "error", err)
		return
	}
	if len(entries) < 2 {
		return
	}

	p1, p2 := entries[0], entries[1]
	match, err := m.store.CreateMatch(ctx, p1, p2)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// 其中一位已離開佇列，下一輪重掃
			m.logger.Debug("配對衝突，放棄本輪",
				"player1", p1.PlayerID, "player2", p2.PlayerID)
			return
		}
		m.logger.Error("建立對局失敗", "error", err)
		return
	}

	m.logger.Info("配對成功",
		"match_id", match.ID,
		"player1", match.Player1Name,
		"player2", match.Player2Name,
	)

	// 交易已提交才通知：就算分派失敗，對局也已存在，
	// 玩家重連後仍能繼續
	select {
	case m.events <- MatchEvent{Match: match}:
	case <-m.stopCh:
	}
}
