package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// frameConn 抽象「能送出一個完整框架」的連線。
//
// 系統設計問題：同一套配對與對局邏輯要同時服務 TCP 與 WebSocket 客戶端。
//
// 設計方案：
//   - TCP 連線送「JSON + 換行」，WebSocket 送一則文字訊息
//   - 上層只看得到 WriteFrame，兩種傳輸在這條線以下各自處理framing
type frameConn interface {
	// WriteFrame 在期限內送出一個完整框架
	WriteFrame(p []byte, deadline time.Time) error

	// Ping 探測連線是否存活（TCP 無對應機制時可為 no-op）
	Ping(deadline time.Time) error

	Close() error
	RemoteAddr() net.Addr
}

// Session 一條已連線客戶端的伺服器端狀態。
//
// 核心挑戰：多個 goroutine（讀取迴圈、配對器、對手的讀取迴圈）
// 都可能對同一條連線送訊息，而 net.Conn 的並發寫入會交錯損壞框架。
//
// 設計方案：
//   - 每條連線一個外送佇列（send channel）與一個專屬寫入 goroutine
//   - 任何人要送訊息都走 Enqueue，永不直接碰連線
//   - 關閉時只 close(done)，send channel 永不關閉，
//     避免「向已關閉 channel 發送」的 panic
type Session struct {
	PlayerID string
	conn     frameConn
	logger   *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	name     string
	lastSeen time.Time

	limiter *tokenBucket
}

// NewSession 建立連線狀態並啟動寫入迴圈
func NewSession(playerID string, conn frameConn, cfg *Config, logger *slog.Logger) *Session {
	s := &Session{
		PlayerID: playerID,
		conn:     conn,
		logger:   logger.With("player_id", playerID, "remote_addr", conn.RemoteAddr().String()),
		send:     make(chan []byte, cfg.Server.SendBuffer),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
		limiter:  newTokenBucket(cfg.Server.Rate.Capacity, cfg.Server.Rate.RefillPerSec),
	}
	go s.writeLoop(cfg.Server.WriteTimeout)
	return s
}

// Name 返回玩家顯示名稱
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName 更新玩家顯示名稱（join-queue 時設定）
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Touch 記錄最近一次收到資料的時間
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// IdleSince 返回距離上次收到資料的時長
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

// Enqueue 將框架放入外送佇列。
//
// 佇列滿代表接收端消化不了（或根本不讀了），等待 stallTimeout
// 後仍塞不進去就判定連線失效並關閉，避免慢客戶端拖垮整個伺服器。
func (s *Session) Enqueue(frame []byte, stallTimeout time.Duration) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.logger.Warn("外送佇列阻塞，關閉連線")
		s.Close()
		return false
	}
}

// writeLoop 唯一允許寫入連線的 goroutine；兼任定期探活
func (s *Session) writeLoop(writeTimeout time.Duration) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			if err := s.writeFrame(frame, writeTimeout); err != nil {
				s.logger.Debug("寫入失敗，關閉連線", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.Ping(time.Now().Add(writeTimeout)); err != nil {
				s.logger.Debug("探活失敗，關閉連線", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// writeFrame 單框架寫入，超時做有界重試（處理暫時性的網路抖動）
func (s *Session) writeFrame(frame []byte, writeTimeout time.Duration) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		err = s.conn.WriteFrame(frame, time.Now().Add(writeTimeout))
		if err == nil {
			return nil
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			return err // 非超時錯誤不值得重試
		}
	}
	return err
}

// Close 標記連線結束並關閉底層連線（可重複呼叫）
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done 返回連線結束的通知 channel
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Registry 線上連線的名冊，以玩家 ID 索引。
//
// 配對器與對局分派都需要「拿玩家 ID 找到連線」這個查詢，
// 讀多寫少（每個框架都查、只有連線進出時寫），用 RWMutex。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry 建立空名冊
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register 登記連線。同一玩家 ID 再次連線時，舊連線會被關閉並取代
// （客戶端重連比伺服器先察覺斷線是常態）。
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.PlayerID]
	r.sessions[s.PlayerID] = s
	r.mu.Unlock()

	if old != nil && old != s {
		old.Close()
	}
}

// Unregister 註銷連線；只在名冊裡仍是同一條連線時移除，
// 避免誤刪重連後的新連線
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if r.sessions[s.PlayerID] == s {
		delete(r.sessions, s.PlayerID)
	}
	r.mu.Unlock()
}

// Get 以玩家 ID 查詢連線
func (r *Registry) Get(playerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[playerID]
	return s, ok
}

// Len 返回線上連線數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 關閉所有連線（停機時呼叫）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
