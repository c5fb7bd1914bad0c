// Package server 實作配對與對局伺服器的連線層與訊息分派。
//
// 系統設計問題：如何讓大量客戶端透過長連線排隊配對、即時對弈？
//
// 核心挑戰：
//   - TCP 是位元組流，訊息邊界要自己切（見 protocol 包）
//   - 一條連線的訊息會觸發對另一條連線的推送（落子廣播），
//     跨連線寫入必須序列化
//   - 伺服器不保存對局狀態於記憶體：每個落子請求從存儲層
//     重建棋盤，以樂觀鎖寫回，實例重啟或多實例部署都不失局
//
// 設計方案：
//   - 每條連線兩個 goroutine：讀取迴圈（解碼、分派）與寫入迴圈
//     （唯一允許碰連線寫入端的 goroutine）
//   - 配對器是獨立元件，透過 MatchEvent channel 與分派器解耦
//   - 開局採「雙方確認 + 超時保底」：match-found 後等兩個
//     match-ack，逾時未到齊也照樣開局
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/game"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/protocol"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/storage"
)

// pendingStart 等待開局確認的對局
type pendingStart struct {
	match *storage.Match

	mu    sync.Mutex
	acked map[string]bool // playerID → 已確認
	timer *time.Timer
}

// Server 配對與對局伺服器
type Server struct {
	cfg        *Config
	store      storage.Store
	registry   *Registry
	matchmaker *Matchmaker
	logger     *slog.Logger

	listener net.Listener

	mu      sync.Mutex
	pending map[int64]*pendingStart // matchID → 等待確認的開局

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 建立伺服器
func New(cfg *Config, store storage.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		registry:   NewRegistry(),
		matchmaker: NewMatchmaker(store, cfg, logger),
		logger:     logger.With("component", "server"),
		pending:    make(map[int64]*pendingStart),
		stopCh:     make(chan struct{}),
	}
}

// Registry 返回連線名冊（WebSocket 入口與測試共用）
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start 開始監聽並啟動配對器。非阻塞；錯誤只在監聽失敗時返回。
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.ListenAddr, err)
	}
	s.listener = ln

	s.logger.Info("伺服器啟動", "listen_addr", ln.Addr().String())

	s.matchmaker.Start()

	s.wg.Add(1)
	go s.dispatchLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr 返回實際監聽位址（測試時 listen_addr 常為 ":0"）
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停機：停止收新連線、停止配對器、關閉所有連線
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.matchmaker.Stop()
	s.registry.CloseAll()
	s.wg.Wait()
	s.logger.Info("伺服器已停止")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Error("accept 失敗", "error", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(newTCPConn(conn))
		}()
	}
}

// ServeConn 服務一條連線直到其結束。
// TCP 與 WebSocket 入口都走這裡，差別只在 frameConn 的實作。
func (s *Server) ServeConn(conn frameConn) {
	playerID := conn.RemoteAddr().String()
	session := NewSession(playerID, conn, s.cfg, s.logger)
	s.registry.Register(session)

	s.logger.Info("玩家連線", "player_id", playerID)

	s.readLoop(session, conn)

	s.registry.Unregister(session)
	session.Close()
	s.cleanupPlayer(session)

	s.logger.Info("玩家離線", "player_id", playerID)
}

// readLoop 讀取、解碼、分派，直到連線結束或伺服器停機
func (s *Server) readLoop(session *Session, conn frameConn) {
	reader, ok := conn.(frameReader)
	if !ok {
		// 不會發生：兩種傳輸都實作 frameReader
		s.logger.Error("連線不支援讀取", "player_id", session.PlayerID)
		return
	}

	decoder := protocol.NewDecoder()
	buf := make([]byte, s.cfg.Server.MaxFrameBytes)

	for {
		select {
		case <-s.stopCh:
			return
		case <-session.Done():
			return
		default:
		}

		n, err := reader.ReadFrame(buf, time.Now().Add(s.cfg.Server.ReadTimeout))
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// 讀取超時只是讓迴圈醒來檢查停機旗標，
				// 但要順便檢查閒置上限
				if s.cfg.Server.IdleTimeout > 0 && session.IdleSince() > s.cfg.Server.IdleTimeout {
					s.logger.Info("連線閒置逾時", "player_id", session.PlayerID)
					return
				}
				continue
			}
			return // EOF 或連線錯誤
		}
		if n == 0 {
			continue
		}

		session.Touch()

		for _, msg := range decoder.Feed(buf[:n]) {
			s.handleMessage(session, msg)
		}

		if decoder.Buffered() > s.cfg.Server.MaxFrameBytes {
			s.sendError(session, "訊息超過大小上限")
			return
		}
	}
}

// handleMessage 單一訊息的分派
func (s *Server) handleMessage(session *Session, msg protocol.Message) {
	if !session.limiter.allow() {
		s.sendError(session, "請求過於頻繁，請稍後再試")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case protocol.TypeJoinQueue:
		s.handleJoinQueue(ctx, session, msg)
	case protocol.TypeLeaveQueue:
		s.handleLeaveQueue(ctx, session)
	case protocol.TypeQueueInfoRequest:
		s.handleQueueInfo(ctx, session)
	case protocol.TypeMatchAck:
		s.handleMatchAck(session, msg)
	case protocol.TypePlayMove:
		s.handlePlayMove(ctx, session, msg)
	case protocol.TypeDisconnect:
		session.Close()
	case protocol.TypeError:
		// 解碼器對格式錯誤的框架生成 error 訊息
		s.sendError(session, "無法解析的訊息")
	default:
		s.sendError(session, fmt.Sprintf("未知的訊息類型: %s", msg.Type))
	}
}

func (s *Server) handleJoinQueue(ctx context.Context, session *Session, msg protocol.Message) {
	var payload protocol.JoinQueuePayload
	if len(msg.Data) > 0 {
		if err := decodePayload(msg.Data, &payload); err != nil {
			s.sendError(session, "join-queue 資料格式錯誤")
			return
		}
	}
	name := payload.Name
	if name == "" {
		// 未提供名稱時以位址生成預設名稱
		name = "Guest_" + session.PlayerID
	}
	session.SetName(name)

	if err := s.store.Enqueue(ctx, session.PlayerID, name); err != nil {
		s.logger.Error("加入佇列失敗", "player_id", session.PlayerID, "error", err)
		s.sendError(session, "加入佇列失敗，請稍後再試")
		return
	}

	s.send(session, protocol.TypeJoinQueue, protocol.AckPayload{
		Status:  "ok",
		Message: fmt.Sprintf("已加入等待佇列，%s", name),
	})
}

func (s *Server) handleLeaveQueue(ctx context.Context, session *Session) {
	// 冪等：不在佇列中也回覆成功，客戶端無需先查詢再離開
	if _, err := s.store.Dequeue(ctx, session.PlayerID); err != nil {
		s.logger.Error("離開佇列失敗", "player_id", session.PlayerID, "error", err)
		s.sendError(session, "離開佇列失敗，請稍後再試")
		return
	}

	message := "已離開等待佇列"
	if _, err := s.store.ActiveMatchByPlayer(ctx, session.PlayerID); err == nil {
		// 對局中的玩家本來就不在佇列裡，提示其狀態
		message = "對局進行中，你不在等待佇列"
	}

	s.send(session, protocol.TypeLeaveQueue, protocol.AckPayload{
		Status:  "ok",
		Message: message,
	})
}

func (s *Server) handleQueueInfo(ctx context.Context, session *Session) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("查詢佇列狀態失敗", "error", err)
		s.sendError(session, "查詢佇列狀態失敗")
		return
	}

	s.send(session, protocol.TypeQueueInfoResponse, protocol.QueueInfoPayload{
		PlayersInQueue:  stats.PlayersInQueue,
		GamesInProgress: stats.GamesInProgress,
		PlayersOnline:   s.registry.Len(),
	})
}

// dispatchLoop 消費配對事件，向雙方送 match-found 並安排開局
func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.matchmaker.Events():
			s.dispatchMatch(ev.Match)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) dispatchMatch(match *storage.Match) {
	found := protocol.MatchFoundPayload{
		MatchID:     match.ID,
		Player1Name: match.Player1Name,
		Player2Name: match.Player2Name,
	}

	p := &pendingStart{
		match: match,
		acked: make(map[string]bool),
	}

	// 先登記再設定時器：時器若先觸發會找不到登記項而提前放棄
	s.mu.Lock()
	s.pending[match.ID] = p
	p.timer = time.AfterFunc(s.cfg.Matchmaking.StartTimeout, func() {
		// 確認逾時保底：未收齊 ack 也照樣開局
		s.beginGame(match.ID)
	})
	s.mu.Unlock()

	for _, playerID := range []string{match.Player1ID, match.Player2ID} {
		if session, ok := s.registry.Get(playerID); ok {
			s.send(session, protocol.TypeMatchFound, found)
		}
	}
}

func (s *Server) handleMatchAck(session *Session, msg protocol.Message) {
	var payload protocol.MatchAckPayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		s.sendError(session, "match-ack 資料格式錯誤")
		return
	}

	s.mu.Lock()
	p, ok := s.pending[payload.MatchID]
	s.mu.Unlock()
	if !ok {
		// 已開局或不存在的對局，忽略
		return
	}

	if p.match.PlayerNumber(session.PlayerID) == 0 {
		s.sendError(session, "你不是這場對局的參與者")
		return
	}

	p.mu.Lock()
	p.acked[session.PlayerID] = true
	both := len(p.acked) == 2
	p.mu.Unlock()

	if both {
		s.beginGame(payload.MatchID)
	}
}

// beginGame 送出 game-start；雙方 ack 到齊與超時保底都會呼叫，
// 以 pending 表的移除保證只開局一次
func (s *Server) beginGame(matchID int64) {
	s.mu.Lock()
	p, ok := s.pending[matchID]
	if ok {
		delete(s.pending, matchID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()

	match := p.match
	g := game.Load(match.Board)

	s.logger.Info("開局", "match_id", match.ID)

	for _, playerID := range []string{match.Player1ID, match.Player2ID} {
		session, online := s.registry.Get(playerID)
		if !online {
			continue
		}
		num := match.PlayerNumber(playerID)
		opponent := match.Player2Name
		if num == 2 {
			opponent = match.Player1Name
		}
		s.send(session, protocol.TypeGameStart, protocol.GameStartPayload{
			MatchID:      match.ID,
			YourPlayer:   num,
			YourTurn:     g.Current == num,
			OpponentName: opponent,
			Board:        match.Board,
		})
	}
}

func (s *Server) handlePlayMove(ctx context.Context, session *Session, msg protocol.Message) {
	var payload protocol.PlayMovePayload
	if err := decodePayload(msg.Data, &payload); err != nil {
		s.sendError(session, "play-move 資料格式錯誤")
		return
	}
	if payload.MatchID == nil || payload.Column == nil {
		s.sendError(session, "play-move 缺少 match_id 或 column")
		return
	}

	match, err := s.store.Match(ctx, *payload.MatchID)
	if err != nil {
		if errors.Is(err, storage.ErrMatchNotFound) {
			s.sendError(session, "找不到這場對局")
			return
		}
		s.logger.Error("查詢對局失敗", "match_id", *payload.MatchID, "error", err)
		s.sendError(session, "落子失敗，請稍後再試")
		return
	}

	player := match.PlayerNumber(session.PlayerID)
	if player == 0 {
		s.sendError(session, "你不是這場對局的參與者")
		return
	}
	if match.Finished {
		s.sendError(session, "對局已結束")
		return
	}

	g := game.Load(match.Board)
	prev := g.Board
	row, err := g.Apply(*payload.Column, player)
	if err != nil {
		s.sendError(session, moveErrorText(err))
		return
	}

	update := storage.TurnUpdate{
		MatchID:   match.ID,
		Player:    player,
		Column:    *payload.Column,
		PrevBoard: prev,
		Board:     g.Board,
		Result:    g.Result,
	}
	if err := s.store.ApplyTurn(ctx, update); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// 棋盤已被另一個落子改動（重複送出或競態），
			// 以存儲層為準，拒絕這次落子
			s.sendError(session, "落子已過期，請依最新棋盤重試")
		case errors.Is(err, storage.ErrMatchFinished):
			s.sendError(session, "對局已結束")
		case errors.Is(err, storage.ErrMatchNotFound):
			s.sendError(session, "找不到這場對局")
		default:
			s.logger.Error("寫入落子失敗", "match_id", match.ID, "error", err)
			s.sendError(session, "落子失敗，請稍後再試")
		}
		return
	}

	// 交易提交後才廣播：收到 move-played 的客戶端重連查詢時，
	// 一定能讀到這一子
	s.broadcastMove(match, player, *payload.Column, row, g)
}

// broadcastMove 向對局雙方廣播落子，終局時追加 game-end
func (s *Server) broadcastMove(match *storage.Match, player, column, row int, g *game.Game) {
	for _, playerID := range []string{match.Player1ID, match.Player2ID} {
		session, online := s.registry.Get(playerID)
		if !online {
			continue
		}
		num := match.PlayerNumber(playerID)
		s.send(session, protocol.TypeMovePlayed, protocol.MovePlayedPayload{
			MatchID:  match.ID,
			Player:   player,
			Column:   column,
			Row:      row,
			Board:    g.Board,
			YourTurn: !g.Result.Terminal() && g.Current == num,
		})
	}

	if !g.Result.Terminal() {
		return
	}

	s.logger.Info("終局", "match_id", match.ID, "result", g.Result)

	end := protocol.GameEndPayload{
		MatchID: match.ID,
		Board:   g.Board,
		Result:  string(g.Result),
	}
	if w := g.Result.Winner(); w != 0 {
		end.Winner = &w
	}
	for _, playerID := range []string{match.Player1ID, match.Player2ID} {
		if session, online := s.registry.Get(playerID); online {
			s.send(session, protocol.TypeGameEnd, end)
		}
	}
}

// cleanupPlayer 連線結束時的善後：移出等待佇列、通知對局中的對手
func (s *Server) cleanupPlayer(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.store.Dequeue(ctx, session.PlayerID); err != nil {
		s.logger.Error("離線清理佇列失敗", "player_id", session.PlayerID, "error", err)
	}

	match, err := s.store.ActiveMatchByPlayer(ctx, session.PlayerID)
	if err != nil {
		if !errors.Is(err, storage.ErrMatchNotFound) {
			s.logger.Error("離線查詢對局失敗", "player_id", session.PlayerID, "error", err)
		}
		return
	}

	opponentID := match.Player1ID
	if opponentID == session.PlayerID {
		opponentID = match.Player2ID
	}
	if opponent, online := s.registry.Get(opponentID); online {
		s.send(opponent, protocol.TypeDisconnect, protocol.AckPayload{
			Status:  "opponent_disconnected",
			Message: "對手已離線",
		})
	}
}

// send 編碼並排入外送佇列
func (s *Server) send(session *Session, msgType protocol.MessageType, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		s.logger.Error("編碼訊息失敗", "type", msgType, "error", err)
		return
	}
	session.Enqueue(frame, s.cfg.Server.StallTimeout)
}

func (s *Server) sendError(session *Session, text string) {
	s.send(session, protocol.TypeError, protocol.ErrorPayload{Error: text})
}

func decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

// moveErrorText 將落子錯誤轉成客戶端可讀的說明
func moveErrorText(err error) string {
	switch {
	case errors.Is(err, game.ErrGameOver):
		return "對局已結束"
	case errors.Is(err, game.ErrNotYourTurn):
		return "還沒輪到你"
	case errors.Is(err, game.ErrInvalidColumn):
		return "欄位必須介於 0 到 6"
	case errors.Is(err, game.ErrColumnFull):
		return "這一欄已經滿了"
	default:
		return "落子失敗"
	}
}
