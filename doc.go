// Package matchmaking 提供了一個兩人棋類遊戲的配對與對局伺服器。
//
// 實現了基於長連線的即時配對與四子棋對弈服務，包含以下核心功能：
//
// # 等待佇列與配對
//
// 提供公平的先到先配機制：
//   - 冪等入列（重複加入重置排隊順序）
//   - 固定週期掃描，等最久的兩位玩家優先配對
//   - 交易式建立對局（配對與移出佇列原子完成）
//   - 佇列狀態查詢（排隊人數、進行中對局、線上人數）
//
// # 線協議
//
// TCP 上的換行分隔 JSON 框架：
//   - 有狀態解碼器處理半包與粘包
//   - 格式錯誤的框架回報錯誤而不斷線
//   - WebSocket 入口共用同一套訊息（一則訊息一個框架）
//
// # 對局引擎
//
// 6x7 棋盤的四子棋規則引擎：
//   - 無狀態設計：每次落子從持久化棋盤重建
//   - 當前玩家由棋子數奇偶派生，不另存旗標
//   - 全盤掃描判定橫、直、斜四連線與和局
//
// # 持久化
//
// 可替換的存儲層（記憶體或 PostgreSQL）：
//   - 樂觀並發控制：以前一個棋盤為條件更新，過期落子被拒絕
//   - 只追加的回合記錄，支援重放驗證
//   - Snowflake 對局 ID，多實例部署不衝突
//
// # 架構設計
//
// 系統採用分層架構設計：
//   - cmd/server：啟動入口（配置、日誌、存儲選擇、信號處理）
//   - internal/server：連線層、配對器、訊息分派
//   - internal/protocol：線協議的編解碼
//   - internal/game：四子棋規則引擎（純函數，無 I/O）
//   - internal/storage：存儲介面與兩種實作
//   - pkg/snowflake：分散式 ID 生成
package matchmaking
