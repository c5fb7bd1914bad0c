package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket 入口：與 TCP 入口共用同一套連線名冊與訊息分派，
// 瀏覽器客戶端不經過原生 socket 也能排隊對弈。
//
// 與 TCP 傳輸的差異都收在 wsConn 裡：
//   - WebSocket 自帶訊息邊界，一則文字訊息就是一個框架
//     （仍補上換行交給同一個解碼器，行為與 TCP 完全一致）
//   - 死連接偵測用協議層 Ping/Pong（控制幀，不佔應用層頻寬），
//     而非 TCP 入口的閒置超時
//   - gorilla 的讀取錯誤是致命的（包括超時），不能像 TCP 那樣
//     以短期限輪詢；改為長期限 + Pong 延展

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second // 比 pongWait 短，留網路延遲的餘量
)

// WSGateway 將 HTTP 升級為 WebSocket 並交給伺服器服務
type WSGateway struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewWSGateway 建立 WebSocket 入口
func NewWSGateway(server *Server, logger *slog.Logger) *WSGateway {
	return &WSGateway{
		server: server,
		logger: logger.With("component", "ws-gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start 在指定位址啟動 HTTP 監聽，/ws 為升級端點
func (g *WSGateway) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)

	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.logger.Info("WebSocket 入口啟動", "listen_addr", ln.Addr().String())

	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("WebSocket 入口異常停止", "error", err)
		}
	}()
	return nil
}

// Stop 停止接受新的升級請求（既有連線由伺服器統一關閉）
func (g *WSGateway) Stop() {
	if g.httpServer != nil {
		_ = g.httpServer.Close()
	}
}

// ServeWS 處理單個升級請求
func (g *WSGateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	g.logger.Info("WebSocket 連線建立", "remote_addr", conn.RemoteAddr().String())

	go g.server.ServeConn(newWSConn(conn, g.server.cfg.Server.MaxFrameBytes))
}

// wsConn 讓 *websocket.Conn 符合 frameConn / frameReader
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn, maxFrameBytes int) *wsConn {
	conn.SetReadLimit(int64(maxFrameBytes))
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return &wsConn{conn: conn}
}

// ReadFrame 讀取一則訊息。忽略呼叫端給的輪詢期限：
// 期限由 Pong 延展，超時即視為死連接（不可恢復的錯誤）。
func (c *wsConn) ReadFrame(buf []byte, _ time.Time) (int, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, fmt.Errorf("websocket pong timeout: %v", err)
			}
			return 0, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if len(message)+1 > len(buf) {
			return 0, fmt.Errorf("websocket message of %d bytes exceeds frame limit", len(message))
		}
		n := copy(buf, message)
		buf[n] = '\n'
		return n + 1, nil
	}
}

func (c *wsConn) WriteFrame(p []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

// Ping 發送協議層 Ping 控制幀
func (c *wsConn) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	// 嘗試優雅關閉，忽略錯誤（連接可能已關閉）
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
