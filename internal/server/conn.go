package server

import (
	"net"
	"time"
)

// frameReader 讀取端的抽象，與 frameConn 配對。
// TCP 回傳原始位元組（交給解碼器切框架）；
// WebSocket 回傳一整則訊息（傳輸層已有框架邊界）。
type frameReader interface {
	// ReadFrame 在期限內讀取資料到 buf，返回讀到的位元組數。
	// 超時返回滿足 net.Error 且 Timeout() 為真的錯誤。
	ReadFrame(buf []byte, deadline time.Time) (int, error)
}

// tcpConn 原生 TCP 傳輸：JSON + 換行框架
type tcpConn struct {
	conn net.Conn
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn}
}

func (c *tcpConn) ReadFrame(buf []byte, deadline time.Time) (int, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return c.conn.Read(buf)
}

func (c *tcpConn) WriteFrame(p []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

// Ping TCP 沒有協議層的探活機制，交給閒置超時處理
func (c *tcpConn) Ping(_ time.Time) error {
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
