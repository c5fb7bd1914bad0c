package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-game-matchmaking/internal/protocol"
	"github.com/koopa0/system-design/14-game-matchmaking/internal/server"
)

// wsTestClient WebSocket 測試客戶端，與 testClient 同一組斷言介面
type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *server.Server) *wsTestClient {
	t.Helper()

	gateway := server.NewWSGateway(srv, testLogger())
	httpSrv := httptest.NewServer(http.HandlerFunc(gateway.ServeWS))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	return &wsTestClient{t: t, conn: conn}
}

func (c *wsTestClient) send(msgType protocol.MessageType, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(msgType, payload)
	require.NoError(c.t, err)
	// 一則 WebSocket 訊息一個框架，不需要換行
	err = c.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimSuffix(string(frame), "\n")))
	require.NoError(c.t, err)
}

func (c *wsTestClient) expect(msgType protocol.MessageType, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var msg protocol.Message
	require.NoError(c.t, json.Unmarshal(data, &msg))
	require.Equal(c.t, msgType, msg.Type, "payload: %s", msg.Data)
	if payload != nil {
		require.NoError(c.t, json.Unmarshal(msg.Data, payload))
	}
}

// TestWSGateway_JoinAndQueueInfo WebSocket 客戶端走同一套訊息流程
func TestWSGateway_JoinAndQueueInfo(t *testing.T) {
	srv := startTestServer(t)
	c := dialWS(t, srv)

	c.send(protocol.TypeJoinQueue, protocol.JoinQueuePayload{Name: "Browser"})
	var ack protocol.AckPayload
	c.expect(protocol.TypeJoinQueue, &ack)
	assert.Equal(t, "ok", ack.Status)

	c.send(protocol.TypeQueueInfoRequest, struct{}{})
	var info protocol.QueueInfoPayload
	c.expect(protocol.TypeQueueInfoResponse, &info)
	assert.Equal(t, 1, info.PlayersInQueue)
	assert.GreaterOrEqual(t, info.PlayersOnline, 1)
}

// TestWSGateway_CrossTransportMatch TCP 與 WebSocket 客戶端互相配對對弈
func TestWSGateway_CrossTransportMatch(t *testing.T) {
	srv := startTestServer(t)
	ws := dialWS(t, srv)
	tcp := dialClient(t, srv)

	ws.send(protocol.TypeJoinQueue, protocol.JoinQueuePayload{Name: "Browser"})
	ws.expect(protocol.TypeJoinQueue, nil)

	tcp.send(protocol.TypeJoinQueue, protocol.JoinQueuePayload{Name: "Terminal"})
	tcp.expect(protocol.TypeJoinQueue, nil)

	var foundWS, foundTCP protocol.MatchFoundPayload
	ws.expect(protocol.TypeMatchFound, &foundWS)
	tcp.expect(protocol.TypeMatchFound, &foundTCP)
	require.Equal(t, foundWS.MatchID, foundTCP.MatchID)

	ws.send(protocol.TypeMatchAck, protocol.MatchAckPayload{MatchID: foundWS.MatchID})
	tcp.send(protocol.TypeMatchAck, protocol.MatchAckPayload{MatchID: foundTCP.MatchID})

	var startWS, startTCP protocol.GameStartPayload
	ws.expect(protocol.TypeGameStart, &startWS)
	tcp.expect(protocol.TypeGameStart, &startTCP)

	assert.Equal(t, 1, startWS.YourPlayer)
	assert.Equal(t, 2, startTCP.YourPlayer)
	assert.Equal(t, "Terminal", startWS.OpponentName)
	assert.Equal(t, "Browser", startTCP.OpponentName)

	// 先手（WebSocket 端）落子，雙方都收到廣播
	matchID := startWS.MatchID
	column := 3
	ws.send(protocol.TypePlayMove, protocol.PlayMovePayload{MatchID: &matchID, Column: &column})

	var playedWS, playedTCP protocol.MovePlayedPayload
	ws.expect(protocol.TypeMovePlayed, &playedWS)
	tcp.expect(protocol.TypeMovePlayed, &playedTCP)
	assert.Equal(t, playedWS.Board, playedTCP.Board)
	assert.True(t, playedTCP.YourTurn)
	assert.False(t, playedWS.YourTurn)
}
