package views

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// ProgressMessage 推送给客户端的消息
type ProgressMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ProgressWS 推送当前下载进度
func (oc *OfflineController) ProgressWS(c *gin.Context) {
	conn, err := oc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回错误响应
		return
	}
	ch, cancel := oc.manager.ObserveProgress(16)
	streamWS(conn, "progress", ch, cancel)
}

// AreasWS 推送区域列表
func (oc *OfflineController) AreasWS(c *gin.Context) {
	conn, err := oc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ch, cancel := oc.manager.ObserveAllAreas(4)
	streamWS(conn, "areas", ch, cancel)
}

// streamWS 把订阅写入连接，直到客户端断开或订阅关闭
func streamWS[T any](conn *websocket.Conn, msgType string, ch <-chan T, cancel func()) {
	defer conn.Close()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case v, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ProgressMessage{Type: msgType, Data: v}); err != nil {
				return
			}
		}
	}
}
