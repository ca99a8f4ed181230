// Package api 提供了流程执行引擎的HTTP API处理程序。
// 本文件实现实例事件的 WebSocket 实时推送端点。
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// upgrader 用于将 HTTP 连接升级为 WebSocket 连接。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 开发环境允许所有来源
	},
}

// StreamInstanceEvents 处理实例事件的 WebSocket 订阅。
// HTTP端点: GET /api/v1/instances/{id}/events/stream?from_seq=
//
// 功能说明：
//   - 先按序推送从 from_seq 开始的历史事件，再实时推送新事件
//   - 事件按实例内序号升序且无空洞
//   - 实例进入终态后推送完终态事件并关闭连接
func (h *Handler) StreamInstanceEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var fromSeq int64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeErrorWithContext(w, r, http.StatusBadRequest, "invalid from_seq")
			return
		}
		fromSeq = n
	}

	ch, cancel, err := h.engine.SubscribeEvents(r.Context(), id, fromSeq)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// 读取循环只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// 订阅积压被丢弃，客户端应凭最后序号重连续传
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber lagging"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WithFields(logrus.Fields{
						"instance_id": id,
					}).WithError(err).Debug("event stream write failed")
				}
				return
			}
			if ev.Type.IsTerminal() {
				// 实例已进入终态，流到此为止
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
