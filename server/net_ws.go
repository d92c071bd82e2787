package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	flush     atomic.Bool // 关闭时是否写出排队中的消息

	writeTimeout time.Duration
	pingPeriod   time.Duration
}

func NewClientConn(ws *websocket.Conn, buffer int, writeTimeout, pingPeriod time.Duration) *ClientConn {
	return &ClientConn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingPeriod:   pingPeriod,
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃；关闭后一律丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		// 为了实时性，慢消费者的消息直接丢弃，不阻塞广播方
		return false
	}
}

// Close 通知写协程结束；send 通道不关闭，避免并发 Enqueue 写入已关闭通道。
// 只有第一次调用的 flush 生效
func (c *ClientConn) Close(flush bool) {
	c.closeOnce.Do(func() {
		c.flush.Store(flush)
		close(c.done)
	})
}

// discarding 已关闭且不需要写出剩余消息
func (c *ClientConn) discarding() bool {
	select {
	case <-c.done:
		return !c.flush.Load()
	default:
		return false
	}
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			// done 与 send 同时就绪时 select 随机选择，这里再确认一次
			if c.discarding() {
				c.writeClose()
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(false)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close(false)
				return
			}
		case <-c.done:
			if c.flush.Load() {
				c.drain()
			}
			c.writeClose()
			return
		}
	}
}

// drain 关闭前尽力写出已排队的消息（例如 auth-failed）
func (c *ClientConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *ClientConn) writeClose() {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
}

func (c *ClientConn) write(kind int, msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(kind, msg)
}

// readPump 读取客户端帧并交给 Hub 路由；退出时取消该连接的 ctx
func (c *ClientConn) readPump(ctx context.Context, cancel context.CancelFunc, h *Hub, s *Session) {
	defer cancel()
	readTimeout := h.cfg.ReadTimeout
	c.ws.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(readTimeout)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Log.Debugw("read error", "session", s.ID, "err", err)
			}
			return
		}
		if !h.Dispatch(ctx, s, payload) {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 同源限制由前置网关负责
		return true
	},
}

// HandleWS WebSocket 接入；鉴权在连接建立后通过 auth 帧完成
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}

	client := NewClientConn(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout, h.cfg.ReadTimeout*9/10)
	s, err := h.Attach(client)
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(h.cfg.WriteTimeout))
		}
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	go client.writePump()
	go client.readPump(ctx, cancel, h, s)
	go func() {
		defer cancel()
		h.Serve(ctx, s)
	}()
}
