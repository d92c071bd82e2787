package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gridspace/grid"
)

// ErrShuttingDown 服务正在关闭，不再接受新连接
var ErrShuttingDown = errors.New("hub is shutting down")

// Conn 会话的出站传输：Enqueue 必须非阻塞，Close 可重复调用。
// flush 为 false 时丢弃尚未写出的消息。
type Conn interface {
	Enqueue(b []byte) bool
	Close(flush bool)
}

// Deps 引擎依赖的外部协作方
type Deps struct {
	Verifier  TokenVerifier
	Layouts   LayoutLoader
	Positions PositionSaver // 可为 nil：不记录最后位置
}

// Hub 连接管理器：连接 → 会话的映射，帧路由与断开清理
type Hub struct {
	cfg      Config
	registry *Registry
	verifier TokenVerifier
	writer   *positionWriter
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[Conn]*Session
	closed   bool
	wg       sync.WaitGroup
	nextID   atomic.Uint64
}

// NewHub 按配置创建连接管理器与房间注册表
func NewHub(cfg Config, deps Deps) (*Hub, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if deps.Layouts == nil {
		return nil, fmt.Errorf("layout loader is required")
	}
	cfg = cfg.withDefaults()
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	metrics := &Metrics{}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		registry: NewRegistry(deps.Layouts, policy, metrics),
		verifier: deps.Verifier,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[Conn]*Session),
	}
	if deps.Positions != nil {
		h.writer = newPositionWriter(deps.Positions, cfg.PersistQueue, metrics)
	}
	return h, nil
}

// Registry 房间注册表
func (h *Hub) Registry() *Registry { return h.registry }

// Metrics 运行指标
func (h *Hub) Metrics() *Metrics { return h.metrics }

// SessionCount 当前连接数
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Attach 为新连接创建 Connecting 状态的会话（onConnect）
func (h *Hub) Attach(conn Conn) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrShuttingDown
	}
	s := newSession(h.nextID.Add(1), h, conn)
	h.sessions[conn] = s
	h.wg.Add(1)
	h.metrics.IncConnections()
	Log.Infow("connection accepted", "session", s.ID)
	return s, nil
}

// Dispatch 解码一帧并送入会话的入站队列（onFrame）。
// 格式错误或未知类型的帧被忽略；返回 false 表示会话已结束。
func (h *Hub) Dispatch(ctx context.Context, s *Session, payload []byte) bool {
	f, err := DecodeFrame(payload)
	if err != nil {
		h.metrics.IncMalformed()
		Log.Debugw("frame dropped", "session", s.ID, "err", err)
		return true
	}
	select {
	case s.inbox <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// Serve 按到达顺序逐帧处理，直到 ctx 取消或会话结束；退出时执行 Detach
func (h *Hub) Serve(ctx context.Context, s *Session) {
	defer h.Detach(s.conn)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.inbox:
			if ctx.Err() != nil {
				return
			}
			if !s.Handle(ctx, f) {
				return
			}
		}
	}
}

// Detach 清理会话并关闭连接（onClose）；重复调用无副作用
func (h *Hub) Detach(conn Conn) {
	h.mu.Lock()
	s, ok := h.sessions[conn]
	if ok {
		delete(h.sessions, conn)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.Teardown()
	// 进过房间的会话排队中的只可能是房间事件，Closed 之后一律丢弃；
	// 未进房的会话保留 auth-failed、join-failed 等自身应答
	conn.Close(!s.joined)
	Log.Infow("connection closed", "session", s.ID, "user", s.userID)
	h.wg.Done()
}

func (h *Hub) persistPosition(userID, roomID string, pos grid.Position) {
	if h.writer == nil {
		return
	}
	h.writer.Submit(positionRecord{userID: userID, roomID: roomID, pos: pos, at: time.Now()})
}

// Shutdown 停止接入，结束所有会话，并写完排队中的位置记录
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
	if h.writer != nil {
		if err := h.writer.Close(ctx); err != nil {
			return fmt.Errorf("flush positions: %w", err)
		}
	}
	return nil
}
