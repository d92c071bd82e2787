package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"gridspace/grid"
)

// fakeConn 记录入队的出站帧
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed  bool
	flushed bool // 关闭时要求写出剩余消息
	full    bool // 模拟发送队列已满的慢消费者
}

func (c *fakeConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, b)
	return true
}

func (c *fakeConn) Close(flush bool) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.flushed = flush
	}
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) flushedOnClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, b := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("decode outbound frame %s: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// only 断言恰好收到一帧并返回它
func (c *fakeConn) only(t *testing.T) map[string]any {
	t.Helper()
	msgs := c.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one frame, got %d: %v", len(msgs), msgs)
	}
	c.reset()
	return msgs[0]
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	if msgs := c.messages(t); len(msgs) != 0 {
		t.Fatalf("expected no frames, got %v", msgs)
	}
}

// tokenVerifier 接受 "tok-<uid>" 形式的令牌
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	uid, ok := strings.CutPrefix(token, "tok-")
	if !ok || uid == "" {
		return "", errors.New("bad token")
	}
	return uid, nil
}

// countingLoader 统计每个房间的布局加载次数
type countingLoader struct {
	mu      sync.Mutex
	layouts map[string]grid.Layout
	loads   map[string]int
}

func newCountingLoader(layouts map[string]grid.Layout) *countingLoader {
	return &countingLoader{layouts: layouts, loads: make(map[string]int)}
}

func (l *countingLoader) LoadLayout(_ context.Context, id string) (grid.Layout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[id]++
	layout, ok := l.layouts[id]
	if !ok {
		return grid.Layout{}, grid.ErrLayoutNotFound
	}
	return layout, nil
}

func (l *countingLoader) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[id]
}

func newTestHub(t *testing.T, policy grid.Policy, layouts map[string]grid.Layout) (*Hub, *countingLoader) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JWTSecret = "unused"
	cfg.MoveRule = policy.Move.String()
	cfg.ScanOrder = policy.Scan.String()
	loader := newCountingLoader(layouts)
	h, err := NewHub(cfg, Deps{Verifier: tokenVerifier{}, Layouts: loader})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	return h, loader
}

// connect 建立会话并完成鉴权，清空 auth-ok
func connect(t *testing.T, h *Hub, userID string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := h.Attach(conn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !s.Handle(context.Background(), Frame{Type: FrameAuth, Token: "tok-" + userID}) {
		t.Fatalf("auth for %s closed the session", userID)
	}
	if got := conn.only(t)["type"]; got != string(FrameAuthOK) {
		t.Fatalf("expected auth-ok, got %v", got)
	}
	return s, conn
}

// joinRoom 进房并返回 join-ok
func joinRoom(t *testing.T, s *Session, conn *fakeConn, roomID string) map[string]any {
	t.Helper()
	s.Handle(context.Background(), Frame{Type: FrameJoin, RoomID: roomID})
	msg := conn.only(t)
	if msg["type"] != string(FrameJoinOK) {
		t.Fatalf("expected join-ok, got %v", msg)
	}
	return msg
}

func move(s *Session, x, y int) {
	s.Handle(context.Background(), Frame{Type: FrameMove, Target: grid.Position{X: x, Y: y}})
}

func spawnOf(t *testing.T, joinOK map[string]any) grid.Position {
	t.Helper()
	sp, ok := joinOK["spawn"].(map[string]any)
	if !ok {
		t.Fatalf("join-ok without spawn: %v", joinOK)
	}
	return grid.Position{X: int(sp["x"].(float64)), Y: int(sp["y"].(float64))}
}

func assertPosition(t *testing.T, s *Session, want grid.Position) {
	t.Helper()
	got, ok := s.Position()
	if !ok || got != want {
		t.Fatalf("position of %s = %v (in room %v), want %v", s.UserID(), got, ok, want)
	}
}

func allPolicies() []grid.Policy {
	var out []grid.Policy
	for _, m := range []grid.MoveRule{grid.Orthogonal, grid.Diagonal} {
		for _, o := range []grid.ScanOrder{grid.ScanByColumn, grid.ScanByRow} {
			out = append(out, grid.Policy{Move: m, Scan: o})
		}
	}
	return out
}
