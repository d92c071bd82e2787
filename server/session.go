package server

import (
	"context"
	"errors"
	"sync/atomic"

	"gridspace/grid"
)

// SessionState 会话状态：Connecting → Authenticated → InRoom → Closed（终态）
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in-room"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// TokenVerifier 鉴权协作方：令牌 → 用户 id
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Session 一条连接在服务端的状态。
// state/userID/room 只在该连接的处理协程中修改；pos 受所在房间的锁保护。
type Session struct {
	ID uint64

	hub   *Hub
	conn  Conn
	inbox chan Frame

	state  atomic.Int32
	userID string
	room   *Room
	joined bool // 曾进入过房间
	pos    grid.Position
}

func newSession(id uint64, h *Hub, conn Conn) *Session {
	return &Session{
		ID:    id,
		hub:   h,
		conn:  conn,
		inbox: make(chan Frame, h.cfg.InboxSize),
	}
}

// State 当前状态
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// UserID 鉴权后的用户 id
func (s *Session) UserID() string { return s.userID }

// Room 当前所在房间，未进房时为 nil
func (s *Session) Room() *Room { return s.room }

// Position 当前位置；不在房间中时 ok 为 false
func (s *Session) Position() (grid.Position, bool) {
	if s.room == nil {
		return grid.Position{}, false
	}
	return s.room.positionOf(s)
}

// send 非阻塞投递；会话已进入 Closed、连接已关闭或队列已满时丢弃
func (s *Session) send(b []byte) bool {
	if s.State() == StateClosed {
		return false
	}
	if s.conn.Enqueue(b) {
		return true
	}
	s.hub.metrics.IncSendsDropped()
	Log.Debugw("send dropped", "session", s.ID, "user", s.userID)
	return false
}

// Handle 按当前状态处理一帧；返回 false 表示会话已结束，连接应关闭
func (s *Session) Handle(ctx context.Context, f Frame) bool {
	switch s.State() {
	case StateConnecting:
		if f.Type == FrameAuth {
			return s.handleAuth(ctx, f.Token)
		}
	case StateAuthenticated:
		switch f.Type {
		case FrameJoin:
			s.handleJoin(ctx, f.RoomID)
			return true
		case FrameLeave:
			s.Teardown()
			return false
		}
	case StateInRoom:
		switch f.Type {
		case FrameMove:
			s.handleMove(f.Target)
			return true
		case FrameLeave:
			s.Teardown()
			return false
		}
	case StateClosed:
		return false
	}
	Log.Debugw("frame ignored", "session", s.ID, "state", s.State().String(), "type", string(f.Type))
	return true
}

func (s *Session) handleAuth(ctx context.Context, token string) bool {
	userID, err := s.hub.verifier.Verify(ctx, token)
	if err != nil {
		s.hub.metrics.IncAuthFailures()
		Log.Infow("auth failed", "session", s.ID, "err", err)
		s.send(encodeAuthFailed())
		s.setState(StateClosed)
		return false
	}
	s.userID = userID
	s.setState(StateAuthenticated)
	s.send(encodeAuthOK())
	Log.Infow("authenticated", "session", s.ID, "user", userID)
	return true
}

func (s *Session) handleJoin(ctx context.Context, roomID string) {
	reg := s.hub.registry
	room, pos, err := reg.JoinRoom(ctx, roomID, s)
	if err != nil {
		s.hub.metrics.IncJoinRejected()
		reason := joinFailureReason(err)
		Log.Infow("join rejected", "session", s.ID, "user", s.userID, "room", roomID, "reason", reason, "err", err)
		s.send(encodeJoinFailed(roomID, reason))
		return
	}
	s.room = room
	s.joined = true
	s.setState(StateInRoom)
	s.hub.metrics.IncJoins()
	Log.Infow("joined", "session", s.ID, "user", s.userID, "room", roomID, "x", pos.X, "y", pos.Y)
}

func joinFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyPresent):
		return "already-present"
	case errors.Is(err, grid.ErrLayoutNotFound):
		return "not-found"
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	}
	return "unavailable"
}

func (s *Session) handleMove(target grid.Position) {
	v, err := s.hub.registry.Move(s.room, s, target)
	if err != nil {
		Log.Warnw("move on stale membership", "session", s.ID, "user", s.userID, "err", err)
		return
	}
	if v != grid.Legal {
		s.hub.metrics.IncMoveRejected(v)
		s.send(encodeMovementRejected(target, v))
		return
	}
	s.hub.metrics.IncMovesAccepted()
}

// Teardown 离开房间（广播 user-left、异步记录最后位置）并进入 Closed；可重复调用
func (s *Session) Teardown() {
	if s.State() == StateClosed {
		return
	}
	if s.room != nil {
		room := s.room
		if pos, ok := s.hub.registry.Leave(room, s); ok {
			s.hub.persistPosition(s.userID, room.ID, pos)
			Log.Infow("left", "session", s.ID, "user", s.userID, "room", room.ID)
		}
		s.room = nil
	}
	s.setState(StateClosed)
}
