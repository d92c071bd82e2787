package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"gridspace/grid"
)

// FrameType 帧类型
type FrameType string

// 客户端 → 服务端
const (
	FrameAuth  FrameType = "auth"
	FrameJoin  FrameType = "join"
	FrameMove  FrameType = "move"
	FrameLeave FrameType = "leave"
)

// 服务端 → 客户端
const (
	FrameAuthOK           FrameType = "auth-ok"
	FrameAuthFailed       FrameType = "auth-failed"
	FrameJoinOK           FrameType = "join-ok"
	FrameJoinFailed       FrameType = "join-failed"
	FrameUserJoined       FrameType = "user-joined"
	FrameMovement         FrameType = "movement"
	FrameMovementRejected FrameType = "movement-rejected"
	FrameUserLeft         FrameType = "user-left"
)

var (
	// ErrMalformed 字段缺失或类型错误
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownFrame 未知的帧类型
	ErrUnknownFrame = errors.New("unknown frame type")
)

// Frame 解码后的客户端帧
type Frame struct {
	Type   FrameType
	Token  string
	RoomID string
	Target grid.Position
}

// inboundMessage 入站 JSON 结构；指针字段用于区分缺失与零值
// 示例：{"type":"move","x":1,"y":0}
type inboundMessage struct {
	Type   *string `json:"type"`
	Token  *string `json:"token"`
	RoomID *string `json:"roomId"`
	X      *int    `json:"x"`
	Y      *int    `json:"y"`
}

// DecodeFrame 解码一条文本帧；失败时返回 ErrMalformed 或 ErrUnknownFrame，不会 panic
func DecodeFrame(b []byte) (Frame, error) {
	var m inboundMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == nil {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	f := Frame{Type: FrameType(*m.Type)}
	switch f.Type {
	case FrameAuth:
		if m.Token == nil {
			return Frame{}, fmt.Errorf("%w: auth requires token", ErrMalformed)
		}
		f.Token = *m.Token
	case FrameJoin:
		if m.RoomID == nil || *m.RoomID == "" {
			return Frame{}, fmt.Errorf("%w: join requires roomId", ErrMalformed)
		}
		f.RoomID = *m.RoomID
	case FrameMove:
		if m.X == nil || m.Y == nil {
			return Frame{}, fmt.Errorf("%w: move requires x and y", ErrMalformed)
		}
		f.Target = grid.Position{X: *m.X, Y: *m.Y}
	case FrameLeave:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, *m.Type)
	}
	return f, nil
}

// Occupant 在场用户及其位置
type Occupant struct {
	UserID string `json:"userId"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type statusMessage struct {
	Type FrameType `json:"type"`
}

type joinOKMessage struct {
	Type      FrameType     `json:"type"`
	RoomID    string        `json:"roomId"`
	Layout    grid.Layout   `json:"layout"`
	Spawn     grid.Position `json:"spawn"`
	Occupants []Occupant    `json:"occupants"`
}

type joinFailedMessage struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"roomId"`
	Reason string    `json:"reason"`
}

type userMessage struct {
	Type   FrameType `json:"type"`
	UserID string    `json:"userId"`
	X      *int      `json:"x,omitempty"`
	Y      *int      `json:"y,omitempty"`
}

type rejectedMessage struct {
	Type   FrameType `json:"type"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	Reason string    `json:"reason"`
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// 出站结构均为固定类型，编码失败说明程序错误
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return b
}

func encodeAuthOK() []byte     { return mustEncode(statusMessage{Type: FrameAuthOK}) }
func encodeAuthFailed() []byte { return mustEncode(statusMessage{Type: FrameAuthFailed}) }

func encodeJoinOK(roomID string, layout grid.Layout, spawn grid.Position, occupants []Occupant) []byte {
	if occupants == nil {
		occupants = []Occupant{}
	}
	if layout.Elements == nil {
		layout.Elements = []grid.Element{}
	}
	return mustEncode(joinOKMessage{Type: FrameJoinOK, RoomID: roomID, Layout: layout, Spawn: spawn, Occupants: occupants})
}

func encodeJoinFailed(roomID, reason string) []byte {
	return mustEncode(joinFailedMessage{Type: FrameJoinFailed, RoomID: roomID, Reason: reason})
}

func encodeUserJoined(userID string, p grid.Position) []byte {
	return mustEncode(userMessage{Type: FrameUserJoined, UserID: userID, X: &p.X, Y: &p.Y})
}

func encodeMovement(userID string, p grid.Position) []byte {
	return mustEncode(userMessage{Type: FrameMovement, UserID: userID, X: &p.X, Y: &p.Y})
}

func encodeMovementRejected(p grid.Position, v grid.Verdict) []byte {
	return mustEncode(rejectedMessage{Type: FrameMovementRejected, X: p.X, Y: p.Y, Reason: v.String()})
}

func encodeUserLeft(userID string) []byte {
	return mustEncode(userMessage{Type: FrameUserLeft, UserID: userID})
}
