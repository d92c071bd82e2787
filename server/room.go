package server

import (
	"sort"
	"sync"

	"gridspace/grid"
)

// Room 房间：静态布局只读；在场集合与成员位置受 mu 保护
type Room struct {
	ID string

	layout grid.Layout
	policy grid.Policy

	mu        sync.Mutex
	occupants map[string]*Session        // userID -> 会话
	cells     map[grid.Position]*Session // 已占用格子 -> 会话
	evicted   bool                       // 已从注册表移除，不再接受加入
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, layout grid.Layout, policy grid.Policy) *Room {
	return &Room{
		ID:        id,
		layout:    layout,
		policy:    policy,
		occupants: make(map[string]*Session),
		cells:     make(map[grid.Position]*Session),
	}
}

// Layout 返回静态布局
func (r *Room) Layout() grid.Layout { return r.layout }

// Len 当前在场人数
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupants)
}

// Occupants 在场用户快照（按 userID 排序）
func (r *Room) Occupants() []Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(nil)
}

// 调用方需持有 mu
func (r *Room) rosterLocked(excluding *Session) []Occupant {
	out := make([]Occupant, 0, len(r.occupants))
	for id, s := range r.occupants {
		if s == excluding {
			continue
		}
		out = append(out, Occupant{UserID: id, X: s.pos.X, Y: s.pos.Y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// 调用方需持有 mu；self 所在格不算占用
func (r *Room) occupiedLocked(self *Session) func(grid.Position) bool {
	return func(p grid.Position) bool {
		s, ok := r.cells[p]
		return ok && s != self
	}
}

// positionOf 返回成员的当前位置
func (r *Room) positionOf(s *Session) (grid.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.occupants[s.userID] != s {
		return grid.Position{}, false
	}
	return s.pos, true
}
