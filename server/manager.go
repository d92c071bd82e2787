package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"gridspace/grid"
)

var (
	// ErrAlreadyPresent 该用户已在某个房间中（全局单房间约束）
	ErrAlreadyPresent = errors.New("user already present in a room")
	// ErrRoomFull 房间内已无可用格子
	ErrRoomFull = errors.New("room has no free cell")

	errNotMember   = errors.New("session is not a member of the room")
	errRoomEvicted = errors.New("room was evicted")
)

// joinAttempts 房间在加入前恰好被回收时的重试上限
const joinAttempts = 16

// LayoutLoader 房间布局来源（外部协作方）
type LayoutLoader interface {
	LoadLayout(ctx context.Context, roomID string) (grid.Layout, error)
}

// LayoutLoaderFunc 以函数实现 LayoutLoader
type LayoutLoaderFunc func(ctx context.Context, roomID string) (grid.Layout, error)

func (f LayoutLoaderFunc) LoadLayout(ctx context.Context, roomID string) (grid.Layout, error) {
	return f(ctx, roomID)
}

// Registry 管理活跃房间的生命周期与成员归属。
// 锁顺序固定为 Room.mu → Registry.mu，Registry.mu 持有期间不获取任何房间锁。
type Registry struct {
	loader  LayoutLoader
	policy  grid.Policy
	metrics *Metrics

	mu      sync.Mutex
	rooms   map[string]*Room
	members map[string]*Room // userID -> 所在房间
	loads   singleflight.Group
}

// NewRegistry 创建房间注册表
func NewRegistry(loader LayoutLoader, policy grid.Policy, metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Registry{
		loader:  loader,
		policy:  policy,
		metrics: metrics,
		rooms:   make(map[string]*Room),
		members: make(map[string]*Room),
	}
}

// Lookup 返回已存在的房间，不触发加载
func (g *Registry) Lookup(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Rooms 活跃房间列表（按 id 排序）
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomOf 用户当前所在房间
func (g *Registry) RoomOf(userID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.members[userID]
	return r, ok
}

// GetOrCreateRoom 获取或创建房间；同一未加载 id 的并发调用只加载一次布局
func (g *Registry) GetOrCreateRoom(ctx context.Context, id string) (*Room, error) {
	if r, ok := g.Lookup(id); ok {
		return r, nil
	}
	// 共享的加载不随单个调用方取消
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := g.loads.Do(id, func() (any, error) {
		if r, ok := g.Lookup(id); ok {
			return r, nil
		}
		layout, err := g.loader.LoadLayout(loadCtx, id)
		if err != nil {
			return nil, fmt.Errorf("load layout %q: %w", id, err)
		}
		if layout.Width <= 0 || layout.Height <= 0 {
			return nil, fmt.Errorf("load layout %q: invalid dimensions %dx%d", id, layout.Width, layout.Height)
		}
		r := NewRoom(id, layout, g.policy)
		g.mu.Lock()
		g.rooms[id] = r
		g.mu.Unlock()
		g.metrics.IncRoomsLoaded()
		Log.Infow("room loaded", "room", id, "width", layout.Width, "height", layout.Height, "elements", len(layout.Elements))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// JoinRoom 获取或创建房间并加入；房间在两步之间被回收时重新获取
func (g *Registry) JoinRoom(ctx context.Context, id string, s *Session) (*Room, grid.Position, error) {
	if _, ok := g.RoomOf(s.userID); ok {
		return nil, grid.Position{}, ErrAlreadyPresent
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		r, err := g.GetOrCreateRoom(ctx, id)
		if err != nil {
			return nil, grid.Position{}, err
		}
		pos, err := g.Join(r, s)
		if errors.Is(err, errRoomEvicted) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return nil, grid.Position{}, err
		}
		return r, pos, nil
	}
	return nil, grid.Position{}, fmt.Errorf("join %q: %w", id, errRoomEvicted)
}

// Join 将会话加入房间并分配初始位置。
// 要么全部生效，要么不改变任何状态；join-ok 与 user-joined 在释放房间锁前入队，
// 因此房间事件在每个成员处的顺序与提交顺序一致。
func (g *Registry) Join(r *Room, s *Session) (grid.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return grid.Position{}, errRoomEvicted
	}

	g.mu.Lock()
	if _, ok := g.members[s.userID]; ok {
		g.evictIfEmptyLocked(r)
		g.mu.Unlock()
		return grid.Position{}, ErrAlreadyPresent
	}
	pos, ok := grid.FirstFree(r.layout, r.occupiedLocked(nil), r.policy.Scan)
	if !ok {
		g.evictIfEmptyLocked(r)
		g.mu.Unlock()
		return grid.Position{}, ErrRoomFull
	}
	g.members[s.userID] = r
	g.mu.Unlock()

	roster := r.rosterLocked(nil)
	s.pos = pos
	r.occupants[s.userID] = s
	r.cells[pos] = s
	s.send(encodeJoinOK(r.ID, r.layout, pos, roster))
	broadcastLocked(r, encodeUserJoined(s.userID, pos), s)
	return pos, nil
}

// Leave 移出会话并通知其他成员；房间清空后从注册表回收。返回离开前的位置
func (g *Registry) Leave(r *Room, s *Session) (grid.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.occupants[s.userID] != s {
		return grid.Position{}, false
	}
	pos := s.pos
	delete(r.occupants, s.userID)
	delete(r.cells, pos)
	broadcastLocked(r, encodeUserLeft(s.userID), nil)

	g.mu.Lock()
	if g.members[s.userID] == r {
		delete(g.members, s.userID)
	}
	g.evictIfEmptyLocked(r)
	g.mu.Unlock()
	return pos, true
}

// 调用方需同时持有 r.mu 与 g.mu
func (g *Registry) evictIfEmptyLocked(r *Room) {
	if len(r.occupants) > 0 || r.evicted {
		return
	}
	r.evicted = true
	if g.rooms[r.ID] == r {
		delete(g.rooms, r.ID)
	}
	g.metrics.IncRoomsEvicted()
	Log.Infow("room evicted", "room", r.ID)
}

// Move 在房间锁内完成“校验 + 提交 + movement 入队”，校验读取的是实时占用状态
func (g *Registry) Move(r *Room, s *Session, target grid.Position) (grid.Verdict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.occupants[s.userID] != s {
		return grid.Legal, errNotMember
	}
	v := grid.Validate(r.layout, r.occupiedLocked(s), s.pos, target, r.policy.Move)
	if v != grid.Legal {
		return v, nil
	}
	delete(r.cells, s.pos)
	s.pos = target
	r.cells[target] = s
	broadcastLocked(r, encodeMovement(s.userID, target), s)
	return grid.Legal, nil
}

// Broadcast 将消息投递给房间内除 excluding 外的所有成员；单个成员投递失败不影响其他成员
func (g *Registry) Broadcast(r *Room, payload []byte, excluding *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return broadcastLocked(r, payload, excluding)
}

// 调用方需持有 r.mu；Enqueue 非阻塞，真正的写出在各连接的写协程中
func broadcastLocked(r *Room, payload []byte, excluding *Session) int {
	delivered := 0
	for _, s := range r.occupants {
		if s != excluding && s.send(payload) {
			delivered++
		}
	}
	return delivered
}
