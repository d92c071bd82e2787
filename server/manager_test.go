package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"gridspace/grid"
)

// slowLoader 每次加载前固定延迟，放大并发加载的窗口
type slowLoader struct {
	*countingLoader
	delay time.Duration
}

func (l *slowLoader) LoadLayout(ctx context.Context, id string) (grid.Layout, error) {
	time.Sleep(l.delay)
	return l.countingLoader.LoadLayout(ctx, id)
}

func TestGetOrCreateRoomLoadsOnce(t *testing.T) {
	loader := &slowLoader{countingLoader: newCountingLoader(open5x5), delay: 20 * time.Millisecond}
	reg := NewRegistry(loader, grid.Policy{}, nil)

	const callers = 16
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := reg.GetOrCreateRoom(context.Background(), "R")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()
	if got := loader.count("R"); got != 1 {
		t.Fatalf("layout loaded %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("caller %d got a different room instance", i)
		}
	}
}

func TestGetOrCreateRoomRejectsBadLayout(t *testing.T) {
	reg := NewRegistry(LayoutLoaderFunc(func(context.Context, string) (grid.Layout, error) {
		return grid.Layout{Width: 0, Height: 3}, nil
	}), grid.Policy{}, nil)
	if _, err := reg.GetOrCreateRoom(context.Background(), "flat"); err == nil {
		t.Fatal("expected error for zero-width layout")
	}
	if _, ok := reg.Lookup("flat"); ok {
		t.Fatal("invalid layout must not be registered")
	}
}

func TestGetOrCreateRoomNotFound(t *testing.T) {
	reg := NewRegistry(newCountingLoader(nil), grid.Policy{}, nil)
	_, err := reg.GetOrCreateRoom(context.Background(), "ghost")
	if !errors.Is(err, grid.ErrLayoutNotFound) {
		t.Fatalf("expected ErrLayoutNotFound, got %v", err)
	}
}

// 同一用户的多条连接并发进入不同房间，只能有一条成功
func TestSingleRoomPerUserUnderContention(t *testing.T) {
	layouts := map[string]grid.Layout{}
	for i := 0; i < 8; i++ {
		layouts[fmt.Sprintf("room-%d", i)] = grid.Layout{Width: 4, Height: 4}
	}
	h, _ := newTestHub(t, grid.Policy{}, layouts)

	sessions := make([]*Session, 8)
	for i := range sessions {
		sessions[i], _ = connect(t, h, "same-user")
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			_, _, err := h.Registry().JoinRoom(context.Background(), fmt.Sprintf("room-%d", i), s)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyPresent) {
				t.Errorf("unexpected join error: %v", err)
			}
		}(i, s)
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("%d joins succeeded, want exactly 1", success)
	}
	active := 0
	for _, r := range h.Registry().Rooms() {
		active += r.Len()
	}
	if active != 1 {
		t.Fatalf("user present in %d room slots, want 1", active)
	}
}

// 多个会话并发随机移动：任何时刻无两人同格，观察者看到的每一步距离恰为 1
func TestConcurrentMovesKeepInvariants(t *testing.T) {
	for _, rule := range []grid.MoveRule{grid.Orthogonal, grid.Diagonal} {
		t.Run(rule.String(), func(t *testing.T) {
			h, _ := newTestHub(t, grid.Policy{Move: rule}, map[string]grid.Layout{"R": {
				Width: 6, Height: 6,
				Elements: []grid.Element{{ID: "block", X: 2, Y: 2, Width: 2, Height: 2, Static: true}},
			}})
			observer, obsConn := connect(t, h, "observer")
			joinRoom(t, observer, obsConn, "R")

			const movers = 8
			sessions := make([]*Session, movers)
			start := make(map[string]grid.Position, movers)
			for i := range sessions {
				s, conn := connect(t, h, fmt.Sprintf("m%d", i))
				start[s.UserID()] = spawnOf(t, joinRoom(t, s, conn, "R"))
				sessions[i] = s
			}
			obsConn.reset()

			var wg sync.WaitGroup
			for i, s := range sessions {
				wg.Add(1)
				go func(seed int64, s *Session) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed))
					for n := 0; n < 200; n++ {
						cur, _ := s.Position()
						dx, dy := rng.Intn(5)-2, rng.Intn(5)-2
						move(s, cur.X+dx, cur.Y+dy)
					}
				}(int64(i+1), s)
			}
			wg.Wait()

			room, _ := h.Registry().Lookup("R")
			seen := map[grid.Position]string{}
			for _, o := range room.Occupants() {
				p := grid.Position{X: o.X, Y: o.Y}
				if other, dup := seen[p]; dup {
					t.Fatalf("%s and %s share %v", o.UserID, other, p)
				}
				if room.Layout().Blocked(p) || !room.Layout().InBounds(p) {
					t.Fatalf("%s stands on an illegal cell %v", o.UserID, p)
				}
				seen[p] = o.UserID
			}

			last := start
			for _, m := range obsConn.messages(t) {
				if m["type"] != string(FrameMovement) {
					continue
				}
				uid := m["userId"].(string)
				next := grid.Position{X: int(m["x"].(float64)), Y: int(m["y"].(float64))}
				if !rule.Adjacent(last[uid], next) {
					t.Fatalf("%s jumped from %v to %v", uid, last[uid], next)
				}
				last[uid] = next
			}
			for _, s := range sessions {
				if got, _ := s.Position(); got != last[s.UserID()] {
					t.Fatalf("%s final %v, observer saw %v", s.UserID(), got, last[s.UserID()])
				}
			}
		})
	}
}

// 反复进出同一房间，房间回收与重新创建不能丢失成员
func TestJoinLeaveChurn(t *testing.T) {
	h, _ := newTestHub(t, grid.Policy{}, open5x5)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		s, conn := connect(t, h, fmt.Sprintf("c%d", i))
		wg.Add(1)
		go func(s *Session, conn *fakeConn) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				room, _, err := h.Registry().JoinRoom(context.Background(), "R", s)
				if err != nil {
					t.Errorf("join: %v", err)
					return
				}
				if _, ok := h.Registry().Leave(room, s); !ok {
					t.Errorf("leave: %s was not a member", s.UserID())
					return
				}
				conn.reset()
			}
		}(s, conn)
	}
	wg.Wait()
	if _, ok := h.Registry().Lookup("R"); ok {
		t.Fatal("room should be evicted after everyone left")
	}
	for i := 0; i < 6; i++ {
		if _, ok := h.Registry().RoomOf(fmt.Sprintf("c%d", i)); ok {
			t.Fatalf("c%d still registered as a member", i)
		}
	}
}

// stallingConn 投递 user-left 时停顿，放大投递与后续提交之间的窗口
type stallingConn struct {
	fakeConn
	delay time.Duration
}

func (c *stallingConn) Enqueue(b []byte) bool {
	if bytes.Contains(b, []byte(`"user-left"`)) {
		time.Sleep(c.delay)
	}
	return c.fakeConn.Enqueue(b)
}

// 同一用户旧连接离开、新连接立即进房：其他成员看到的最后一条事件必须是 user-joined
func TestReconnectEventsKeepCommitOrder(t *testing.T) {
	h, _ := newTestHub(t, grid.Policy{}, open5x5)
	ctx := context.Background()

	watcherConn := &stallingConn{delay: 200 * time.Microsecond}
	watcher, err := h.Attach(watcherConn)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	watcher.Handle(ctx, Frame{Type: FrameAuth, Token: "tok-B"})
	watcher.Handle(ctx, Frame{Type: FrameJoin, RoomID: "R"})
	if watcher.State() != StateInRoom {
		t.Fatalf("watcher state = %s", watcher.State())
	}

	for round := 0; round < 200; round++ {
		oldSession, oldConn := connect(t, h, "A")
		joinRoom(t, oldSession, oldConn, "R")
		newSession, newConn := connect(t, h, "A")
		watcherConn.reset()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			oldSession.Handle(ctx, Frame{Type: FrameLeave})
		}()
		go func() {
			defer wg.Done()
			for newSession.State() != StateInRoom {
				newSession.Handle(ctx, Frame{Type: FrameJoin, RoomID: "R"})
			}
		}()
		wg.Wait()

		var last string
		for _, m := range watcherConn.messages(t) {
			if m["userId"] == "A" {
				last = m["type"].(string)
			}
		}
		if last != string(FrameUserJoined) {
			t.Fatalf("round %d: watcher's last event for A is %q while A is in the room", round, last)
		}

		newSession.Handle(ctx, Frame{Type: FrameLeave})
		h.Detach(oldConn)
		h.Detach(newConn)
	}
}
