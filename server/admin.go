package server

import (
	"encoding/json"
	"net/http"
)

// RoomSnapshot 房间的只读视图
type RoomSnapshot struct {
	ID        string     `json:"id"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	Occupants []Occupant `json:"occupants"`
}

func snapshotRoom(r *Room) RoomSnapshot {
	l := r.Layout()
	return RoomSnapshot{ID: r.ID, Width: l.Width, Height: l.Height, Occupants: r.Occupants()}
}

// HandleRooms 列出活跃房间与在场用户
// GET /admin/rooms            返回全部房间
// GET /admin/rooms?room=room-1 返回单个房间，不存在时 404（不会触发加载）
func (h *Hub) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id := r.URL.Query().Get("room"); id != "" {
		room, ok := h.registry.Lookup(id)
		if !ok {
			http.Error(w, "room not active", http.StatusNotFound)
			return
		}
		writeJSON(w, snapshotRoom(room))
		return
	}
	rooms := h.registry.Rooms()
	out := make([]RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, snapshotRoom(room))
	}
	writeJSON(w, map[string]any{"rooms": out})
}

// HandleMetrics 输出引擎运行指标
// GET /metrics
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"active_rooms":    len(h.registry.Rooms()),
		"active_sessions": h.SessionCount(),
		"metrics":         h.metrics.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
