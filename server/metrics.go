package server

import (
	"sync/atomic"

	"gridspace/grid"
)

// Metrics 记录引擎运行期的关键指标（用于监控与调试）
type Metrics struct {
	Connections      int64 // 累计接入连接数
	AuthFailures     int64 // 鉴权失败次数
	Joins            int64 // 成功进房次数
	JoinRejected     int64 // 进房被拒次数
	MovesAccepted    int64 // 通过校验并提交的移动
	MalformedFrames  int64 // 格式错误或未知类型的帧
	SendsDropped     int64 // 因发送队列满或连接已关闭而丢弃的消息
	RoomsLoaded      int64 // 布局加载次数（每次创建房间一次）
	RoomsEvicted     int64 // 房间清空后被回收次数
	PositionsSaved   int64 // 最后位置写入成功数
	PositionsDropped int64 // 因队列满或写入失败而丢弃的位置记录

	rejected [verdictCount]int64 // 按原因统计的被拒移动
}

const verdictCount = int(grid.NotAdjacent) + 1

func (m *Metrics) IncConnections()      { atomic.AddInt64(&m.Connections, 1) }
func (m *Metrics) IncAuthFailures()     { atomic.AddInt64(&m.AuthFailures, 1) }
func (m *Metrics) IncJoins()            { atomic.AddInt64(&m.Joins, 1) }
func (m *Metrics) IncJoinRejected()     { atomic.AddInt64(&m.JoinRejected, 1) }
func (m *Metrics) IncMovesAccepted()    { atomic.AddInt64(&m.MovesAccepted, 1) }
func (m *Metrics) IncMalformed()        { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *Metrics) IncSendsDropped()     { atomic.AddInt64(&m.SendsDropped, 1) }
func (m *Metrics) IncRoomsLoaded()      { atomic.AddInt64(&m.RoomsLoaded, 1) }
func (m *Metrics) IncRoomsEvicted()     { atomic.AddInt64(&m.RoomsEvicted, 1) }
func (m *Metrics) IncPositionsSaved()   { atomic.AddInt64(&m.PositionsSaved, 1) }
func (m *Metrics) IncPositionsDropped() { atomic.AddInt64(&m.PositionsDropped, 1) }

// IncMoveRejected 按校验结果计数
func (m *Metrics) IncMoveRejected(v grid.Verdict) {
	if int(v) > 0 && int(v) < len(m.rejected) {
		atomic.AddInt64(&m.rejected[v], 1)
	}
}

// MovesRejected 返回某原因的被拒次数
func (m *Metrics) MovesRejected(v grid.Verdict) int64 {
	if int(v) <= 0 || int(v) >= len(m.rejected) {
		return 0
	}
	return atomic.LoadInt64(&m.rejected[v])
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	rejected := make(map[string]int64, len(m.rejected)-1)
	for v := grid.OutOfBounds; v <= grid.NotAdjacent; v++ {
		rejected[v.String()] = m.MovesRejected(v)
	}
	return map[string]any{
		"connections":       atomic.LoadInt64(&m.Connections),
		"auth_failures":     atomic.LoadInt64(&m.AuthFailures),
		"joins":             atomic.LoadInt64(&m.Joins),
		"join_rejected":     atomic.LoadInt64(&m.JoinRejected),
		"moves_accepted":    atomic.LoadInt64(&m.MovesAccepted),
		"moves_rejected":    rejected,
		"malformed_frames":  atomic.LoadInt64(&m.MalformedFrames),
		"sends_dropped":     atomic.LoadInt64(&m.SendsDropped),
		"rooms_loaded":      atomic.LoadInt64(&m.RoomsLoaded),
		"rooms_evicted":     atomic.LoadInt64(&m.RoomsEvicted),
		"positions_saved":   atomic.LoadInt64(&m.PositionsSaved),
		"positions_dropped": atomic.LoadInt64(&m.PositionsDropped),
	}
}
