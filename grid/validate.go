package grid

import (
	"fmt"
	"strings"
)

// Verdict 移动校验结果
type Verdict int

const (
	Legal Verdict = iota
	OutOfBounds
	Blocked
	Occupied
	NotAdjacent
)

// String 返回线协议中使用的 reason 字符串
func (v Verdict) String() string {
	switch v {
	case Legal:
		return "legal"
	case OutOfBounds:
		return "out-of-bounds"
	case Blocked:
		return "blocked"
	case Occupied:
		return "occupied"
	case NotAdjacent:
		return "not-adjacent"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MoveRule 单步移动规则
type MoveRule int

const (
	// Orthogonal 每帧只允许上下左右一步（曼哈顿距离为 1）
	Orthogonal MoveRule = iota
	// Diagonal 额外允许斜向一步（切比雪夫距离为 1）
	Diagonal
)

func (r MoveRule) String() string {
	if r == Diagonal {
		return "diagonal"
	}
	return "orthogonal"
}

// ParseMoveRule 解析配置中的移动规则名
func ParseMoveRule(s string) (MoveRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "orthogonal":
		return Orthogonal, nil
	case "diagonal":
		return Diagonal, nil
	}
	return Orthogonal, fmt.Errorf("unknown move rule %q", s)
}

// Adjacent 判断 from -> to 是否恰好为规则允许的一步
func (r MoveRule) Adjacent(from, to Position) bool {
	dx, dy := abs(to.X-from.X), abs(to.Y-from.Y)
	if r == Diagonal {
		return max(dx, dy) == 1
	}
	return dx+dy == 1
}

// Validate 校验一次移动。occupied 报告某格是否被其他在场用户占据（不含移动者自身），
// 必须由调用方在提交前基于实时占用状态给出。
// 检查顺序：越界 → 静态元素 → 占用 → 相邻
func Validate(l Layout, occupied func(Position) bool, from, to Position, rule MoveRule) Verdict {
	if !l.InBounds(to) {
		return OutOfBounds
	}
	if l.Blocked(to) {
		return Blocked
	}
	if occupied != nil && occupied(to) {
		return Occupied
	}
	if !rule.Adjacent(from, to) {
		return NotAdjacent
	}
	return Legal
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
