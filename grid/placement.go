package grid

import (
	"fmt"
	"strings"
)

// ScanOrder 初始落点的扫描顺序（从原点开始，顺序固定，保证可复现）
type ScanOrder int

const (
	// ScanByColumn 外层 x、内层 y：(0,0),(0,1),...,(1,0),...
	ScanByColumn ScanOrder = iota
	// ScanByRow 外层 y、内层 x：(0,0),(1,0),...,(0,1),...
	ScanByRow
)

func (o ScanOrder) String() string {
	if o == ScanByRow {
		return "row"
	}
	return "column"
}

// ParseScanOrder 解析配置中的扫描顺序名
func ParseScanOrder(s string) (ScanOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "column":
		return ScanByColumn, nil
	case "row":
		return ScanByRow, nil
	}
	return ScanByColumn, fmt.Errorf("unknown scan order %q", s)
}

// Policy 房间的移动与落点策略
type Policy struct {
	Move MoveRule
	Scan ScanOrder
}

// FirstFree 按扫描顺序返回第一个在界内、非静态元素、未被占用的格子
func FirstFree(l Layout, occupied func(Position) bool, order ScanOrder) (Position, bool) {
	outer, inner := l.Width, l.Height
	if order == ScanByRow {
		outer, inner = l.Height, l.Width
	}
	for a := 0; a < outer; a++ {
		for b := 0; b < inner; b++ {
			p := Position{X: a, Y: b}
			if order == ScanByRow {
				p = Position{X: b, Y: a}
			}
			if l.Blocked(p) {
				continue
			}
			if occupied != nil && occupied(p) {
				continue
			}
			return p, true
		}
	}
	return Position{}, false
}
