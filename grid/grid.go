// Package grid 提供房间网格的数据模型与空间校验（纯函数，无状态）
package grid

import "errors"

// ErrLayoutNotFound 表示布局来源中不存在该房间
var ErrLayoutNotFound = errors.New("layout not found")

// Position 网格坐标（整数格）
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Element 房间布局中的固定元素；仅 Static 为 true 时不可行走
type Element struct {
	ID     string `json:"id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Static bool   `json:"static"`
}

// Covers 判断该元素的占地范围是否包含 p（宽高不足 1 时按 1 格处理）
func (e Element) Covers(p Position) bool {
	w, h := e.Width, e.Height
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return p.X >= e.X && p.X < e.X+w && p.Y >= e.Y && p.Y < e.Y+h
}

// Layout 房间静态布局，加载后只读
type Layout struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Elements []Element `json:"elements"`
}

// InBounds 是否位于 [0,width)×[0,height)
func (l Layout) InBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < l.Width && p.Y < l.Height
}

// Blocked 是否被任一静态元素覆盖
func (l Layout) Blocked(p Position) bool {
	for _, e := range l.Elements {
		if e.Static && e.Covers(p) {
			return true
		}
	}
	return false
}
