// Package store 基于 SQLite 提供房间布局读取与最后位置写入
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gridspace/grid"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store 持有 SQLite 连接
type Store struct {
	db *sql.DB
}

// Open 打开数据库并执行内嵌建表脚本
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := fs.ReadFile(migrationFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close 关闭连接
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// execer 由 *sql.DB 与 *sql.Tx 实现
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutSpace 新建或更新一个空间的尺寸
func (s *Store) PutSpace(ctx context.Context, id, name string, width, height int) error {
	return putSpace(ctx, s.db, id, name, width, height)
}

func putSpace(ctx context.Context, q execer, id, name string, width, height int) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("space id is required")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("space dimensions must be positive, got %dx%d", width, height)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO spaces (id, name, width, height) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, width = excluded.width, height = excluded.height`,
		id, name, width, height)
	if err != nil {
		return fmt.Errorf("put space: %w", err)
	}
	return nil
}

// PutElement 新建或更新元素模板
func (s *Store) PutElement(ctx context.Context, id string, width, height int, static bool) error {
	return putElement(ctx, s.db, id, width, height, static)
}

func putElement(ctx context.Context, q execer, id string, width, height int, static bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("element id is required")
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO elements (id, width, height, static) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET width = excluded.width, height = excluded.height, static = excluded.static`,
		id, width, height, boolToInt(static))
	if err != nil {
		return fmt.Errorf("put element: %w", err)
	}
	return nil
}

// PlaceElement 在空间中放置一个元素实例；坐标必须在空间边界内
func (s *Store) PlaceElement(ctx context.Context, spaceID, placementID, elementID string, x, y int) error {
	return placeElement(ctx, s.db, spaceID, placementID, elementID, x, y)
}

func placeElement(ctx context.Context, q execer, spaceID, placementID, elementID string, x, y int) error {
	var width, height int
	err := q.QueryRowContext(ctx, `SELECT width, height FROM spaces WHERE id = ?`, spaceID).Scan(&width, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("place element in %q: %w", spaceID, grid.ErrLayoutNotFound)
	}
	if err != nil {
		return fmt.Errorf("place element: %w", err)
	}
	if x < 0 || y < 0 || x >= width || y >= height {
		return fmt.Errorf("point (%d,%d) is outside of the %dx%d boundary", x, y, width, height)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO space_elements (id, space_id, element_id, x, y) VALUES (?, ?, ?, ?, ?)`,
		placementID, spaceID, elementID, x, y)
	if err != nil {
		return fmt.Errorf("place element: %w", err)
	}
	return nil
}

// LoadLayout 读取空间尺寸与全部元素（按放置 id 排序）
func (s *Store) LoadLayout(ctx context.Context, spaceID string) (grid.Layout, error) {
	var layout grid.Layout
	err := s.db.QueryRowContext(ctx, `SELECT width, height FROM spaces WHERE id = ?`, spaceID).
		Scan(&layout.Width, &layout.Height)
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Layout{}, fmt.Errorf("space %q: %w", spaceID, grid.ErrLayoutNotFound)
	}
	if err != nil {
		return grid.Layout{}, fmt.Errorf("load space: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT se.id, se.x, se.y, e.width, e.height, e.static
		 FROM space_elements se JOIN elements e ON e.id = se.element_id
		 WHERE se.space_id = ?
		 ORDER BY se.id`, spaceID)
	if err != nil {
		return grid.Layout{}, fmt.Errorf("load space elements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e      grid.Element
			static int
		)
		if err := rows.Scan(&e.ID, &e.X, &e.Y, &e.Width, &e.Height, &static); err != nil {
			return grid.Layout{}, fmt.Errorf("scan space element: %w", err)
		}
		e.Static = static != 0
		layout.Elements = append(layout.Elements, e)
	}
	if err := rows.Err(); err != nil {
		return grid.Layout{}, fmt.Errorf("iterate space elements: %w", err)
	}
	return layout, nil
}

// SavePosition 记录用户离开房间时的最后位置（按用户覆盖）
func (s *Store) SavePosition(ctx context.Context, userID, spaceID string, pos grid.Position, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_positions (user_id, space_id, x, y, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   space_id = excluded.space_id, x = excluded.x, y = excluded.y, updated_at = excluded.updated_at`,
		userID, spaceID, pos.X, pos.Y, at.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LastPosition 返回用户最后记录的位置；ok 为 false 表示无记录
func (s *Store) LastPosition(ctx context.Context, userID string) (spaceID string, pos grid.Position, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT space_id, x, y FROM last_positions WHERE user_id = ?`, userID).
		Scan(&spaceID, &pos.X, &pos.Y)
	if errors.Is(err, sql.ErrNoRows) {
		return "", grid.Position{}, false, nil
	}
	if err != nil {
		return "", grid.Position{}, false, fmt.Errorf("last position: %w", err)
	}
	return spaceID, pos, true, nil
}

// SeedDemo 写入演示空间 room-1（10x10，含两个静态元素与一块可行走地毯）；
// 全部写入在同一事务中，失败时保留原有内容
func (s *Store) SeedDemo(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := putSpace(ctx, tx, "room-1", "Demo", 10, 10); err != nil {
		return err
	}
	for _, e := range []struct {
		id     string
		w, h   int
		static bool
	}{
		{"table", 2, 1, true},
		{"plant", 1, 1, true},
		{"rug", 3, 2, false},
	} {
		if err := putElement(ctx, tx, e.id, e.w, e.h, e.static); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM space_elements WHERE space_id = ?`, "room-1"); err != nil {
		return fmt.Errorf("reset demo elements: %w", err)
	}
	for _, p := range []struct {
		id, element string
		x, y        int
	}{
		{"room-1/table", "table", 4, 4},
		{"room-1/plant", "plant", 9, 0},
		{"room-1/rug", "rug", 1, 6},
	} {
		if err := placeElement(ctx, tx, "room-1", p.id, p.element, p.x, p.y); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
