package token

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const persistTimeout = 5 * time.Second

// SQLiteStore 把令牌持久化到本地 SQLite，读取走内存快照，不触达数据库。
type SQLiteStore struct {
	db    *sql.DB
	cache MemoryStore
}

// OpenSQLiteStore 打开（必要时创建）path 处的数据库并加载已保存的令牌。
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := runMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate token db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func (s *SQLiteStore) load(ctx context.Context) error {
	var (
		access  string
		expUnix int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT access_token, expires_at FROM access_token WHERE id = 1`).Scan(&access, &expUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	return s.cache.Set(Token{AccessToken: access, ExpiresAt: time.UnixMilli(expUnix).UTC()})
}

func (s *SQLiteStore) Get() (Token, bool) { return s.cache.Get() }

// Set 先替换内存快照再落盘；落盘失败时返回错误，但当前进程内令牌已生效。
func (s *SQLiteStore) Set(t Token) error {
	_ = s.cache.Set(t)
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_token (id, access_token, expires_at, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET access_token = excluded.access_token,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, t.AccessToken, t.ExpiresAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// Clear 同时丢弃访问令牌与 refresh cookie，会话结束后两者都不再可用。
func (s *SQLiteStore) Clear() error {
	_ = s.cache.Clear()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_token`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return s.ClearRefreshCookie(ctx)
}

// RefreshCookie 读取已保存的 refresh cookie。
func (s *SQLiteStore) RefreshCookie(ctx context.Context) (SavedCookie, bool, error) {
	var (
		c       SavedCookie
		expUnix int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT origin, name, value, path, expires_at, secure FROM refresh_cookie WHERE id = 1`).
		Scan(&c.Origin, &c.Name, &c.Value, &c.Path, &expUnix, &c.Secure)
	if errors.Is(err, sql.ErrNoRows) {
		return SavedCookie{}, false, nil
	}
	if err != nil {
		return SavedCookie{}, false, fmt.Errorf("load refresh cookie: %w", err)
	}
	if expUnix > 0 {
		c.Expires = time.UnixMilli(expUnix).UTC()
	}
	return c, true, nil
}

func (s *SQLiteStore) SaveRefreshCookie(ctx context.Context, c SavedCookie) error {
	var expUnix int64
	if !c.Expires.IsZero() {
		expUnix = c.Expires.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_cookie (id, origin, name, value, path, expires_at, secure, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET origin = excluded.origin, name = excluded.name,
			value = excluded.value, path = excluded.path, expires_at = excluded.expires_at,
			secure = excluded.secure, updated_at = excluded.updated_at
	`, c.Origin, c.Name, c.Value, c.Path, expUnix, c.Secure, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("persist refresh cookie: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearRefreshCookie(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_cookie`); err != nil {
		return fmt.Errorf("clear refresh cookie: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
