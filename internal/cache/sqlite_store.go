package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	namespace TEXT NOT NULL REFERENCES namespaces(name) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	PRIMARY KEY (namespace, key)
);
`

// sqliteStorage 将命名空间与条目保存在单个 SQLite 文件中，适合需要跨重启保留缓存的部署。
type sqliteStorage struct {
	db             *sql.DB
	maxObjectBytes int64
}

// NewSQLiteStorage 打开（或创建）path 处的数据库并执行建表。
func NewSQLiteStorage(ctx context.Context, path string, maxObjectBytes int64) (Storage, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &sqliteStorage{db: db, maxObjectBytes: maxObjectBytes}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open namespace: %w", err)
	}
	return &sqliteNamespace{storage: s, name: name}, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete namespace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM namespaces ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type sqliteNamespace struct {
	storage *sqliteStorage
	name    string
}

func (n *sqliteNamespace) Name() string {
	return n.name
}

func (n *sqliteNamespace) Match(ctx context.Context, key Key) (*Response, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	var (
		status int
		header string
		body   []byte
	)
	err := n.storage.db.QueryRowContext(ctx,
		`SELECT status, header, body FROM entries WHERE namespace = ? AND key = ?`,
		n.name, key.String(),
	).Scan(&status, &header, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match entry: %w", err)
	}

	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return resp, nil
}

func (n *sqliteNamespace) Put(ctx context.Context, key Key, resp *Response) error {
	if err := checkPut(key, resp, n.storage.maxObjectBytes); err != nil {
		return err
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	// 命名空间已被删除时不写入，也不重新登记
	_, err = n.storage.db.ExecContext(ctx,
		`INSERT INTO entries (namespace, key, status, header, body)
		 SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM namespaces WHERE name = ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET status = excluded.status, header = excluded.header, body = excluded.body`,
		n.name, key.String(), resp.Status, string(header), body, n.name)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}
