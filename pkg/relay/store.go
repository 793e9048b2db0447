package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // 引入 CGO-free 的 SQLite 驱动
)

// ClaimStatus 是认领配对短语的结果
type ClaimStatus string

const (
	// StatusClaimed 表示短语有效并已被消耗
	StatusClaimed ClaimStatus = "claimed"
	// StatusMissing 表示短语不存在（从未分配或已被消耗）
	StatusMissing ClaimStatus = "missing"
	// StatusExpired 表示短语已过期，记录已被删除
	StatusExpired ClaimStatus = "expired"
)

// PhraseRow 对应数据库中 phrases 表的一行记录
type PhraseRow struct {
	Phrase     string         // 等待配对的短语
	ConnID     uint64         // 持有该短语的连接
	CreatedAt  int64          // 创建时间的 Unix 时间戳 (UTC)
	TTLSeconds int64          // 有效期，单位秒；0 表示随连接存在
	LastIP     sql.NullString // 分配该短语的客户端 IP
}

// Expired 判断短语在给定的时间点是否已过期
func (r *PhraseRow) Expired(at time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	expires := time.Unix(r.CreatedAt, 0).UTC().Add(time.Duration(r.TTLSeconds) * time.Second)
	return at.UTC().After(expires)
}

// PhraseStore 是等待配对短语表的封装
// 连接本身只存在于内存中，所以打开时会清空上一次运行遗留的记录
type PhraseStore struct {
	mu sync.Mutex // 保护分配流程的小临界区
	db *sql.DB
}

// OpenPhraseStore 打开或创建一个 SQLite 数据库文件，并进行初始化配置
func OpenPhraseStore(path string) (*PhraseStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 同一进程内的访问已经由 Hub 串行化，单连接也让 :memory: 数据库可用
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS phrases(
  phrase TEXT PRIMARY KEY,
  conn_id INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  ttl_seconds INTEGER NOT NULL,
  last_ip TEXT
);
CREATE INDEX IF NOT EXISTS idx_phrases_created ON phrases(created_at);
CREATE INDEX IF NOT EXISTS idx_phrases_conn ON phrases(conn_id);
DELETE FROM phrases;
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PhraseStore{db: db}, nil
}

// Close 关闭数据库连接
func (s *PhraseStore) Close() error { return s.db.Close() }

// Insert 插入一条新的短语记录；短语已存在时返回错误
func (s *PhraseStore) Insert(phrase string, connID uint64, ttl time.Duration, now time.Time, ip string) error {
	_, err := s.db.Exec(`INSERT INTO phrases(phrase, conn_id, created_at, ttl_seconds, last_ip) VALUES(?, ?, ?, ?, ?)`,
		phrase, int64(connID), now.UTC().Unix(), int64(ttl/time.Second), ip)
	return err
}

// Load 加载指定短语的记录
func (s *PhraseStore) Load(phrase string) (*PhraseRow, error) {
	row := s.db.QueryRow(`SELECT phrase, conn_id, created_at, ttl_seconds, last_ip FROM phrases WHERE phrase=?`, phrase)
	var r PhraseRow
	var connID int64
	if err := row.Scan(&r.Phrase, &connID, &r.CreatedAt, &r.TTLSeconds, &r.LastIP); err != nil {
		return nil, err
	}
	r.ConnID = uint64(connID)
	return &r, nil
}

// Delete 删除指定的短语；不存在时是空操作
func (s *PhraseStore) Delete(phrase string) error {
	_, err := s.db.Exec(`DELETE FROM phrases WHERE phrase=?`, phrase)
	return err
}

// Claim 消耗一个短语并返回其所属连接
// 短语只能被认领一次：成功或过期时记录都会被删除
func (s *PhraseStore) Claim(phrase string, now time.Time) (ClaimStatus, *PhraseRow, error) {
	r, err := s.Load(phrase)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusMissing, nil, nil
		}
		return "", nil, err
	}
	if err := s.Delete(phrase); err != nil {
		return "", nil, err
	}
	if r.Expired(now) {
		return StatusExpired, r, nil
	}
	return StatusClaimed, r, nil
}

// Allocate 为连接分配一个新的、未被占用的短语
// gen 每次调用生成一个候选短语，最多尝试 1000 次以避免碰撞
func (s *PhraseStore) Allocate(gen func() string, connID uint64, ttl time.Duration, now time.Time, ip string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tries := 0; tries < 1000; tries++ {
		phrase := gen()
		row, err := s.Load(phrase)
		if err == nil {
			if !row.Expired(now) {
				continue // 仍被占用，重试
			}
			_ = s.Delete(phrase)
		}
		if err := s.Insert(phrase, connID, ttl, now, ip); err != nil {
			continue
		}
		return phrase, nil
	}
	return "", fmt.Errorf("exhausted allocating phrase")
}

// TakeExpired 删除并返回所有已过期的短语记录
func (s *PhraseStore) TakeExpired(now time.Time) ([]PhraseRow, error) {
	rows, err := s.db.Query(`SELECT phrase, conn_id, created_at, ttl_seconds, last_ip FROM phrases
 WHERE ttl_seconds > 0 AND (created_at + ttl_seconds) < ?`, now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	var out []PhraseRow
	for rows.Next() {
		var r PhraseRow
		var connID int64
		if err := rows.Scan(&r.Phrase, &connID, &r.CreatedAt, &r.TTLSeconds, &r.LastIP); err != nil {
			rows.Close()
			return nil, err
		}
		r.ConnID = uint64(connID)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := s.Delete(r.Phrase); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Count 返回当前等待配对的短语数量
func (s *PhraseStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM phrases`).Scan(&n)
	return n, err
}
