package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ObservationRecord 表示索引器从交易日志中识别出的一条键值记录。
type ObservationRecord struct {
	ID               int64  `json:"id"`
	Signature        string `json:"signature"`
	Slot             uint64 `json:"slot"`
	ProgramID        string `json:"program_id"`
	InstructionIndex int    `json:"instruction_index"`
	LogIndex         int    `json:"log_index"`
	Variant          string `json:"variant"`
	Key              string `json:"key"`
	Value            string `json:"value"`
	Nonce            uint64 `json:"nonce"`
	Consistent       bool   `json:"consistent"`
	Mismatch         string `json:"mismatch,omitempty"`
	ObservedAt       int64  `json:"observed_at"`
}

// ObservationRepository 抽象观测记录的持久化接口。
type ObservationRepository interface {
	// Save 写入记录；同一签名与日志序号的重复写入会被忽略。
	Save(ctx context.Context, record *ObservationRecord) error
	ListLatest(ctx context.Context, limit int) ([]ObservationRecord, error)
	ListBySignature(ctx context.Context, signature string) ([]ObservationRecord, error)
	Close() error
}

type observationKey struct {
	signature string
	logIndex  int
}

// MemoryObservationRepository 在进程内保存最近的观测记录。
type MemoryObservationRepository struct {
	mu       sync.RWMutex
	capacity int
	nextID   int64
	records  []ObservationRecord
	seen     map[observationKey]struct{}
}

// NewMemoryObservationRepository 创建内存仓库，capacity 不大于 0 时保留 512 条。
func NewMemoryObservationRepository(capacity int) *MemoryObservationRepository {
	if capacity <= 0 {
		capacity = 512
	}
	return &MemoryObservationRepository{capacity: capacity, seen: make(map[observationKey]struct{})}
}

// Save 实现 ObservationRepository。
func (m *MemoryObservationRepository) Save(_ context.Context, record *ObservationRecord) error {
	if record == nil {
		return errors.New("观测记录不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := observationKey{signature: record.Signature, logIndex: record.LogIndex}
	if _, ok := m.seen[key]; ok {
		return nil
	}
	m.nextID++
	record.ID = m.nextID
	if record.ObservedAt == 0 {
		record.ObservedAt = time.Now().Unix()
	}
	m.seen[key] = struct{}{}
	m.records = append(m.records, *record)
	if over := len(m.records) - m.capacity; over > 0 {
		for _, old := range m.records[:over] {
			delete(m.seen, observationKey{signature: old.Signature, logIndex: old.LogIndex})
		}
		m.records = append([]ObservationRecord(nil), m.records[over:]...)
	}
	return nil
}

// ListLatest 返回最近的记录，按写入顺序倒序排列。
func (m *MemoryObservationRepository) ListLatest(_ context.Context, limit int) ([]ObservationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]ObservationRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// ListBySignature 返回同一交易内的记录，按日志序号排序。
func (m *MemoryObservationRepository) ListBySignature(_ context.Context, signature string) ([]ObservationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObservationRecord
	for _, r := range m.records {
		if r.Signature == signature {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogIndex < out[j].LogIndex })
	return out, nil
}

// Close 对内存仓库无需操作。
func (m *MemoryObservationRepository) Close() error { return nil }

// SQLObservationRepository 使用 MySQL 保存观测记录。
type SQLObservationRepository struct {
	db *sql.DB
}

// NewSQLObservationRepository 基于已迁移的连接池创建仓库。
func NewSQLObservationRepository(db *sql.DB) (*SQLObservationRepository, error) {
	if db == nil {
		return nil, errors.New("数据库连接不能为空")
	}
	return &SQLObservationRepository{db: db}, nil
}

const observationColumns = `id, signature, slot, program_id, instruction_index, log_index, variant,
        log_key, log_value, nonce, consistent, mismatch, observed_at`

// Save 实现 ObservationRepository。
func (s *SQLObservationRepository) Save(ctx context.Context, record *ObservationRecord) error {
	if record == nil {
		return errors.New("观测记录不能为空")
	}
	if record.ObservedAt == 0 {
		record.ObservedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO kv_observations
        (signature, slot, program_id, instruction_index, log_index, variant, log_key, log_value, nonce, consistent, mismatch, observed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		record.Signature,
		record.Slot,
		record.ProgramID,
		record.InstructionIndex,
		record.LogIndex,
		record.Variant,
		record.Key,
		record.Value,
		record.Nonce,
		record.Consistent,
		nullString(record.Mismatch),
		record.ObservedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("写入观测记录失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 返回最近的记录。
func (s *SQLObservationRepository) ListLatest(ctx context.Context, limit int) ([]ObservationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM kv_observations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询观测记录失败: %w", err)
	}
	return scanObservations(rows)
}

// ListBySignature 返回指定交易的记录。
func (s *SQLObservationRepository) ListBySignature(ctx context.Context, signature string) ([]ObservationRecord, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, errors.New("交易签名不能为空")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM kv_observations WHERE signature = ? ORDER BY log_index ASC`, signature)
	if err != nil {
		return nil, fmt.Errorf("查询交易观测记录失败: %w", err)
	}
	return scanObservations(rows)
}

// Close 关闭底层连接。
func (s *SQLObservationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanObservations(rows *sql.Rows) ([]ObservationRecord, error) {
	defer rows.Close()
	var out []ObservationRecord
	for rows.Next() {
		var r ObservationRecord
		var mismatch sql.NullString
		if err := rows.Scan(
			&r.ID,
			&r.Signature,
			&r.Slot,
			&r.ProgramID,
			&r.InstructionIndex,
			&r.LogIndex,
			&r.Variant,
			&r.Key,
			&r.Value,
			&r.Nonce,
			&r.Consistent,
			&mismatch,
			&r.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("解析观测记录失败: %w", err)
		}
		r.Mismatch = mismatch.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历观测记录失败: %w", err)
	}
	return out, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

var (
	_ ObservationRepository = (*MemoryObservationRepository)(nil)
	_ ObservationRepository = (*SQLObservationRepository)(nil)
)
