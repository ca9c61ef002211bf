package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Outcome values stored with each attempt.
const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
)

const memoryJournalCapacity = 512

// AttemptRecord 表示一次连接尝试的落库结构。
type AttemptRecord struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	Outcome      string `json:"outcome"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ChainID      uint64 `json:"chain_id,omitempty"`
	Account      string `json:"account,omitempty"`
	StartedAt    int64  `json:"started_at"`
	DurationMS   int64  `json:"duration_ms"`
}

// AttemptRepository 抽象连接尝试的持久化接口。
type AttemptRepository interface {
	Save(ctx context.Context, record AttemptRecord) error
	ListLatest(ctx context.Context, limit int) ([]AttemptRecord, error)
	Close() error
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// ErrInvalidRecord 表示记录缺少必填字段。
var ErrInvalidRecord = errors.New("连接尝试记录缺少 id")

// MemoryAttemptRepository 使用本地 JSON 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryAttemptRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []AttemptRecord
}

// NewMemoryAttemptRepository 创建一个内存仓库，并从 dataDir 下的日志恢复历史记录。
func NewMemoryAttemptRepository(dataDir string) (*MemoryAttemptRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryAttemptRepository{dataFile: filepath.Join(dataDir, "attempts.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录连接尝试。
func (m *MemoryAttemptRepository) Save(_ context.Context, record AttemptRecord) error {
	if record.ID == "" {
		return ErrInvalidRecord
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开连接日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化连接记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入连接日志失败: %w", err)
	}

	m.records = append([]AttemptRecord{record}, m.records...)
	if len(m.records) > memoryJournalCapacity {
		m.records = m.records[:memoryJournalCapacity]
	}
	return nil
}

// ListLatest 返回最近的连接尝试，按时间倒序排列。
func (m *MemoryAttemptRepository) ListLatest(_ context.Context, limit int) ([]AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]AttemptRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对文件仓库无操作。
func (m *MemoryAttemptRepository) Close() error { return nil }

func (m *MemoryAttemptRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取连接日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []AttemptRecord
	for scanner.Scan() {
		var record AttemptRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]AttemptRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析连接日志失败: %w", err)
	}

	if len(restored) > memoryJournalCapacity {
		restored = restored[:memoryJournalCapacity]
	}
	m.records = restored
	return nil
}

// SQLAttemptRepository 使用真实的 MySQL 数据库存储连接尝试。
type SQLAttemptRepository struct {
	db *sql.DB
}

// NewSQLAttemptRepository 创建连接池并执行内嵌的迁移脚本。
func NewSQLAttemptRepository(ctx context.Context, cfg Config) (*SQLAttemptRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAttemptRepository{db: db}, nil
}

const insertAttemptSQL = `INSERT INTO connect_attempts
    (id, mode, outcome, error_code, error_message, chain_id, account, started_at, duration_ms)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listAttemptsSQL = `SELECT id, mode, outcome, error_code, error_message, chain_id, account, started_at, duration_ms
    FROM connect_attempts ORDER BY started_at DESC, id DESC LIMIT ?`

// Save 将连接尝试写入 MySQL。
func (s *SQLAttemptRepository) Save(ctx context.Context, record AttemptRecord) error {
	if record.ID == "" {
		return ErrInvalidRecord
	}
	if _, err := s.db.ExecContext(ctx, insertAttemptSQL,
		record.ID,
		record.Mode,
		record.Outcome,
		record.ErrorCode,
		record.ErrorMessage,
		record.ChainID,
		record.Account,
		record.StartedAt,
		record.DurationMS,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条连接尝试。
func (s *SQLAttemptRepository) ListLatest(ctx context.Context, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, listAttemptsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("查询连接记录失败: %w", err)
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var record AttemptRecord
		if err := rows.Scan(&record.ID, &record.Mode, &record.Outcome, &record.ErrorCode, &record.ErrorMessage,
			&record.ChainID, &record.Account, &record.StartedAt, &record.DurationMS); err != nil {
			return nil, fmt.Errorf("解析连接记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历连接记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAttemptRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open 按驱动名创建仓库，driver 为空时使用 memory。
func Open(ctx context.Context, driverName, dataDir string, cfg Config) (AttemptRepository, error) {
	switch driverName {
	case "", "memory":
		return NewMemoryAttemptRepository(dataDir)
	case "mysql":
		return NewSQLAttemptRepository(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driverName)
	}
}
