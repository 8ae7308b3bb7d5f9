package submit

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/userop"
)

// MySQLStore 使用 MySQL 记录提交状态，操作本体以 JSON 存入 payload 列。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS user_operations (
        id VARCHAR(64) PRIMARY KEY,
        chain_id BIGINT UNSIGNED NOT NULL,
        sender VARCHAR(42) NOT NULL,
        op_hash VARCHAR(66) NOT NULL,
        entry_point VARCHAR(42) NOT NULL,
        payload TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        tx_hash VARCHAR(66) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_userop_status (status),
        INDEX idx_userop_chain (chain_id),
        INDEX idx_userop_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 user_operations 表失败")
	}
	return nil
}

// Create 插入新的提交记录。
func (s *MySQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}

	now := time.Now().Unix()
	record.CreatedAt = now
	record.UpdatedAt = now

	payload, err := marshalOperation(record.Operation)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码用户操作失败")
	}

	const stmt = `INSERT INTO user_operations
        (id, chain_id, sender, op_hash, entry_point, payload, status, attempts, max_retries, tx_hash, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.ChainID,
		record.Sender,
		record.OpHash,
		record.EntryPoint,
		payload,
		record.Status,
		record.Attempts,
		record.MaxRetries,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提交记录失败")
	}
	return nil
}

// Get 查询指定提交记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	const stmt = `SELECT id, chain_id, sender, op_hash, entry_point, payload, status, attempts, max_retries,
        tx_hash, last_error, error_code, created_at, updated_at
        FROM user_operations WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	return scanRecord(row.Scan)
}

// Claim 把记录标记为提交中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Record, error) {
	const updateStmt = `UPDATE user_operations SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusSubmitting,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提交状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		record, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch record.Status {
		case StatusSubmitted:
			return record, ErrSubmitted
		case StatusSubmitting:
			return record, ErrConflict
		default:
			if record.Attempts >= record.MaxRetries {
				return record, ErrExhausted
			}
			return record, ErrConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSubmitted 记录提交成功与链上交易哈希。
func (s *MySQLStore) MarkSubmitted(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE user_operations SET status = ?, tx_hash = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusSubmitted, txHash, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提交成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed 标记提交失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code string, lastError string, _ bool) error {
	const stmt = `UPDATE user_operations SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, code, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提交失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List 返回最近的提交记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT id, chain_id, sender, op_hash, entry_point, payload, status, attempts, max_retries,
        tx_hash, last_error, error_code, created_at, updated_at FROM user_operations`

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if opts.ChainID != 0 {
		conditions = append(conditions, "chain_id = ?")
		args = append(args, opts.ChainID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交记录失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var record Record
	var payload string
	var lastError sql.NullString

	if err := scan(
		&record.ID,
		&record.ChainID,
		&record.Sender,
		&record.OpHash,
		&record.EntryPoint,
		&payload,
		&record.Status,
		&record.Attempts,
		&record.MaxRetries,
		&record.TxHash,
		&lastError,
		&record.ErrorCode,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提交记录失败")
	}
	record.LastError = lastError.String

	operation, err := unmarshalOperation(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户操作 payload 失败")
	}
	record.Operation = operation
	return &record, nil
}

func marshalOperation(op *userop.UserOperation) (string, error) {
	if op == nil {
		return "", stdErrors.New("缺少用户操作")
	}
	bytes, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func unmarshalOperation(payload string) (*userop.UserOperation, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	var op userop.UserOperation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

var _ Store = (*MySQLStore)(nil)
