package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/ops"
	storemysql "VaultOps/internal/storage/mysql"

	"github.com/go-sql-driver/mysql"
)

const selectJobColumns = `SELECT id, operation, network, params, status, attempts, max_retries, last_error, error_code,
        result, created_at, updated_at FROM job_states`

// MySQLStore 使用 MySQL 的 job_states 表记录作业状态。表结构由 storage/mysql 的内嵌迁移创建。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 建立连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storemysql.Config) (*MySQLStore, error) {
	db, err := storemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已有连接，迁移由调用方负责。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	params, err := marshalNullable(task.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业参数失败")
	}

	const stmt = `INSERT INTO job_states
        (id, operation, network, params, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Operation,
		task.Network,
		params,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		status    string
		params    sql.NullString
		lastError sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Operation,
		&task.Network,
		&params,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if params.Valid && strings.TrimSpace(params.String) != "" {
		dec := json.NewDecoder(strings.NewReader(params.String))
		dec.UseNumber()
		if err := dec.Decode(&task.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业参数失败")
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var r ops.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业结果失败")
		}
		task.Result = &r
	}
	return &task, nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		if xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return task, nil
}

// Claim 通过条件 UPDATE 原子地领取作业，未命中时按当前状态返回对应错误。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE job_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status != StatusRunning && task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 将作业标记为成功并保存结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ops.Result) error {
	const stmt = `UPDATE job_states SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业结果失败")
	}
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), string(encoded), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将作业标记为失败；terminal 时收紧重试上限。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE job_states SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = CASE WHEN ? THEN LEAST(max_retries, attempts) ELSE max_retries END WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的作业。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := selectJobColumns
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return tasks, nil
}

// Stats 按操作分组统计作业。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT operation, status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0) FROM job_states`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY operation, status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	defer rows.Close()

	stats := TaskStats{ByOperation: make(map[string]int)}
	for rows.Next() {
		var (
			operation, status string
			count             int
			oldest, newest    int64
		)
		if err := rows.Scan(&operation, &status, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业统计失败")
		}
		for i := 0; i < count; i++ {
			stats.add(Status(status))
		}
		stats.ByOperation[operation] += count
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
		if stats.OldestUpdatedAt == 0 || (oldest != 0 && oldest < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalNullable(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Operations) > 0 {
		conditions = append(conditions, fmt.Sprintf("operation IN (%s)", placeholders(len(opts.Operations))))
		for _, name := range opts.Operations {
			args = append(args, name)
		}
	}
	if opts.Network != "" {
		conditions = append(conditions, "network = ?")
		args = append(args, opts.Network)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*MySQLStore)(nil)
