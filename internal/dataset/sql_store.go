package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/storage/sqldb"
)

// SQLStore 使用 MySQL 或 SQLite 记录数据集。
type SQLStore struct {
	db  *sqldb.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 基于已迁移的连接池创建 SQLStore。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

const datasetColumns = `dataset_key, plugin_type, category, extension, parent_key, top_parent_key, owner, parameters,
        status, status_final, state, progress, row_count, is_finished, is_failed, cancelled, interrupt_requested,
        standalone, result_path, created_at, updated_at, finished_at`

const notTerminal = `state NOT IN ('finished', 'finished_empty', 'failed')`

// Create 实现 Store 接口。
func (s *SQLStore) Create(ctx context.Context, d *Dataset) (*Dataset, bool, error) {
	if err := validateNew(d); err != nil {
		return nil, false, err
	}
	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码数据集参数失败")
	}
	clone := d.Clone()
	now := s.now().Unix()
	if clone.State == "" {
		clone.State = StateQueued
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now

	stmt := `INSERT INTO datasets (` + datasetColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		clone.Key, clone.Type, clone.Category, clone.Extension, clone.ParentKey, clone.TopParentKey, clone.Owner,
		string(params), clone.Status, sqldb.Bool(clone.StatusFinal), string(clone.State), clone.Progress,
		clone.RowCount, sqldb.Bool(clone.IsFinished), sqldb.Bool(clone.IsFailed), sqldb.Bool(clone.Cancelled),
		sqldb.Bool(clone.InterruptRequested), sqldb.Bool(clone.Standalone), clone.ResultPath,
		clone.CreatedAt, clone.UpdatedAt, clone.FinishedAt,
	)
	if err != nil {
		if !sqldb.IsDuplicate(err) {
			return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入数据集失败")
		}
		existing, getErr := s.Get(ctx, d.Key)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	stored, err := s.Get(ctx, clone.Key)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Get 实现 Store 接口。
func (s *SQLStore) Get(ctx context.Context, key string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE dataset_key = ?`, key)
	d, err := scanDataset(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询数据集失败")
	}
	return d, nil
}

// Children 实现 Store 接口。
func (s *SQLStore) Children(ctx context.Context, key string) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE parent_key = ?
        ORDER BY created_at ASC, dataset_key ASC`, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子数据集失败")
	}
	return collectDatasets(rows)
}

// List 实现 Store 接口。
func (s *SQLStore) List(ctx context.Context, opts ...ListOption) ([]*Dataset, error) {
	options := buildListOptions(opts)

	var (
		clauses []string
		args    []any
	)
	if options.Type != "" {
		clauses = append(clauses, "plugin_type = ?")
		args = append(args, options.Type)
	}
	if options.TopLevelOnly {
		clauses = append(clauses, "(parent_key = '' OR standalone = 1)")
	}
	if options.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, options.Owner)
	}
	if options.CreatedBefore > 0 {
		clauses = append(clauses, "created_at < ?")
		args = append(args, options.CreatedBefore)
	}
	if len(options.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(options.States)), ", ")
		clauses = append(clauses, fmt.Sprintf("state IN (%s)", placeholders))
		for _, st := range options.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + datasetColumns + ` FROM datasets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, dataset_key ASC LIMIT ? OFFSET ?"
	args = append(args, options.Limit, options.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询数据集列表失败")
	}
	return collectDatasets(rows)
}

// Log 实现 Store 接口。
func (s *SQLStore) Log(ctx context.Context, key string) ([]LogEntry, error) {
	if err := s.ensureExists(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT logged_at, message FROM dataset_log WHERE dataset_key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询数据集日志失败")
	}
	defer rows.Close()
	var entries []LogEntry
	for rows.Next() {
		var (
			entry   LogEntry
			message sql.NullString
		)
		if err := rows.Scan(&entry.Timestamp, &message); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析数据集日志失败")
		}
		entry.Message = message.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历数据集日志失败")
	}
	return entries, nil
}

// AppendLog 实现 Store 接口。序号由数据库计算，并发冲突时重试。
func (s *SQLStore) AppendLog(ctx context.Context, key, message string) error {
	if err := s.ensureExists(ctx, key); err != nil {
		return err
	}
	return s.appendLog(ctx, key, message, s.now().Unix())
}

func (s *SQLStore) appendLog(ctx context.Context, key, message string, ts int64) error {
	const stmt = `INSERT INTO dataset_log (dataset_key, seq, logged_at, message)
        SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM dataset_log WHERE dataset_key = ?`
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx, stmt, key, ts, message, key)
		if err == nil {
			return nil
		}
		if !sqldb.IsDuplicate(err) {
			break
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "追加数据集日志失败")
}

// UpdateStatus 实现 Store 接口。
func (s *SQLStore) UpdateStatus(ctx context.Context, key, status string, final bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET status = ?, status_final = ?, updated_at = ?
        WHERE dataset_key = ? AND (status_final = 0 OR ? = 1)`,
		status, sqldb.Bool(final), s.now().Unix(), key, sqldb.Bool(final))
	return s.checkSoftUpdate(ctx, key, res, err, "更新数据集状态失败")
}

// UpdateProgress 实现 Store 接口。
func (s *SQLStore) UpdateProgress(ctx context.Context, key string, progress float64) error {
	progress = clampProgress(progress)
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET progress = ?, updated_at = ?
        WHERE dataset_key = ? AND progress <= ? AND `+notTerminal,
		progress, s.now().Unix(), key, progress)
	return s.checkSoftUpdate(ctx, key, res, err, "更新数据集进度失败")
}

// MarkRunning 实现 Store 接口。
func (s *SQLStore) MarkRunning(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET state = ?, updated_at = ?
        WHERE dataset_key = ? AND `+notTerminal, string(StateRunning), s.now().Unix(), key)
	return s.checkTransition(ctx, key, res, err, "标记数据集运行中失败")
}

// ResetQueued 实现 Store 接口。
func (s *SQLStore) ResetQueued(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET state = ?, updated_at = ?
        WHERE dataset_key = ? AND `+notTerminal, string(StateQueued), s.now().Unix(), key)
	return s.checkTransition(ctx, key, res, err, "重置数据集状态失败")
}

// Finish 实现 Store 接口。
func (s *SQLStore) Finish(ctx context.Context, key string, rows int64, resultPath string) error {
	finished := &Dataset{}
	now := s.now().Unix()
	applyFinish(finished, rows, resultPath, now)
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET state = ?, row_count = ?, result_path = ?, is_finished = 1,
        is_failed = 0, progress = 1, finished_at = ?, updated_at = ?
        WHERE dataset_key = ? AND `+notTerminal,
		string(finished.State), finished.RowCount, resultPath, now, now, key)
	return s.checkTransition(ctx, key, res, err, "标记数据集完成失败")
}

// Fail 实现 Store 接口。
func (s *SQLStore) Fail(ctx context.Context, key, message string, cancelled bool) error {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET state = ?, is_finished = 1, is_failed = 1, cancelled = ?,
        status = ?, status_final = 1, finished_at = ?, updated_at = ?
        WHERE dataset_key = ? AND `+notTerminal,
		string(StateFailed), sqldb.Bool(cancelled), message, now, now, key)
	if err := s.checkTransition(ctx, key, res, err, "标记数据集失败状态失败"); err != nil {
		return err
	}
	return s.appendLog(ctx, key, message, now)
}

// RequestInterrupt 实现 Store 接口。
func (s *SQLStore) RequestInterrupt(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET interrupt_requested = 1, updated_at = ?
        WHERE dataset_key = ? AND `+notTerminal, s.now().Unix(), key)
	return s.checkTransition(ctx, key, res, err, "请求中断数据集失败")
}

// Delete 实现 Store 接口。
func (s *SQLStore) Delete(ctx context.Context, key string) ([]*Dataset, error) {
	root, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	removed := []*Dataset{root}
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := s.Children(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.Standalone {
				continue
			}
			removed = append(removed, child)
			queue = append(queue, child.Key)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启删除事务失败")
	}
	for _, d := range removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dataset_log WHERE dataset_key = ?`, d.Key); err != nil {
			tx.Rollback()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除数据集日志失败")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE dataset_key = ?`, d.Key); err != nil {
			tx.Rollback()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除数据集失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交删除事务失败")
	}
	return removed, nil
}

// Close 关闭底层连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureExists(ctx context.Context, key string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM datasets WHERE dataset_key = ?`, key).Scan(&one)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询数据集失败")
	}
	return nil
}

// checkSoftUpdate 处理允许被静默忽略的更新：未命中时只区分记录是否存在。
func (s *SQLStore) checkSoftUpdate(ctx context.Context, key string, res sql.Result, err error, message string) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	return s.ensureExists(ctx, key)
}

// checkTransition 处理状态迁移：未命中时返回 NotFound 或 Conflict。
func (s *SQLStore) checkTransition(ctx context.Context, key string, res sql.Result, err error, message string) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	if err := s.ensureExists(ctx, key); err != nil {
		return err
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var (
		d                                        Dataset
		params, status, resultPath               sql.NullString
		state                                    string
		statusFinal, finished, failed, cancelled int
		interrupt, standalone                    int
	)
	if err := row.Scan(&d.Key, &d.Type, &d.Category, &d.Extension, &d.ParentKey, &d.TopParentKey, &d.Owner,
		&params, &status, &statusFinal, &state, &d.Progress, &d.RowCount, &finished, &failed, &cancelled,
		&interrupt, &standalone, &resultPath, &d.CreatedAt, &d.UpdatedAt, &d.FinishedAt); err != nil {
		return nil, err
	}
	d.State = State(state)
	d.Status = status.String
	d.ResultPath = resultPath.String
	d.StatusFinal = statusFinal != 0
	d.IsFinished = finished != 0
	d.IsFailed = failed != 0
	d.Cancelled = cancelled != 0
	d.InterruptRequested = interrupt != 0
	d.Standalone = standalone != 0
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &d.Parameters); err != nil {
			return nil, fmt.Errorf("解析数据集参数失败: %w", err)
		}
	}
	return &d, nil
}

func collectDatasets(rows *sql.Rows) ([]*Dataset, error) {
	defer rows.Close()
	out := make([]*Dataset, 0)
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析数据集失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历数据集失败")
	}
	return out, nil
}
