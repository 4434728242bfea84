package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zonemonitor/internal/zone"

	_ "modernc.org/sqlite" // 纯Go实现的SQLite驱动
)

// SQLiteStorage SQLite存储实现
type SQLiteStorage struct {
	db  *sql.DB
	ctx context.Context
}

// NewSQLiteStorage 创建SQLite存储
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// 使用WAL模式和其他参数解决并发锁问题
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_timeout=5000&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 单写连接：同时串行化同一区域的并发写入
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &SQLiteStorage{db: db, ctx: context.Background()}, nil
}

// WithContext 返回绑定指定 context 的存储实例
func (s *SQLiteStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return s
	}
	return &SQLiteStorage{
		db:  s.db,
		ctx: ctx,
	}
}

// effectiveCtx 返回有效的 context
func (s *SQLiteStorage) effectiveCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Init 初始化数据库表
func (s *SQLiteStorage) Init() error {
	ctx := s.effectiveCtx()
	schema := `
	CREATE TABLE IF NOT EXISTS zone_status (
		zone_id TEXT PRIMARY KEY,
		zone_name TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		status_since INTEGER NOT NULL,
		episode_start INTEGER NOT NULL DEFAULT 0,
		last_checked INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS zone_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		changed_at INTEGER NOT NULL,
		initial INTEGER NOT NULL DEFAULT 0,
		offline_duration_seconds INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		episode INTEGER NOT NULL DEFAULT 0,
		channel TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		manual INTEGER NOT NULL DEFAULT 0,
		sent_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}

	// 唯一索引保证重复写入幂等（崩溃恢复后重放不会产生重复行）
	indexSQL := `
	CREATE UNIQUE INDEX IF NOT EXISTS idx_zone_history_dedup
	ON zone_history(zone_id, changed_at, new_status);

	CREATE INDEX IF NOT EXISTS idx_zone_history_changed_at
	ON zone_history(changed_at DESC);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup
	ON notifications(zone_id, account_id, channel, sent_at);

	CREATE INDEX IF NOT EXISTS idx_notifications_pair
	ON notifications(zone_id, account_id, sent_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}

	return nil
}

// Close 关闭数据库
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// GetZoneState 获取区域状态
func (s *SQLiteStorage) GetZoneState(zoneID string) (*ZoneState, error) {
	query := `
		SELECT zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details
		FROM zone_status WHERE zone_id = ?
	`
	state, err := scanZoneState(s.db.QueryRowContext(s.effectiveCtx(), query, zoneID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询区域状态失败: %w", err)
	}
	return state, nil
}

// PutZoneState 写入区域状态
// 仅当新记录的 last_checked 不早于已有记录时覆盖（后写者胜）
func (s *SQLiteStorage) PutZoneState(state *ZoneState) error {
	details, err := json.Marshal(state.Signals)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}

	query := `
		INSERT INTO zone_status (zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET
			zone_name = excluded.zone_name,
			account_id = excluded.account_id,
			status = excluded.status,
			status_since = excluded.status_since,
			episode_start = excluded.episode_start,
			last_checked = excluded.last_checked,
			last_error = excluded.last_error,
			details = excluded.details
		WHERE excluded.last_checked >= zone_status.last_checked
	`
	_, err = s.db.ExecContext(s.effectiveCtx(), query,
		state.ZoneID,
		state.ZoneName,
		state.AccountID,
		string(state.Status),
		toMillis(state.StatusSince),
		toMillis(state.EpisodeStart),
		toMillis(state.LastCheckedAt),
		state.LastError,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("保存区域状态失败: %w", err)
	}
	return nil
}

// ListZoneStates 获取全部区域状态
func (s *SQLiteStorage) ListZoneStates() ([]*ZoneState, error) {
	query := `
		SELECT zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details
		FROM zone_status ORDER BY zone_id
	`
	rows, err := s.db.QueryContext(s.effectiveCtx(), query)
	if err != nil {
		return nil, fmt.Errorf("查询区域状态失败: %w", err)
	}
	defer rows.Close()

	var states []*ZoneState
	for rows.Next() {
		state, err := scanZoneState(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描区域状态失败: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// AppendHistory 追加状态变化历史（重复事件忽略）
func (s *SQLiteStorage) AppendHistory(evt *TransitionEvent) error {
	query := `
		INSERT INTO zone_history (zone_id, account_id, old_status, new_status, changed_at, initial, offline_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id, changed_at, new_status) DO NOTHING
	`
	result, err := s.db.ExecContext(s.effectiveCtx(), query,
		evt.ZoneID,
		evt.AccountID,
		string(evt.From),
		string(evt.To),
		toMillis(evt.ChangedAt),
		boolToInt(evt.Initial),
		evt.DegradedSeconds,
	)
	if err != nil {
		return fmt.Errorf("保存状态历史失败: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		if id, err := result.LastInsertId(); err == nil {
			evt.ID = id
		}
	}
	return nil
}

// GetHistory 获取状态变化历史
func (s *SQLiteStorage) GetHistory(zoneID string, since time.Time, limit int) ([]*TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, zone_id, account_id, old_status, new_status, changed_at, initial, offline_duration_seconds
		FROM zone_history
		WHERE (? = '' OR zone_id = ?) AND changed_at >= ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(s.effectiveCtx(), query, zoneID, zoneID, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("查询状态历史失败: %w", err)
	}
	defer rows.Close()

	var events []*TransitionEvent
	for rows.Next() {
		var (
			evt       TransitionEvent
			from, to  string
			changedAt int64
			initial   int
		)
		if err := rows.Scan(&evt.ID, &evt.ZoneID, &evt.AccountID, &from, &to, &changedAt, &initial, &evt.DegradedSeconds); err != nil {
			return nil, fmt.Errorf("扫描状态历史失败: %w", err)
		}
		evt.From = zone.ParseStatus(from)
		evt.To = zone.ParseStatus(to)
		evt.ChangedAt = fromMillis(changedAt)
		evt.Initial = initial != 0
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// GetLastNotification 获取最近一次非 suppressed 的通知记录
func (s *SQLiteStorage) GetLastNotification(zoneID, accountID string) (*NotificationRecord, error) {
	query := `
		SELECT id, zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at
		FROM notifications
		WHERE zone_id = ? AND account_id = ? AND outcome != ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`
	rec, err := scanNotification(s.db.QueryRowContext(s.effectiveCtx(), query, zoneID, accountID, string(OutcomeSuppressed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询通知记录失败: %w", err)
	}
	return rec, nil
}

// PutNotification 写入通知记录（重复记录忽略）
func (s *SQLiteStorage) PutNotification(rec *NotificationRecord) error {
	query := `
		INSERT INTO notifications (zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(zone_id, account_id, channel, sent_at) DO NOTHING
	`
	result, err := s.db.ExecContext(s.effectiveCtx(), query,
		rec.ZoneID,
		rec.AccountID,
		string(rec.Status),
		rec.Episode,
		rec.Channel,
		string(rec.Outcome),
		rec.Reason,
		boolToInt(rec.Manual),
		toMillis(rec.SentAt),
	)
	if err != nil {
		return fmt.Errorf("保存通知记录失败: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		if id, err := result.LastInsertId(); err == nil {
			rec.ID = id
		}
	}
	return nil
}

// ListNotifications 获取通知记录
func (s *SQLiteStorage) ListNotifications(since time.Time, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at
		FROM notifications
		WHERE sent_at >= ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(s.effectiveCtx(), query, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("查询通知记录失败: %w", err)
	}
	defer rows.Close()

	var records []*NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描通知记录失败: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeOldRecords 删除过期的历史与通知记录
func (s *SQLiteStorage) PurgeOldRecords(ctx context.Context, before time.Time) (int64, error) {
	if ctx == nil {
		ctx = s.effectiveCtx()
	}
	cutoff := toMillis(before)

	var total int64
	for _, q := range []string{
		`DELETE FROM zone_history WHERE changed_at < ?`,
		`DELETE FROM notifications WHERE sent_at < ?`,
	} {
		result, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("清理旧记录失败: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanZoneState(row rowScanner) (*ZoneState, error) {
	var (
		state                                   ZoneState
		status, details                         string
		statusSince, episodeStart, lastChecked int64
	)
	if err := row.Scan(&state.ZoneID, &state.ZoneName, &state.AccountID, &status,
		&statusSince, &episodeStart, &lastChecked, &state.LastError, &details); err != nil {
		return nil, err
	}
	state.Status = zone.ParseStatus(status)
	state.StatusSince = fromMillis(statusSince)
	state.EpisodeStart = fromMillis(episodeStart)
	state.LastCheckedAt = fromMillis(lastChecked)
	if details != "" {
		// 信号仅用于展示，解析失败不影响状态恢复
		_ = json.Unmarshal([]byte(details), &state.Signals)
	}
	return &state, nil
}

func scanNotification(row rowScanner) (*NotificationRecord, error) {
	var (
		rec             NotificationRecord
		status, outcome string
		manual          int
		sentAt          int64
	)
	if err := row.Scan(&rec.ID, &rec.ZoneID, &rec.AccountID, &status, &rec.Episode,
		&rec.Channel, &outcome, &rec.Reason, &manual, &sentAt); err != nil {
		return nil, err
	}
	rec.Status = zone.ParseStatus(status)
	rec.Outcome = NotificationOutcome(outcome)
	rec.Manual = manual != 0
	rec.SentAt = fromMillis(sentAt)
	return &rec, nil
}
