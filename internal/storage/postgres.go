package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zonemonitor/internal/config"
	"zonemonitor/internal/logger"
	"zonemonitor/internal/zone"
)

// PostgresStorage PostgreSQL 存储实现
type PostgresStorage struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

// NewPostgresStorage 创建 PostgreSQL 存储
func NewPostgresStorage(cfg *config.PostgresConfig) (*PostgresStorage, error) {
	// 构建连接字符串
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)

	// 解析连接池配置
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 连接配置失败: %w", err)
	}

	// 设置连接池参数
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)

	// 解析连接最大生命周期
	poolConfig.MaxConnLifetime = time.Hour
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			logger.Warn("storage", "解析 conn_max_lifetime 失败，使用默认值 1h", "error", err)
		} else {
			poolConfig.MaxConnLifetime = lifetime
		}
	}

	// 创建连接池
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 PostgreSQL 连接池失败: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}

	return &PostgresStorage{
		pool: pool,
		ctx:  ctx,
	}, nil
}

// WithContext 返回绑定指定 context 的存储实例
func (s *PostgresStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return s
	}
	return &PostgresStorage{
		pool: s.pool,
		ctx:  ctx,
	}
}

// effectiveCtx 返回有效的 context
func (s *PostgresStorage) effectiveCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// Init 初始化数据库表
func (s *PostgresStorage) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS zone_status (
		zone_id TEXT PRIMARY KEY,
		zone_name TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		status_since BIGINT NOT NULL,
		episode_start BIGINT NOT NULL DEFAULT 0,
		last_checked BIGINT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		details JSONB NOT NULL DEFAULT '{}'::jsonb
	);

	CREATE TABLE IF NOT EXISTS zone_history (
		id BIGSERIAL PRIMARY KEY,
		zone_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		old_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		changed_at BIGINT NOT NULL,
		initial BOOLEAN NOT NULL DEFAULT FALSE,
		offline_duration_seconds BIGINT NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_zone_history_dedup
	ON zone_history(zone_id, changed_at, new_status);

	CREATE INDEX IF NOT EXISTS idx_zone_history_changed_at
	ON zone_history(changed_at DESC);

	CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		zone_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		episode BIGINT NOT NULL DEFAULT 0,
		channel TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		manual BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup
	ON notifications(zone_id, account_id, channel, sent_at);

	CREATE INDEX IF NOT EXISTS idx_notifications_pair
	ON notifications(zone_id, account_id, sent_at DESC);
	`

	if _, err := s.pool.Exec(s.effectiveCtx(), schema); err != nil {
		return fmt.Errorf("初始化 PostgreSQL 数据库失败: %w", err)
	}

	return nil
}

// Close 关闭数据库连接
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// GetZoneState 获取区域状态
func (s *PostgresStorage) GetZoneState(zoneID string) (*ZoneState, error) {
	query := `
		SELECT zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details
		FROM zone_status WHERE zone_id = $1
	`
	state, err := scanPgZoneState(s.pool.QueryRow(s.effectiveCtx(), query, zoneID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询区域状态失败: %w", err)
	}
	return state, nil
}

// PutZoneState 写入区域状态（后写者胜）
func (s *PostgresStorage) PutZoneState(state *ZoneState) error {
	details, err := json.Marshal(state.Signals)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}

	query := `
		INSERT INTO zone_status (zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (zone_id) DO UPDATE SET
			zone_name = EXCLUDED.zone_name,
			account_id = EXCLUDED.account_id,
			status = EXCLUDED.status,
			status_since = EXCLUDED.status_since,
			episode_start = EXCLUDED.episode_start,
			last_checked = EXCLUDED.last_checked,
			last_error = EXCLUDED.last_error,
			details = EXCLUDED.details
		WHERE EXCLUDED.last_checked >= zone_status.last_checked
	`
	_, err = s.pool.Exec(s.effectiveCtx(), query,
		state.ZoneID,
		state.ZoneName,
		state.AccountID,
		string(state.Status),
		toMillis(state.StatusSince),
		toMillis(state.EpisodeStart),
		toMillis(state.LastCheckedAt),
		state.LastError,
		details,
	)
	if err != nil {
		return fmt.Errorf("保存区域状态失败: %w", err)
	}
	return nil
}

// ListZoneStates 获取全部区域状态
func (s *PostgresStorage) ListZoneStates() ([]*ZoneState, error) {
	query := `
		SELECT zone_id, zone_name, account_id, status, status_since, episode_start, last_checked, last_error, details
		FROM zone_status ORDER BY zone_id
	`
	rows, err := s.pool.Query(s.effectiveCtx(), query)
	if err != nil {
		return nil, fmt.Errorf("查询区域状态失败: %w", err)
	}
	defer rows.Close()

	var states []*ZoneState
	for rows.Next() {
		state, err := scanPgZoneState(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描区域状态失败: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// AppendHistory 追加状态变化历史（重复事件忽略）
func (s *PostgresStorage) AppendHistory(evt *TransitionEvent) error {
	query := `
		INSERT INTO zone_history (zone_id, account_id, old_status, new_status, changed_at, initial, offline_duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (zone_id, changed_at, new_status) DO NOTHING
		RETURNING id
	`
	err := s.pool.QueryRow(s.effectiveCtx(), query,
		evt.ZoneID,
		evt.AccountID,
		string(evt.From),
		string(evt.To),
		toMillis(evt.ChangedAt),
		evt.Initial,
		evt.DegradedSeconds,
	).Scan(&evt.ID)
	// 冲突时 RETURNING 无结果
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("保存状态历史失败: %w", err)
	}
	return nil
}

// GetHistory 获取状态变化历史
func (s *PostgresStorage) GetHistory(zoneID string, since time.Time, limit int) ([]*TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, zone_id, account_id, old_status, new_status, changed_at, initial, offline_duration_seconds
		FROM zone_history
		WHERE ($1 = '' OR zone_id = $1) AND changed_at >= $2
		ORDER BY changed_at DESC, id DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(s.effectiveCtx(), query, zoneID, toMillis(since), limit)
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
		)
		if err := rows.Scan(&evt.ID, &evt.ZoneID, &evt.AccountID, &from, &to, &changedAt, &evt.Initial, &evt.DegradedSeconds); err != nil {
			return nil, fmt.Errorf("扫描状态历史失败: %w", err)
		}
		evt.From = zone.ParseStatus(from)
		evt.To = zone.ParseStatus(to)
		evt.ChangedAt = fromMillis(changedAt)
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// GetLastNotification 获取最近一次非 suppressed 的通知记录
func (s *PostgresStorage) GetLastNotification(zoneID, accountID string) (*NotificationRecord, error) {
	query := `
		SELECT id, zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at
		FROM notifications
		WHERE zone_id = $1 AND account_id = $2 AND outcome <> $3
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`
	rec, err := scanPgNotification(s.pool.QueryRow(s.effectiveCtx(), query, zoneID, accountID, string(OutcomeSuppressed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询通知记录失败: %w", err)
	}
	return rec, nil
}

// PutNotification 写入通知记录（重复记录忽略）
func (s *PostgresStorage) PutNotification(rec *NotificationRecord) error {
	query := `
		INSERT INTO notifications (zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (zone_id, account_id, channel, sent_at) DO NOTHING
		RETURNING id
	`
	err := s.pool.QueryRow(s.effectiveCtx(), query,
		rec.ZoneID,
		rec.AccountID,
		string(rec.Status),
		rec.Episode,
		rec.Channel,
		string(rec.Outcome),
		rec.Reason,
		rec.Manual,
		toMillis(rec.SentAt),
	).Scan(&rec.ID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("保存通知记录失败: %w", err)
	}
	return nil
}

// ListNotifications 获取通知记录
func (s *PostgresStorage) ListNotifications(since time.Time, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, zone_id, account_id, status, episode, channel, outcome, reason, manual, sent_at
		FROM notifications
		WHERE sent_at >= $1
		ORDER BY sent_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(s.effectiveCtx(), query, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("查询通知记录失败: %w", err)
	}
	defer rows.Close()

	var records []*NotificationRecord
	for rows.Next() {
		rec, err := scanPgNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描通知记录失败: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeOldRecords 删除过期的历史与通知记录
func (s *PostgresStorage) PurgeOldRecords(ctx context.Context, before time.Time) (int64, error) {
	if ctx == nil {
		ctx = s.effectiveCtx()
	}
	cutoff := toMillis(before)

	var total int64
	for _, q := range []string{
		`DELETE FROM zone_history WHERE changed_at < $1`,
		`DELETE FROM notifications WHERE sent_at < $1`,
	} {
		tag, err := s.pool.Exec(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("清理旧记录失败: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func scanPgZoneState(row pgx.Row) (*ZoneState, error) {
	var (
		state                                   ZoneState
		status                                  string
		details                                 []byte
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
	if len(details) > 0 {
		_ = json.Unmarshal(details, &state.Signals)
	}
	return &state, nil
}

func scanPgNotification(row pgx.Row) (*NotificationRecord, error) {
	var (
		rec             NotificationRecord
		status, outcome string
		sentAt          int64
	)
	if err := row.Scan(&rec.ID, &rec.ZoneID, &rec.AccountID, &status, &rec.Episode,
		&rec.Channel, &outcome, &rec.Reason, &rec.Manual, &sentAt); err != nil {
		return nil, err
	}
	rec.Status = zone.ParseStatus(status)
	rec.Outcome = NotificationOutcome(outcome)
	rec.SentAt = fromMillis(sentAt)
	return &rec, nil
}
