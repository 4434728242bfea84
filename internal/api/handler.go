package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"zonemonitor/internal/buildinfo"
	"zonemonitor/internal/clock"
	"zonemonitor/internal/config"
	"zonemonitor/internal/events"
	"zonemonitor/internal/logger"
	"zonemonitor/internal/notify"
	"zonemonitor/internal/ratelimit"
	"zonemonitor/internal/scheduler"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/zone"
)

// StateReader 只读区域状态
type StateReader interface {
	Get(zoneID string) *storage.ZoneState
	Snapshot() []*storage.ZoneState
}

// SweepReader 只读巡检统计
type SweepReader interface {
	Sweeps() []scheduler.SweepStats
	LastSweep() (scheduler.SweepStats, bool)
}

// BudgetReader 只读预算快照
type BudgetReader interface {
	Snapshot() ratelimit.Snapshot
}

// ManualNotifier 手动告警入口与通知计数
type ManualNotifier interface {
	SendManual(ctx context.Context, zoneID, note string) ([]*storage.NotificationRecord, error)
	Stats() notify.Stats
}

// Deps Handler 依赖
type Deps struct {
	Storage      storage.Storage
	States       StateReader
	Sweeps       SweepReader
	Budget       BudgetReader
	Notifier     ManualNotifier
	FailedWrites func() int64 // 可选：持久化写入彻底失败的次数
	StorageType  string
	Clock        clock.Clock
}

// Handler API处理器
type Handler struct {
	deps   Deps
	clk    clock.Clock
	config *config.AppConfig
	cfgMu  sync.RWMutex // 保护config的并发访问
}

// NewHandler 创建处理器
func NewHandler(deps Deps, cfg *config.AppConfig) *Handler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{deps: deps, clk: clk, config: cfg}
}

// UpdateConfig 更新配置（热更新时调用）
func (h *Handler) UpdateConfig(cfg *config.AppConfig) {
	h.cfgMu.Lock()
	h.config = cfg
	h.cfgMu.Unlock()
}

// ZoneItem 区域当前状态
type ZoneItem struct {
	ZoneID             string      `json:"zone_id"`
	ZoneName           string      `json:"zone_name"`
	AccountID          string      `json:"account_id"`
	Status             zone.Status `json:"status"`
	Label              string      `json:"label"`
	StatusSince        int64       `json:"status_since"`
	EpisodeStart       int64       `json:"episode_start,omitempty"`
	LastCheckedAt      int64       `json:"last_checked_at"`
	ElapsedDegradedSec int64       `json:"elapsed_degraded_sec"`
	LastError          string      `json:"last_error,omitempty"`
}

// HistoryItem 状态变化记录
type HistoryItem struct {
	ID              int64       `json:"id"`
	ZoneID          string      `json:"zone_id"`
	AccountID       string      `json:"account_id"`
	From            zone.Status `json:"from"`
	To              zone.Status `json:"to"`
	ChangedAt       int64       `json:"changed_at"`
	Initial         bool        `json:"initial"`
	DegradedSeconds int64       `json:"degraded_seconds,omitempty"`
}

// NotificationItem 通知记录
type NotificationItem struct {
	ID        int64       `json:"id"`
	ZoneID    string      `json:"zone_id"`
	AccountID string      `json:"account_id"`
	Status    zone.Status `json:"status"`
	Episode   int64       `json:"episode"`
	Channel   string      `json:"channel"`
	Outcome   string      `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	Manual    bool        `json:"manual"`
	SentAt    int64       `json:"sent_at"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	Storage       string                `json:"storage"`
	Zones         int                   `json:"zones"`
	ByStatus      map[zone.Status]int   `json:"by_status"`
	LastSweep     *scheduler.SweepStats `json:"last_sweep,omitempty"`
	Budget        *ratelimit.Snapshot   `json:"budget,omitempty"`
	FailedWrites  int64                 `json:"failed_writes"`
	Notifications *notify.Stats         `json:"notifications,omitempty"`
}

func (h *Handler) zoneItem(st *storage.ZoneState, now time.Time) ZoneItem {
	item := ZoneItem{
		ZoneID:             st.ZoneID,
		ZoneName:           st.ZoneName,
		AccountID:          st.AccountID,
		Status:             st.Status,
		Label:              st.Status.Label(),
		StatusSince:        unixOrZero(st.StatusSince),
		EpisodeStart:       unixOrZero(st.EpisodeStart),
		LastCheckedAt:      unixOrZero(st.LastCheckedAt),
		ElapsedDegradedSec: int64(events.ElapsedDegraded(st, now) / time.Second),
		LastError:          st.LastError,
	}
	return item
}

// GetHealth 健康检查（支持 GET 和 HEAD）
// 持久化写入彻底失败过时返回 degraded，但仍为 200
func (h *Handler) GetHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  buildinfo.GetVersion(),
		Storage:  h.deps.StorageType,
		ByStatus: make(map[zone.Status]int, len(zone.AllStatuses())),
	}
	for _, s := range zone.AllStatuses() {
		resp.ByStatus[s] = 0
	}
	if h.deps.States != nil {
		for _, st := range h.deps.States.Snapshot() {
			resp.ByStatus[st.Status]++
			resp.Zones++
		}
	}
	if h.deps.Sweeps != nil {
		if last, ok := h.deps.Sweeps.LastSweep(); ok {
			resp.LastSweep = &last
		}
	}
	if h.deps.Budget != nil {
		snap := h.deps.Budget.Snapshot()
		resp.Budget = &snap
	}
	if h.deps.Notifier != nil {
		stats := h.deps.Notifier.Stats()
		resp.Notifications = &stats
	}
	if h.deps.FailedWrites != nil {
		resp.FailedWrites = h.deps.FailedWrites()
		if resp.FailedWrites > 0 {
			resp.Status = "degraded"
		}
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// GetZones 获取区域当前状态
// GET /api/zones?status=offline&account=acc-1&degraded=true
func (h *Handler) GetZones(c *gin.Context) {
	qStatus := c.Query("status")
	qAccount := c.Query("account")
	onlyDegraded := c.Query("degraded") == "true"

	if qStatus != "" && !zone.Status(qStatus).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("无效的状态: %s", qStatus)})
		return
	}

	now := h.clk.Now()
	items := make([]ZoneItem, 0)
	for _, st := range h.deps.States.Snapshot() {
		if qStatus != "" && string(st.Status) != qStatus {
			continue
		}
		if qAccount != "" && st.AccountID != qAccount {
			continue
		}
		if onlyDegraded && !st.Status.IsDegraded() {
			continue
		}
		items = append(items, h.zoneItem(st, now))
	}

	// 降级最久的排在前面
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ElapsedDegradedSec > items[j].ElapsedDegradedSec
	})

	c.JSON(http.StatusOK, gin.H{"zones": items, "count": len(items)})
}

// GetZone 获取单个区域状态
func (h *Handler) GetZone(c *gin.Context) {
	st := h.deps.States.Get(c.Param("id"))
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "区域不存在"})
		return
	}
	c.JSON(http.StatusOK, h.zoneItem(st, h.clk.Now()))
}

// GetZoneHistory 获取区域状态变化历史
// GET /api/zones/:id/history?period=7d&limit=100
func (h *Handler) GetZoneHistory(c *gin.Context) {
	h.listHistory(c, c.Param("id"))
}

// GetHistory 获取全部区域的状态变化历史
// GET /api/history?period=24h&limit=100
func (h *Handler) GetHistory(c *gin.Context) {
	h.listHistory(c, "")
}

func (h *Handler) listHistory(c *gin.Context, zoneID string) {
	since, limit, ok := h.parseRange(c)
	if !ok {
		return
	}

	records, err := h.deps.Storage.WithContext(c.Request.Context()).GetHistory(zoneID, since, limit)
	if err != nil {
		logger.FromContext(c.Request.Context(), "api").Error("查询状态历史失败", "zone_id", zoneID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询状态历史失败"})
		return
	}

	items := make([]HistoryItem, 0, len(records))
	for _, r := range records {
		items = append(items, HistoryItem{
			ID:              r.ID,
			ZoneID:          r.ZoneID,
			AccountID:       r.AccountID,
			From:            r.From,
			To:              r.To,
			ChangedAt:       r.ChangedAt.Unix(),
			Initial:         r.Initial,
			DegradedSeconds: r.DegradedSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": items, "count": len(items)})
}

// GetSweeps 获取最近的巡检统计
func (h *Handler) GetSweeps(c *gin.Context) {
	sweeps := h.deps.Sweeps.Sweeps()
	c.JSON(http.StatusOK, gin.H{"sweeps": sweeps, "count": len(sweeps)})
}

// GetNotifications 获取通知记录
// GET /api/notifications?period=24h&limit=100&zone=z1&outcome=failed
func (h *Handler) GetNotifications(c *gin.Context) {
	since, limit, ok := h.parseRange(c)
	if !ok {
		return
	}
	qZone := c.Query("zone")
	qOutcome := c.Query("outcome")

	records, err := h.deps.Storage.WithContext(c.Request.Context()).ListNotifications(since, limit)
	if err != nil {
		logger.FromContext(c.Request.Context(), "api").Error("查询通知记录失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询通知记录失败"})
		return
	}

	items := make([]NotificationItem, 0, len(records))
	for _, r := range records {
		if qZone != "" && r.ZoneID != qZone {
			continue
		}
		if qOutcome != "" && string(r.Outcome) != qOutcome {
			continue
		}
		items = append(items, notificationItem(r))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}

// manualNotifyRequest 手动告警请求体
type manualNotifyRequest struct {
	Note string `json:"note"`
}

// PostManualNotify 手动触发告警（跳过阈值与冷却）
// POST /api/zones/:id/notify  Authorization: Bearer <token>
func (h *Handler) PostManualNotify(c *gin.Context) {
	if !h.checkManualToken(c) {
		return
	}

	var req manualNotifyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误"})
			return
		}
	}
	if len(req.Note) > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "note 不能超过 500 个字符"})
		return
	}

	zoneID := c.Param("id")
	records, err := h.deps.Notifier.SendManual(c.Request.Context(), zoneID, strings.TrimSpace(req.Note))
	switch {
	case errors.Is(err, notify.ErrUnknownZone):
		c.JSON(http.StatusNotFound, gin.H{"error": "区域不存在"})
		return
	case errors.Is(err, notify.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "服务正在关闭"})
		return
	case err != nil:
		logger.FromContext(c.Request.Context(), "api").Error("手动告警失败", "zone_id", zoneID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "手动告警失败"})
		return
	}

	delivered := false
	items := make([]NotificationItem, 0, len(records))
	for _, r := range records {
		if r.Outcome == storage.OutcomeDelivered {
			delivered = true
		}
		items = append(items, notificationItem(r))
	}

	status := http.StatusOK
	if !delivered {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"delivered": delivered, "attempts": items})
}

// checkManualToken 校验手动告警口令（bcrypt 哈希比对）
// 未配置哈希时返回 503 拒绝所有请求
// 返回 true 表示验证通过，false 表示验证失败（已返回错误响应）
func (h *Handler) checkManualToken(c *gin.Context) bool {
	h.cfgMu.RLock()
	hash := h.config.API.ManualTokenHash
	h.cfgMu.RUnlock()

	if hash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "手动告警接口未配置，请设置 api.manual_token_hash",
		})
		return false
	}

	authHeader := c.GetHeader("Authorization")
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Authorization 格式错误，应为: Bearer <token>",
		})
		return false
	}

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		logger.FromContext(c.Request.Context(), "api").Warn("手动告警口令无效", "client_ip", c.ClientIP())
		c.JSON(http.StatusForbidden, gin.H{"error": "token 无效"})
		return false
	}
	return true
}

// parseRange 解析 period 与 limit 参数
func (h *Handler) parseRange(c *gin.Context) (time.Time, int, bool) {
	since, err := h.parsePeriod(c.DefaultQuery("period", "24h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, 0, false
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return since, limit, true
}

// parsePeriod 解析时间范围（支持 "90m"、"24h"、"7d"，最长 90 天）
func (h *Handler) parsePeriod(period string) (time.Time, error) {
	period = strings.TrimSpace(period)
	var d time.Duration
	if strings.HasSuffix(period, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(period, "d"))
		if err != nil || days <= 0 {
			return time.Time{}, fmt.Errorf("无效的时间范围: %s", period)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(period)
		if err != nil || parsed <= 0 {
			return time.Time{}, fmt.Errorf("无效的时间范围: %s", period)
		}
		d = parsed
	}
	if d > 90*24*time.Hour {
		return time.Time{}, fmt.Errorf("时间范围不能超过 90 天: %s", period)
	}
	return h.clk.Now().Add(-d), nil
}

func notificationItem(r *storage.NotificationRecord) NotificationItem {
	return NotificationItem{
		ID:        r.ID,
		ZoneID:    r.ZoneID,
		AccountID: r.AccountID,
		Status:    r.Status,
		Episode:   r.Episode,
		Channel:   r.Channel,
		Outcome:   string(r.Outcome),
		Reason:    r.Reason,
		Manual:    r.Manual,
		SentAt:    r.SentAt.Unix(),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
