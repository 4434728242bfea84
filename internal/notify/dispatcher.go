package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zonemonitor/internal/clock"
	"zonemonitor/internal/directory"
	"zonemonitor/internal/logger"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/transport"
)

var (
	// ErrStopped 调度器已停止
	ErrStopped = errors.New("通知调度器已停止")
	// ErrUnknownZone 区域或其所属账户不在名册中
	ErrUnknownZone = errors.New("区域不存在")
)

// StateReader 只读区域状态（events.Service 实现）
type StateReader interface {
	Get(zoneID string) *storage.ZoneState
	Snapshot() []*storage.ZoneState
}

// Options 调度器配置
type Options struct {
	Renderer    Renderer
	SendTimeout time.Duration // 单次发送超时（默认 30s）
}

// Stats 通知计数
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Suppressed int64 `json:"suppressed"`
	Manual     int64 `json:"manual"`
}

// Dispatcher 通知调度器
// 状态变化事件与周期评估共用同一把锁，区域逐个处理，
// 每次发送尝试在处理下一个区域之前写入持久化
type Dispatcher struct {
	storage   storage.Storage
	directory directory.Directory
	registry  *transport.Registry
	states    StateReader
	clk       clock.Clock
	opts      Options

	evalMu sync.Mutex
	// 已写入的 suppressed 记录（zone|account -> episode:上次通知时间），避免每次评估重复写入
	suppressed map[string]string
	// 最近一次非 suppressed 记录（zone|account），记录写入失败时冷却仍以此为准
	lastSent map[string]*storage.NotificationRecord

	stopMu   sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	delivered  atomic.Int64
	failed     atomic.Int64
	suppressN  atomic.Int64
	manualSent atomic.Int64
}

// NewDispatcher 创建通知调度器
func NewDispatcher(store storage.Storage, dir directory.Directory, registry *transport.Registry, states StateReader, clk clock.Clock, opts Options) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{
		storage:    store,
		directory:  dir,
		registry:   registry,
		states:     states,
		clk:        clk,
		opts:       opts,
		suppressed: make(map[string]string),
		lastSent:   make(map[string]*storage.NotificationRecord),
	}
}

// Stats 返回通知计数
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressN.Load(),
		Manual:     d.manualSent.Load(),
	}
}

// begin 登记一次处理，已停止时返回 false
func (d *Dispatcher) begin() bool {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stopped {
		return false
	}
	d.inflight.Add(1)
	return true
}

// HandleTransition 处理状态变化事件
// 初始化事件本身不告警；恢复 online 时回到 Quiet
func (d *Dispatcher) HandleTransition(ctx context.Context, evt *storage.TransitionEvent) {
	if evt == nil || !d.begin() {
		return
	}
	defer d.inflight.Done()

	d.evalMu.Lock()
	defer d.evalMu.Unlock()

	if !evt.To.IsDegraded() {
		d.clearSuppressed(evt.ZoneID)
		d.clearLastSent(evt.ZoneID)
		return
	}
	if evt.Initial {
		return
	}
	if state := d.states.Get(evt.ZoneID); state != nil {
		d.evaluate(ctx, state, d.clk.Now())
	}
}

// Tick 周期评估全部降级区域（区域可能仅因持续降级而达到阈值）
func (d *Dispatcher) Tick(ctx context.Context) int {
	if !d.begin() {
		return 0
	}
	defer d.inflight.Done()

	d.evalMu.Lock()
	defer d.evalMu.Unlock()

	sent := 0
	for _, state := range d.states.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if !state.Status.IsDegraded() {
			continue
		}
		if d.evaluate(ctx, state, d.clk.Now()) {
			sent++
		}
	}
	return sent
}

// evaluate 评估单个区域并在需要时发送，返回是否进行了发送
func (d *Dispatcher) evaluate(ctx context.Context, state *storage.ZoneState, now time.Time) bool {
	acc, ok := d.directory.Account(state.AccountID)
	if !ok {
		logger.Debug("notify", "区域所属账户不存在，跳过", "zone_id", state.ZoneID, "account_id", state.AccountID)
		return false
	}

	last, err := d.storage.WithContext(ctx).GetLastNotification(state.ZoneID, acc.ID)
	if err != nil {
		// 无法确认冷却状态时不发送，下一轮再评估
		logger.Error("notify", "查询最近通知失败", "zone_id", state.ZoneID, "account_id", acc.ID, "error", err)
		return false
	}
	last = d.latest(state.ZoneID, acc.ID, last)

	decision := Evaluate(state, acc, last, now)
	switch decision.State {
	case Quiet:
		return false
	case CoolingDown:
		d.recordSuppressed(ctx, state, acc, last, decision, now)
		return false
	}

	msg := d.opts.Renderer.Render(state, acc, now, false, "")
	d.dispatch(ctx, state, acc, msg, decision.Episode, false)
	return true
}

// SendManual 手动告警：跳过阈值与冷却检查，仍然写入通知记录
func (d *Dispatcher) SendManual(ctx context.Context, zoneID, note string) ([]*storage.NotificationRecord, error) {
	if !d.begin() {
		return nil, ErrStopped
	}
	defer d.inflight.Done()

	state := d.states.Get(zoneID)
	if state == nil {
		entry, ok := d.directory.Zone(zoneID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownZone, zoneID)
		}
		state = &storage.ZoneState{ZoneID: entry.ZoneID, ZoneName: entry.ZoneName, AccountID: entry.AccountID}
	}
	acc, ok := d.directory.Account(state.AccountID)
	if !ok {
		return nil, fmt.Errorf("%w: %s 所属账户 %s 不存在", ErrUnknownZone, zoneID, state.AccountID)
	}

	d.evalMu.Lock()
	defer d.evalMu.Unlock()

	now := d.clk.Now()
	msg := d.opts.Renderer.Render(state, acc, now, true, note)
	d.manualSent.Add(1)
	logger.Info("notify", "手动告警", "zone_id", zoneID, "account_id", acc.ID)
	return d.dispatch(ctx, state, acc, msg, EpisodeOf(state), true), nil
}

// attempt 单个通道的发送结果
type attempt struct {
	channel string
	err     error
	at      time.Time
}

// dispatch 按账户通道配置发送并持久化每次尝试
func (d *Dispatcher) dispatch(ctx context.Context, state *storage.ZoneState, acc *directory.Account, msg transport.Message, episode int64, manual bool) []*storage.NotificationRecord {
	var attempts []attempt
	switch {
	case len(acc.Channels) == 0:
		attempts = []attempt{{err: errors.New("账户未配置通知通道"), at: d.clk.Now()}}
	case acc.Parallel:
		attempts = d.sendParallel(ctx, acc, msg)
	default:
		attempts = d.sendChain(ctx, acc, msg)
	}

	records := make([]*storage.NotificationRecord, 0, len(attempts))
	for _, a := range attempts {
		rec := &storage.NotificationRecord{
			ZoneID:    state.ZoneID,
			AccountID: acc.ID,
			Status:    state.Status,
			Episode:   episode,
			Channel:   a.channel,
			Outcome:   storage.OutcomeDelivered,
			Manual:    manual,
			SentAt:    a.at,
		}
		if a.err != nil {
			rec.Outcome = storage.OutcomeFailed
			rec.Reason = a.err.Error()
			d.failed.Add(1)
			logger.Warn("notify", "通知发送失败",
				"zone_id", state.ZoneID, "account_id", acc.ID, "channel", a.channel, "error", a.err)
		} else {
			d.delivered.Add(1)
			logger.Info("notify", "通知已送达",
				"zone_id", state.ZoneID, "account_id", acc.ID, "channel", a.channel,
				"status", state.Status, "manual", manual)
		}
		d.rememberLast(rec)
		if err := d.storage.WithContext(context.WithoutCancel(ctx)).PutNotification(rec); err != nil {
			logger.Error("notify", "保存通知记录失败", "zone_id", state.ZoneID, "channel", a.channel, "error", err)
		}
		records = append(records, rec)
	}
	d.clearSuppressed(state.ZoneID)
	return records
}

// sendChain 按顺序尝试通道，首个成功即停止
func (d *Dispatcher) sendChain(ctx context.Context, acc *directory.Account, msg transport.Message) []attempt {
	var attempts []attempt
	for _, ch := range acc.Channels {
		err := d.send(ctx, acc, ch, msg)
		attempts = append(attempts, attempt{channel: ch, err: err, at: d.clk.Now()})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return attempts
}

// sendParallel 同时发送到全部通道
func (d *Dispatcher) sendParallel(ctx context.Context, acc *directory.Account, msg transport.Message) []attempt {
	attempts := make([]attempt, len(acc.Channels))
	var wg sync.WaitGroup
	for i, ch := range acc.Channels {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			err := d.send(ctx, acc, ch, msg)
			attempts[i] = attempt{channel: ch, err: err, at: d.clk.Now()}
		}(i, ch)
	}
	wg.Wait()
	return attempts
}

func (d *Dispatcher) send(ctx context.Context, acc *directory.Account, channel string, msg transport.Message) error {
	t, ok := d.registry.Get(channel)
	if !ok {
		return fmt.Errorf("通道 %s 未启用", channel)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return t.Send(sendCtx, msg, acc.RecipientsFor(channel))
}

// recordSuppressed 记录冷却期内被抑制的告警（同一事件、同一次通知后只记录一次）
func (d *Dispatcher) recordSuppressed(ctx context.Context, state *storage.ZoneState, acc *directory.Account, last *storage.NotificationRecord, decision Decision, now time.Time) {
	key := state.ZoneID + "|" + acc.ID
	marker := fmt.Sprintf("%d:%d", decision.Episode, last.SentAt.UnixMilli())
	if d.suppressed[key] == marker {
		return
	}

	rec := &storage.NotificationRecord{
		ZoneID:    state.ZoneID,
		AccountID: acc.ID,
		Status:    state.Status,
		Episode:   decision.Episode,
		Outcome:   storage.OutcomeSuppressed,
		Reason:    "cooling_down until " + decision.NextEligibleAt.UTC().Format(time.RFC3339),
		SentAt:    now,
	}
	if err := d.storage.WithContext(ctx).PutNotification(rec); err != nil {
		logger.Error("notify", "保存通知记录失败", "zone_id", state.ZoneID, "error", err)
		return
	}
	d.suppressed[key] = marker
	d.suppressN.Add(1)
	logger.Debug("notify", "冷却期内抑制告警",
		"zone_id", state.ZoneID, "account_id", acc.ID, "next_eligible_at", decision.NextEligibleAt)
}

// rememberLast 在写入存储之前记下最近一次通知
func (d *Dispatcher) rememberLast(rec *storage.NotificationRecord) {
	key := rec.ZoneID + "|" + rec.AccountID
	if prev := d.lastSent[key]; prev != nil && prev.SentAt.After(rec.SentAt) {
		return
	}
	d.lastSent[key] = rec
}

// latest 返回内存与存储中较新的一条通知记录
func (d *Dispatcher) latest(zoneID, accountID string, stored *storage.NotificationRecord) *storage.NotificationRecord {
	mem := d.lastSent[zoneID+"|"+accountID]
	if mem == nil {
		return stored
	}
	if stored == nil || mem.SentAt.After(stored.SentAt) {
		return mem
	}
	return stored
}

func (d *Dispatcher) clearLastSent(zoneID string) {
	prefix := zoneID + "|"
	for k := range d.lastSent {
		if strings.HasPrefix(k, prefix) {
			delete(d.lastSent, k)
		}
	}
}

func (d *Dispatcher) clearSuppressed(zoneID string) {
	prefix := zoneID + "|"
	for k := range d.suppressed {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(d.suppressed, k)
		}
	}
}

// Stop 停止接收新的评估，并等待进行中的发送与记录写入完成
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopMu.Lock()
	d.stopped = true
	d.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("notify", "通知调度器已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待通知发送完成超时: %w", ctx.Err())
	}
}
