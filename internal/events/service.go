package events

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"zonemonitor/internal/logger"
	"zonemonitor/internal/storage"
)

// Service 区域状态服务
// 持有内存中的区域状态表（以 zone id 为键），启动时从持久化恢复，
// 每次检查结果写穿到持久化；写入失败时内存状态仍然有效
type Service struct {
	storage storage.Storage

	mu    sync.RWMutex
	zones map[string]*ZoneState

	locks sync.Map // zone id -> *sync.Mutex，同一区域的观测串行处理
}

// NewService 创建状态服务
func NewService(store storage.Storage) *Service {
	return &Service{
		storage: store,
		zones:   make(map[string]*ZoneState),
	}
}

// lockFor 获取指定区域的锁
func (s *Service) lockFor(zoneID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(zoneID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Hydrate 从持久化恢复全部区域状态
func (s *Service) Hydrate(ctx context.Context) (int, error) {
	states, err := s.storage.WithContext(ctx).ListZoneStates()
	if err != nil {
		return 0, fmt.Errorf("恢复区域状态失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.zones[st.ZoneID] = st
	}
	logger.Info("events", "区域状态已恢复", "zones", len(states))
	return len(states), nil
}

// Get 返回区域状态副本，不存在时返回 nil
func (s *Service) Get(zoneID string) *ZoneState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zones[zoneID].Clone()
}

// Snapshot 返回全部区域状态副本（按 zone id 排序）
func (s *Service) Snapshot() []*ZoneState {
	s.mu.RLock()
	out := make([]*ZoneState, 0, len(s.zones))
	for _, st := range s.zones {
		out = append(out, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

// Observe 应用一次成功的检查结果，状态变化时返回事件
func (s *Service) Observe(ctx context.Context, obs Observation) *TransitionEvent {
	mu := s.lockFor(obs.ZoneID)
	mu.Lock()
	defer mu.Unlock()

	prev := s.Get(obs.ZoneID)
	next, evt := Apply(prev, obs)
	if next == nil {
		logger.Debug("events", "忽略过期的检查结果",
			"zone_id", obs.ZoneID, "observed_at", obs.ObservedAt)
		return nil
	}
	s.store(next)

	store := s.storage.WithContext(ctx)
	if evt != nil {
		if err := store.AppendHistory(evt); err != nil {
			logger.Error("events", "保存状态历史失败", "zone_id", obs.ZoneID, "error", err)
		}
		logger.Info("events", "区域状态变化",
			"zone_id", evt.ZoneID,
			"account_id", evt.AccountID,
			"from", evt.From,
			"to", evt.To,
			"initial", evt.Initial)
	}
	if err := store.PutZoneState(next); err != nil {
		logger.Error("events", "保存区域状态失败", "zone_id", obs.ZoneID, "error", err)
	}
	return evt
}

// RecordFailure 记录一次失败的检查（状态保持不变）
func (s *Service) RecordFailure(ctx context.Context, obs Observation) {
	mu := s.lockFor(obs.ZoneID)
	mu.Lock()
	defer mu.Unlock()

	next := ApplyFailure(s.Get(obs.ZoneID), obs)
	if next == nil {
		return
	}
	s.store(next)
	if err := s.storage.WithContext(ctx).PutZoneState(next); err != nil {
		logger.Error("events", "保存区域状态失败", "zone_id", obs.ZoneID, "error", err)
	}
}

// Retain 移除不在名单中的区域（仅内存，持久化数据保留）
func (s *Service) Retain(zoneIDs map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.zones {
		if _, ok := zoneIDs[id]; !ok {
			delete(s.zones, id)
			s.locks.Delete(id)
			removed++
		}
	}
	if removed > 0 {
		logger.Info("events", "已移除不在名单中的区域", "removed", removed)
	}
	return removed
}

func (s *Service) store(st *ZoneState) {
	s.mu.Lock()
	s.zones[st.ZoneID] = st
	s.mu.Unlock()
}
