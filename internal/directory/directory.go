// Package directory 提供账户与区域名册
package directory

import (
	"context"
	"strings"
	"sync"
	"time"

	"zonemonitor/internal/config"
)

// Entry 名册中的一个区域
type Entry struct {
	ZoneID    string
	ZoneName  string
	AccountID string
}

// Account 账户及其通知配置（只读）
type Account struct {
	ID               string
	Name             string
	OfflineThreshold time.Duration
	Cooldown         time.Duration
	Channels         []string
	Parallel         bool
	Recipients       map[string][]string
}

// RecipientsFor 返回指定通道的收件人
func (a *Account) RecipientsFor(channel string) []string {
	if a == nil || a.Recipients == nil {
		return nil
	}
	return a.Recipients[strings.ToLower(channel)]
}

// Directory 名册接口
type Directory interface {
	// CurrentRoster 返回当前要巡检的区域，每轮开始时调用一次
	CurrentRoster(ctx context.Context) ([]Entry, error)

	// Account 按 ID 查找账户
	Account(id string) (*Account, bool)

	// Zone 按 ID 查找区域
	Zone(id string) (Entry, bool)
}

// ConfigDirectory 基于配置文件的名册
// Update 之后的变化在下一次 CurrentRoster 时生效
type ConfigDirectory struct {
	mu       sync.RWMutex
	roster   []Entry
	zones    map[string]Entry
	accounts map[string]*Account
}

// NewConfigDirectory 根据配置创建名册
func NewConfigDirectory(cfg *config.AppConfig) *ConfigDirectory {
	d := &ConfigDirectory{}
	d.Update(cfg)
	return d
}

// Update 热更新名册
func (d *ConfigDirectory) Update(cfg *config.AppConfig) {
	roster := make([]Entry, 0, cfg.ZoneCount())
	zones := make(map[string]Entry)
	accounts := make(map[string]*Account, len(cfg.Accounts))

	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		recipients := make(map[string][]string, len(a.Recipients))
		for k, v := range a.Recipients {
			recipients[k] = append([]string(nil), v...)
		}
		accounts[a.ID] = &Account{
			ID:               a.ID,
			Name:             a.Name,
			OfflineThreshold: a.OfflineThresholdDuration,
			Cooldown:         a.CooldownDuration,
			Channels:         append([]string(nil), a.Channels...),
			Parallel:         a.ParallelValue,
			Recipients:       recipients,
		}

		for _, z := range a.Zones {
			e := Entry{ZoneID: z.ID, ZoneName: z.Name, AccountID: a.ID}
			zones[z.ID] = e
			// 暂停的账户/区域不参与巡检，但保留查询
			if a.Disabled || z.Disabled {
				continue
			}
			roster = append(roster, e)
		}
	}

	d.mu.Lock()
	d.roster = roster
	d.zones = zones
	d.accounts = accounts
	d.mu.Unlock()
}

// CurrentRoster 返回名册快照
func (d *ConfigDirectory) CurrentRoster(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Entry(nil), d.roster...), nil
}

// Account 按 ID 查找账户
func (d *ConfigDirectory) Account(id string) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	return a, ok
}

// Zone 按 ID 查找区域
func (d *ConfigDirectory) Zone(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.zones[id]
	return e, ok
}
