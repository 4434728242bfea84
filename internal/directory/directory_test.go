package directory

import (
	"context"
	"testing"
	"time"

	"zonemonitor/internal/config"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Accounts: []config.AccountConfig{
			{
				ID:                       "acc-1",
				Name:                     "Cafe",
				Channels:                 []string{"pushover", "email"},
				Recipients:               map[string][]string{"email": {"ops@example.com"}},
				OfflineThresholdDuration: 10 * time.Minute,
				CooldownDuration:         30 * time.Minute,
				Zones: []config.ZoneConfig{
					{ID: "z1", Name: "Lobby"},
					{ID: "z2", Name: "Patio", Disabled: true},
				},
			},
			{
				ID:       "acc-2",
				Name:     "Gym",
				Disabled: true,
				Zones:    []config.ZoneConfig{{ID: "z3", Name: "Floor"}},
			},
		},
	}
}

func TestConfigDirectory_Roster(t *testing.T) {
	d := NewConfigDirectory(testConfig())

	roster, err := d.CurrentRoster(context.Background())
	if err != nil {
		t.Fatalf("获取名册失败: %v", err)
	}
	if len(roster) != 1 || roster[0].ZoneID != "z1" || roster[0].AccountID != "acc-1" {
		t.Fatalf("名册应只包含启用的区域，实际 %+v", roster)
	}

	// 暂停的区域仍可查询
	if e, ok := d.Zone("z3"); !ok || e.AccountID != "acc-2" {
		t.Errorf("应能查询到暂停账户的区域: %+v", e)
	}

	acc, ok := d.Account("acc-1")
	if !ok {
		t.Fatal("未找到账户")
	}
	if acc.OfflineThreshold != 10*time.Minute || acc.Cooldown != 30*time.Minute {
		t.Errorf("账户阈值错误: %+v", acc)
	}
	if got := acc.RecipientsFor("EMAIL"); len(got) != 1 {
		t.Errorf("收件人查找应忽略大小写，实际 %v", got)
	}
}

func TestConfigDirectory_UpdateAtNextRoster(t *testing.T) {
	cfg := testConfig()
	d := NewConfigDirectory(cfg)
	before, _ := d.CurrentRoster(context.Background())

	cfg.Accounts[0].Zones = append(cfg.Accounts[0].Zones, config.ZoneConfig{ID: "z4", Name: "Bar"})
	d.Update(cfg)

	if len(before) != 1 {
		t.Errorf("已取得的快照不应受更新影响，实际 %d", len(before))
	}
	after, _ := d.CurrentRoster(context.Background())
	if len(after) != 2 {
		t.Errorf("更新后的名册应包含新区域，实际 %d", len(after))
	}
}

func TestConfigDirectory_CanceledContext(t *testing.T) {
	d := NewConfigDirectory(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.CurrentRoster(ctx); err == nil {
		t.Error("context 取消时应返回错误")
	}
}
