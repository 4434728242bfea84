package notify

import (
	"fmt"
	"strings"
	"time"

	"zonemonitor/internal/directory"
	"zonemonitor/internal/storage"
	"zonemonitor/internal/transport"
)

// Renderer 渲染告警消息
type Renderer struct {
	DashboardURL string
	Location     *time.Location
}

// Render 生成消息
// 正文格式：Zone "<name>" (<account>) <状态> since HH:MM (>N min)
func (r Renderer) Render(state *storage.ZoneState, acc *directory.Account, now time.Time, manual bool, note string) transport.Message {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}

	name := state.ZoneName
	if name == "" {
		name = state.ZoneID
	}
	accountName := acc.Name
	if accountName == "" {
		accountName = acc.ID
	}

	since := state.StatusSince
	elapsed := now.Sub(since)
	if elapsed < 0 || since.IsZero() {
		elapsed = 0
	}
	label := state.Status.Label()

	var body strings.Builder
	fmt.Fprintf(&body, "Zone %q (%s) %s since %s (>%d min)",
		name, accountName, label, since.In(loc).Format("15:04"), int(elapsed/time.Minute))
	if note = strings.TrimSpace(note); note != "" {
		body.WriteString("\n")
		body.WriteString(note)
	}
	if r.DashboardURL != "" {
		body.WriteString("\nDashboard: ")
		body.WriteString(r.DashboardURL)
	}

	title := fmt.Sprintf("Zone %s: %s", label, name)
	if manual {
		title = "[Manual] " + title
	}

	return transport.Message{
		ZoneID:      state.ZoneID,
		ZoneName:    name,
		AccountID:   acc.ID,
		AccountName: accountName,
		Status:      state.Status,
		Since:       since,
		Elapsed:     elapsed,
		ElapsedSec:  int64(elapsed / time.Second),
		Manual:      manual,
		Title:       title,
		Body:        body.String(),
		URL:         r.DashboardURL,
	}
}
