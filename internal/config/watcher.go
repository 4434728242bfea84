package config

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"zonemonitor/internal/logger"
)

// Reload 一次热更新的结果
type Reload struct {
	Config *AppConfig

	// 与上一份有效配置相比启用/停用的区域
	AddedZones   []string
	RemovedZones []string

	// 变更后需要重启才能生效的配置段（存储、缓存、通道凭据等）
	RestartRequired []string
}

// Watcher 监听配置文件与同目录 .env，变更后重载名册与策略
type Watcher struct {
	loader   *Loader
	filename string
	watcher  *fsnotify.Watcher
	onReload func(*Reload)
	debounce time.Duration

	reloadMu sync.Mutex
	watchMu  sync.Mutex
	watched  map[string]struct{}
}

// NewWatcher 创建配置监听器
func NewWatcher(loader *Loader, filename string, onReload func(*Reload)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		filename: filename,
		watcher:  fw,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start 启动监听（监听父目录，编辑器 rename 保存后仍能收到事件）
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.filename)
	if err := w.addWatch(dir); err != nil {
		return err
	}
	logger.Info("config", "开始监听配置文件", "file", w.filename, "dir", dir)

	go w.run(ctx, filepath.Clean(w.filename), filepath.Clean(filepath.Join(dir, ".env")))
	return nil
}

// run 事件循环：防抖后在同一个 goroutine 内串行重载
func (w *Watcher) run(ctx context.Context, configFile, dotenvFile string) {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("config", "配置监听器已停止")
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if path != configFile && path != dotenvFile {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
				timerCh = timer.C
				logger.Debug("config", "检测到配置变更", "file", path, "op", event.Op.String())
			}

			// inode 变化后重新监听所在目录
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := w.addWatch(filepath.Dir(path)); err != nil {
					logger.Error("config", "重新监听目录失败", "error", err)
				}
			}

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config", "监听错误", "error", err)
		}
	}
}

// reload 先覆盖加载 .env 再解析配置，环境变量覆盖才能读到新值
func (w *Watcher) reload() *Reload {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if _, err := LoadDotenvFromConfigDir(w.filename, true); err != nil {
		logger.Warn("config", "重新加载 .env 失败", "error", err)
	}

	prev := w.loader.Current()
	next, err := w.loader.LoadOrRollback(w.filename)
	if err != nil {
		logger.Error("config", "重载失败", "error", err)
		return nil
	}

	r := diffConfigs(prev, next)
	logger.Info("config", "热更新成功",
		"accounts", len(next.Accounts), "zones", next.ZoneCount(),
		"added_zones", len(r.AddedZones), "removed_zones", len(r.RemovedZones))
	if len(r.RestartRequired) > 0 {
		logger.Warn("config", "部分配置需要重启后生效", "sections", r.RestartRequired)
	}

	if w.onReload != nil {
		w.onReload(r)
	}
	return r
}

// Stop 停止监听
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) addWatch(dir string) error {
	dir = filepath.Clean(dir)

	w.watchMu.Lock()
	defer w.watchMu.Unlock()
	if w.watched == nil {
		w.watched = make(map[string]struct{})
	}
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = struct{}{}
	return nil
}

// diffConfigs 比较两份配置；prev 为 nil 时视为全部新增
func diffConfigs(prev, next *AppConfig) *Reload {
	r := &Reload{Config: next}

	before := enabledZones(prev)
	after := enabledZones(next)
	for id := range after {
		if _, ok := before[id]; !ok {
			r.AddedZones = append(r.AddedZones, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			r.RemovedZones = append(r.RemovedZones, id)
		}
	}
	sort.Strings(r.AddedZones)
	sort.Strings(r.RemovedZones)

	if prev == nil {
		return r
	}
	sections := []struct {
		name       string
		prev, next any
	}{
		{"upstream", prev.Upstream, next.Upstream},
		{"rate_limit", prev.RateLimit, next.RateLimit},
		{"transports", prev.Transports, next.Transports},
		{"storage", prev.Storage, next.Storage},
		{"cache", prev.Cache, next.Cache},
		{"api.addr", prev.API.Addr, next.API.Addr},
	}
	for _, s := range sections {
		if !sameYAML(s.prev, s.next) {
			r.RestartRequired = append(r.RestartRequired, s.name)
		}
	}
	return r
}

func enabledZones(cfg *AppConfig) map[string]struct{} {
	out := make(map[string]struct{})
	if cfg == nil {
		return out
	}
	for _, a := range cfg.Accounts {
		if a.Disabled {
			continue
		}
		for _, z := range a.Zones {
			if !z.Disabled {
				out[z.ID] = struct{}{}
			}
		}
	}
	return out
}

// sameYAML 按 YAML 序列化结果比较（忽略 yaml:"-" 的派生字段）
func sameYAML(a, b any) bool {
	da, errA := yaml.Marshal(a)
	db, errB := yaml.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(da, db)
}
