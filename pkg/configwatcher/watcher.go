package configwatcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader 收到完整解析后的新配置
type Reloader func(cfg *config.Config)

// WatchConfig 监听配置文件变更，写入防抖一秒后整体重载。
// 监考点运维改完阈值不用重启代理，下一场会话即生效。
// ctx 取消后停止监听；加载失败只记日志，保持旧配置继续跑。
func WatchConfig(ctx context.Context, configFile string, reloader Reloader) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log.Error("Failed to create config watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(configFile)
	if err != nil {
		logger.Log.Error("Failed to resolve config path", zap.Error(err))
		return
	}

	// 监听目录而不是文件本身，编辑器原子替换会换 inode
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		logger.Log.Error("Failed to watch config directory", zap.Error(err))
		return
	}

	var mu sync.Mutex
	timer := time.NewTimer(0)
	<-timer.C

	base := filepath.Base(absPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// 防抖处理
				mu.Lock()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(1 * time.Second)
				mu.Unlock()
			}
		case <-timer.C:
			newCfg, err := config.LoadConfig(filepath.Dir(configFile))
			if err != nil {
				logger.Log.Error("Failed to reload config", zap.Error(err))
				continue
			}
			logger.Log.Info("Config file reloaded", zap.String("path", configFile))
			reloader(newCfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Error("Config watcher error", zap.Error(err))
		}
	}
}
