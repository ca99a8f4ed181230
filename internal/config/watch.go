package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch 监听配置文件变更并热更新日志级别。
// 仅 logging.level 支持热更新，其他配置项的变更需要重启进程生效。
// 返回的函数用于停止监听。
func Watch(path string, logger *logrus.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// 监听目录而非文件本身，兼容编辑器的原子写入（rename + create）
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.WithError(err).Warn("config reload failed")
					continue
				}
				level, err := logrus.ParseLevel(cfg.Logging.Level)
				if err != nil {
					logger.WithField("level", cfg.Logging.Level).Warn("invalid log level in reloaded config")
					continue
				}
				if logger.GetLevel() != level {
					logger.SetLevel(level)
					logger.WithField("level", level.String()).Info("log level updated")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
