package classifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Watcher 轮询模型文件，内容变化且校验通过时替换分类器的模型。
// 新文件无效时保留旧模型。
type Watcher struct {
	path       string
	interval   time.Duration
	classifier *Classifier
	logger     *slog.Logger
	onReload   func(old, new *Model)
	onError    func(error)

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption 配置 Watcher
type WatcherOption func(*Watcher)

// WithInterval 设置轮询间隔，默认 5 秒
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithOnReload 模型替换成功后的回调
func WithOnReload(fn func(old, new *Model)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError 重载失败时的回调
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher 创建模型文件监视器，记录文件当前状态作为基线
func NewWatcher(path string, c *Classifier, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:       path,
		interval:   5 * time.Second,
		classifier: c,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("首次读取模型文件失败: %w", err)
	}
	w.lastHash = sha256.Sum256(data)
	w.lastMtime = mtime
	return w, nil
}

// Run 轮询直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.logger.Warn("model watcher: reload skipped", "path", w.path, "err", err)
				if w.onError != nil {
					w.onError(err)
				}
			}
		}
	}
}

// Check 检查一次文件，发生替换时返回 true
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	if info.ModTime().Equal(w.lastMtime) {
		return false, nil
	}

	data, mtime, err := w.read()
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(data)
	w.lastMtime = mtime
	if hash == w.lastHash {
		return false, nil
	}

	model, err := LoadModelFromReader(bytes.NewReader(data))
	if err != nil {
		// 记录哈希，同一份无效内容不重复报错
		w.lastHash = hash
		return false, err
	}

	old, err := w.classifier.Swap(model)
	if err != nil {
		return false, err
	}
	w.lastHash = hash
	w.logger.Info("model reloaded", "path", w.path, "version", model.Version)
	if w.onReload != nil {
		w.onReload(old, model)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
