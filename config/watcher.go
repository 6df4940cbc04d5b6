// 定义目录变更监听器实现。
//
// 轮询目录下的工作流定义文件，变化静默一段时间后批量回调，
// 供服务在不重启的情况下重新注册 DSL 定义。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 监听器类型定义 ---

// DirWatcher watches a directory of definition files for changes
type DirWatcher struct {
	mu sync.RWMutex

	// 配置
	dir           string
	exts          map[string]bool
	pollInterval  time.Duration
	debounceDelay time.Duration

	// 状态
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// 回调
	callbacks []func(events []FileEvent)

	logger *zap.Logger

	// 上次扫描结果
	stamps map[string]fileStamp
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 选项 ---

// WatcherOption configures the DirWatcher
type WatcherOption func(*DirWatcher)

// WithPollInterval sets how often the directory is scanned
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets how long the directory must stay quiet before callbacks fire
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *DirWatcher) {
		w.debounceDelay = d
	}
}

// WithExtensions restricts watched files to the given extensions
func WithExtensions(exts ...string) WatcherOption {
	return func(w *DirWatcher) {
		w.exts = make(map[string]bool, len(exts))
		for _, ext := range exts {
			w.exts[strings.ToLower(ext)] = true
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *DirWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 实现 ---

// NewDirWatcher creates a watcher for dir. A missing directory is allowed
// and picked up once it is created.
func NewDirWatcher(dir string, opts ...WatcherOption) (*DirWatcher, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	w := &DirWatcher{
		dir:           absDir,
		exts:          map[string]bool{".yaml": true, ".yml": true, ".json": true},
		pollInterval:  time.Second,
		debounceDelay: 200 * time.Millisecond,
		stamps:        make(map[string]fileStamp),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(absDir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", absDir)
	case os.IsNotExist(err):
		w.logger.Warn("Definitions directory does not exist, will watch for creation",
			zap.String("dir", absDir))
	case err != nil:
		return nil, fmt.Errorf("failed to stat path %s: %w", absDir, err)
	}
	return w, nil
}

// Dir returns the watched directory
func (w *DirWatcher) Dir() string { return w.dir }

// OnChange registers a callback invoked with each debounced batch of events
func (w *DirWatcher) OnChange(callback func([]FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins polling. Files present at start do not produce events.
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.stamps = w.snapshot()
	w.mu.Unlock()

	go w.loop(ctx)

	w.logger.Info("Definitions watcher started",
		zap.String("dir", w.dir),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit
func (w *DirWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.logger.Info("Definitions watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *DirWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *DirWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var lastChange time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			if events := w.scan(now); len(events) > 0 {
				for _, ev := range events {
					// 同一路径只保留最后一次操作
					pending[ev.Path] = ev
				}
				lastChange = now
			}
			if len(pending) == 0 || now.Sub(lastChange) < w.debounceDelay {
				continue
			}
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// scan compares the directory with the previous snapshot
func (w *DirWatcher) scan(now time.Time) []FileEvent {
	current := w.snapshot()

	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	for path, stamp := range current {
		prev, existed := w.stamps[path]
		switch {
		case !existed:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !stamp.modTime.Equal(prev.modTime) || stamp.size != prev.size:
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	for path := range w.stamps {
		if _, ok := current[path]; !ok {
			events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
		}
	}
	w.stamps = current
	return events
}

func (w *DirWatcher) snapshot() map[string]fileStamp {
	stamps := make(map[string]fileStamp)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read definitions directory", zap.String("dir", w.dir), zap.Error(err))
		}
		return stamps
	}
	for _, e := range entries {
		if e.IsDir() || !w.exts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stamps[filepath.Join(w.dir, e.Name())] = fileStamp{modTime: info.ModTime(), size: info.Size()}
	}
	return stamps
}

func (w *DirWatcher) dispatch(pending map[string]FileEvent) {
	events := make([]FileEvent, 0, len(pending))
	for _, ev := range pending {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	w.mu.RLock()
	callbacks := make([]func([]FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, ev := range events {
		w.logger.Debug("Dispatching file event",
			zap.String("path", ev.Path),
			zap.String("op", ev.Op.String()))
	}
	for _, cb := range callbacks {
		cb(events)
	}
}
