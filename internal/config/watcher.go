package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
)

const debounceDelay = 100 * time.Millisecond

// ErrLinesCleared rejects a reload that leaves no lines while lines are
// configured, as seen mid-write when an editor truncates config.toml.
var ErrLinesCleared = errors.New("reloaded config has no lines")

// Watcher reloads config.toml into a Live when the file changes. Invalid
// edits are logged and the previous config stays in effect.
type Watcher struct {
	path   string
	live   *Live
	env    envconfig.Lookuper
	logger *zap.Logger

	reloadMu sync.Mutex
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for path. env may be nil for the process
// environment.
func NewWatcher(path string, live *Live, env envconfig.Lookuper, logger *zap.Logger) *Watcher {
	if env == nil {
		env = envconfig.OsLookuper()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, live: live, env: env, logger: logger}
}

// OnChange registers cb to run after every successful reload. Register
// before Start.
func (w *Watcher) OnChange(cb func(old, new *Config)) {
	w.onChange = append(w.onChange, cb)
}

// Start watches the directory holding the config file, so editors that
// replace the file are seen too.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.watcher = nil
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				if err := w.Reload(ctx); err != nil {
					w.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload reads the file now and, if it is valid and still names at least
// one line, publishes it to Live and the OnChange callbacks.
func (w *Watcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := LoadWith(ctx, w.path, w.env)
	if err != nil {
		return err
	}
	if len(cfg.Lines) == 0 && len(w.live.Get().Lines) > 0 {
		return ErrLinesCleared
	}
	old := w.live.Set(cfg)
	w.logger.Info("config reloaded", zap.Strings("lines", cfg.Lines))
	for _, cb := range w.onChange {
		cb(old, cfg)
	}
	return nil
}
