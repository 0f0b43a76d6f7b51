package profile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/zhouzirui/karitas/backend/internal/lifecycle"
	"github.com/zhouzirui/karitas/backend/internal/model/profile"
)

// Watcher 读取孩子资料文件并在文件变化时重新加载。新资料只影响之后开始的会话。
type Watcher struct {
	path   string
	runner *lifecycle.Runner

	mu      sync.RWMutex
	current profile.ChildProfile
}

// NewWatcher loads path once. A missing file yields the default profile.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("profile file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profile path: %w", err)
	}

	w := &Watcher{
		path:    abs,
		runner:  lifecycle.NewRunner("profile-watcher", 0),
		current: profile.Default(),
	}
	if err := w.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return w, nil
}

// Current returns the most recently loaded profile.
func (w *Watcher) Current() profile.ChildProfile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload 立即重新读取文件，失败时保留旧资料。
func (w *Watcher) Reload() error {
	child, err := profile.LoadFile(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	changed := w.current != child
	w.current = child
	w.mu.Unlock()

	if changed {
		log.Printf("[profile] loaded %s (age=%q, level=%q)", w.path, child.Age, child.AutismLevel)
	}
	return nil
}

// Start 开始监听文件所在目录，编辑器常用的重命名替换也能被捕获。
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	if !w.runner.Start(ctx, func(ctx context.Context) { w.run(ctx, fsw) }) {
		_ = fsw.Close()
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				log.Printf("[profile] keep previous profile: %v", err)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[profile] watcher error: %v", err)
		}
	}
}

// Stop ends watching.
func (w *Watcher) Stop() {
	w.runner.Stop()
}
