package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mercator-hq/ganymede/pkg/config"
)

// reloadDebounce coalesces the burst of filesystem events an editor
// save produces into one reload.
const reloadDebounce = 250 * time.Millisecond

// watchConfig starts hot reloading: changes to the configuration file
// are diffed against the running configuration and applied as orders.
// The directory is watched rather than the file, since editors often
// replace the file by rename.
func (s *Supervisor) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(s.cfgPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.watchLoop(watcher)
	s.logger.Info("config watching enabled", "path", s.cfgPath)
	return nil
}

func (s *Supervisor) watchLoop(watcher *fsnotify.Watcher) {
	var timer *time.Timer

	target := filepath.Clean(s.cfgPath)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, s.reloadConfig)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reloadConfig loads the changed file, diffs it against the running
// configuration and applies the resulting orders. A file that fails to
// load or validate changes nothing.
func (s *Supervisor) reloadConfig() {
	next, err := config.LoadConfig(s.cfgPath)
	if err != nil {
		s.logger.Error("config reload skipped", "error", err)
		return
	}

	s.mu.Lock()
	current := s.cfg
	s.mu.Unlock()

	orders := config.Diff(current, next)
	if len(orders) == 0 {
		s.logger.Info("config unchanged after reload")
		return
	}

	s.logger.Info("applying config changes", "orders", len(orders))
	failed := 0
	for _, m := range orders {
		if err := s.applyConfigOrder(context.Background(), m); err != nil {
			s.logger.Error("reload order failed", "type", m.Type, "error", err)
			failed++
		}
	}

	if failed == 0 {
		s.mu.Lock()
		s.cfg = next
		s.mu.Unlock()
		s.collector.ConfigReloaded()
	}
	s.logger.Info("config reload finished", "applied", len(orders)-failed, "failed", failed)
}
