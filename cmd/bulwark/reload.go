package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/recovery"
)

// policySink receives reloaded policies.
type policySink interface {
	SetPolicies(policies map[string]recovery.Policy)
}

// policyWatcher reloads the policies file on change. An invalid file is
// logged and the previous policies stay in effect.
type policyWatcher struct {
	path   string
	sink   policySink
	logger *slog.Logger

	mu      sync.Mutex
	current map[string]recovery.Policy
}

func newPolicyWatcher(path string, sink policySink, initial map[string]recovery.Policy, logger *slog.Logger) *policyWatcher {
	return &policyWatcher{
		path:    filepath.Clean(path),
		sink:    sink,
		logger:  logging.OrNop(logger),
		current: initial,
	}
}

// Run watches the directory holding the file until ctx is done. Watching the
// directory keeps editors that replace the file by rename working.
func (w *policyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching policies", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				_ = w.Reload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

// Reload reads the file and applies it when any policy changed. It returns
// the changed workflow types.
func (w *policyWatcher) Reload() []string {
	raw, err := readPolicyFile(w.path)
	if err == nil {
		var policies map[string]recovery.Policy
		policies, err = decodePolicies(raw)
		if err == nil {
			return w.apply(policies)
		}
	}
	w.logger.Warn("policy reload rejected, keeping previous policies",
		slog.String("path", w.path), slog.String("error", err.Error()))
	return nil
}

func (w *policyWatcher) apply(policies map[string]recovery.Policy) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := diffPolicies(w.current, policies)
	if len(changed) == 0 {
		return nil
	}
	w.sink.SetPolicies(policies)
	w.current = policies
	w.logger.Info("policies reloaded",
		slog.Int("policies", len(policies)),
		slog.String("changed", strings.Join(changed, ",")))
	return changed
}
