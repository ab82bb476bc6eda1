package governance

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader resolves composed policies from a policy directory:
//
//	<dir>/universal.yaml
//	<dir>/org.yaml
//	<dir>/clients/<id>.yaml
//
// Composed policies are cached by (universal_rev, org_rev, client_id) and
// invalidated explicitly or by the optional directory watcher.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Policy),
	}
}

// Load returns the composed policy for a client. clientID may be empty,
// selecting only the universal and org layers.
func (l *Loader) Load(clientID string) (*Policy, error) {
	universal, err := LoadLayer(filepath.Join(l.dir, "universal.yaml"))
	if err != nil {
		return nil, err
	}
	org, err := LoadLayer(filepath.Join(l.dir, "org.yaml"))
	if err != nil {
		return nil, err
	}
	var client Layer
	if clientID != "" {
		client, err = LoadLayer(filepath.Join(l.dir, "clients", clientID+".yaml"))
		if err != nil {
			return nil, err
		}
	}

	cacheKey := fmt.Sprintf("%s|%s|%s", universal.Rev, org.Rev, clientID)

	l.mu.RLock()
	cached, ok := l.cache[cacheKey]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	policy, err := Compose(universal, org, client)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[cacheKey] = policy
	l.mu.Unlock()
	return policy, nil
}

// Invalidate drops all cached compositions.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

// Watch invalidates the cache whenever a file under the policy directory
// changes. Returns immediately; the watch runs until Close.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	for _, dir := range []string{l.dir, filepath.Join(l.dir, "clients")} {
		// The clients subdirectory may not exist yet.
		if err := watcher.Add(dir); err != nil {
			l.logger.Debug("policy watch skipped", "dir", dir, "error", err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.logger.Info("policy file changed, invalidating cache", "file", event.Name)
					l.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watcher if one is running.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
