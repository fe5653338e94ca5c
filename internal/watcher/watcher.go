// Package watcher monitors the backends configuration file and triggers a
// reload when its content changes. Editors and configuration tools often
// produce several write events per save, so changes are deduplicated by
// content hash before the callback fires.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/config"
)

// ReloadFunc receives the freshly loaded configuration.
type ReloadFunc func(cfg *config.Config)

// Watcher watches one configuration file.
type Watcher struct {
	configPath string
	reload     ReloadFunc
	watcher    *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
}

// New creates a watcher for the config file at path.
func New(configPath string, reload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		reload:     reload,
		watcher:    fsw,
	}, nil
}

// Start begins watching. Events are processed until ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		// Intermediate state of an editor save; a write with content follows.
		log.Debugf("ignoring empty config file write event")
		return
	}

	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastHash != "" && w.lastHash == newHash
	if !unchanged {
		w.lastHash = newHash
	}
	w.mu.Unlock()

	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reload != nil {
		w.reload(cfg)
	}
}
