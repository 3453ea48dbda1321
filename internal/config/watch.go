package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads Config from disk whenever configPath changes, delivering
// the new value on Updates. Configuration structures are read-dominant;
// writes (reloads) are rare, per spec.md §5 "Shared state".
type Watcher struct {
	configPath  string
	envFilePath string
	Updates     chan *Config
}

// NewWatcher constructs a Watcher. Call Run in a goroutine to start
// watching.
func NewWatcher(configPath, envFilePath string) *Watcher {
	return &Watcher{configPath: configPath, envFilePath: envFilePath, Updates: make(chan *Config, 1)}
}

// Run watches configPath for writes and pushes a freshly loaded Config to
// Updates on every change, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.configPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.configPath); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.configPath, w.envFilePath)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed, keeping previous configuration")
				continue
			}
			select {
			case w.Updates <- cfg:
			default:
				// Drop the stale pending update; the newest reload always wins.
				select {
				case <-w.Updates:
				default:
				}
				w.Updates <- cfg
			}
			log.Info().Str("path", w.configPath).Msg("configuration reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
