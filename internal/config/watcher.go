package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// WatchLogLevel watches the env file and applies LOG_LEVEL changes through
// apply. Editors replace files by rename, so the parent directory is
// watched rather than the file itself. Blocks until ctx is cancelled;
// callers run it in a goroutine.
func WatchLogLevel(ctx context.Context, envFile string, apply func(level string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(envFile)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(envFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if level := readLogLevel(envFile); level != "" {
				log.Info().Str("level", level).Msg("Log level updated from env file")
				apply(level)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func readLogLevel(envFile string) string {
	if _, err := os.Stat(envFile); err != nil {
		return ""
	}
	values, err := godotenv.Read(envFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(values["LOG_LEVEL"])
}
