package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"hapanel/internal/logging"
	"hapanel/internal/runctx"
)

var ErrEmptyTokenFile = errors.New("token file is empty")

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WatchTokenFile emits the token stored in path, first its current value and
// then every distinct non-empty value written afterwards. The parent directory
// is watched so atomic replace-by-rename is picked up too. The channel closes
// when ctx ends. A file that is empty at start is rejected with
// ErrEmptyTokenFile.
func WatchTokenFile(ctx context.Context, path string, logger *logging.Logger) (<-chan string, error) {
	if logger == nil {
		panic("config.WatchTokenFile: logger must not be nil")
	}
	path = filepath.Clean(path)
	initial, err := readTokenFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if initial == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTokenFile, path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token file directory: %w", err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		last := ""
		emit := func(token string) bool {
			if token == "" || token == last {
				return true
			}
			last = token
			logger.Debug("token file loaded", logging.Field("path", path))
			return runctx.SendOrDone(ctx, "token file watcher", logger, out, token)
		}
		if !emit(initial) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("token file watcher error", logging.Field("error", err))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				token, readErr := readTokenFile(path)
				if readErr != nil {
					logger.Warn("token file unreadable", logging.Field("path", path), logging.Field("error", readErr))
					continue
				}
				if !emit(token) {
					return
				}
			}
		}
	}()
	return out, nil
}
