package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ReadFile returns the trimmed token stored at path, or "" when the
// file does not exist.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// Watch calls onChange with the token in path now and again whenever
// it changes. A removed file reports "". It blocks until ctx is
// cancelled.
//
// The parent directory is watched rather than the file so editors that
// replace the file by rename are followed.
func Watch(ctx context.Context, path string, onChange func(token string), logger *slog.Logger) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching token directory: %w", err)
	}

	current, err := ReadFile(path)
	if err != nil {
		return err
	}

	onChange(current)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			next, err := ReadFile(path)
			if err != nil {
				logger.Warn("token file unreadable", slog.String("error", err.Error()))
				continue
			}

			if next == current {
				continue
			}

			current = next

			logger.Info("token file changed", slog.Bool("present", next != ""))
			onChange(next)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}
