// Package fsnotify watches a file for changes and sends a message on a channel.
// It batches updates happening within a short window, so saving a file, which often involves several file operations, causes a single notification.
package fsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const batchWindow = 500 * time.Millisecond

// WatchFile returns a channel that receives a notification when the file at path is created, written to, or replaced.
// The parent folder is watched rather than the file itself, so changes made by editors that replace the file with a rename are detected too.
// The channel is closed when ctx is canceled.
func WatchFile(ctx context.Context, path string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for '%s': %w", path, err)
	}
	folder := filepath.Dir(abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	err = watcher.Add(folder)
	if err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to add watched folder: %w", err)
	}

	msgChan := make(chan struct{}, 1)
	batcher := make(chan struct{}, 1)
	var wg sync.WaitGroup

	go func() {
		defer watcher.Close() //nolint:errcheck
		defer func() {
			wg.Wait()
			close(msgChan)
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				// Renames into the path appear as Create
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				select {
				case batcher <- struct{}{}:
					wg.Go(func() {
						select {
						case <-time.After(batchWindow):
						case <-ctx.Done():
							<-batcher
							return
						}
						<-batcher

						// If the channel is full, do not block
						select {
						case msgChan <- struct{}{}:
						default:
						}
					})
				default:
					// There's already a signal batched
				}

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error while watching for changes to file",
					slog.Any("error", watchErr),
					slog.String("path", abs),
				)
			}
		}
	}()

	return msgChan, nil
}
