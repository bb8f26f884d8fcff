package signer

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher reloads the keyset when the file changes, so key rotation
// takes effect without a restart. A slow polling loop backs up fsnotify in
// case the editor replaces the inode instead of writing in place.
func (k *Keyset) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("Keyset Watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(k.path); err != nil {
		log.Printf("Keyset Watcher: failed to watch %s (%v), falling back to polling", k.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						log.Println("Keyset Watcher: file changed, reloading")
						// Debounce: writers often produce multiple events
						time.Sleep(100 * time.Millisecond)
						if err := k.Reload(); err != nil {
							log.Printf("Keyset Watcher: reload failed, keeping previous keys: %v", err)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("Keyset Watcher error: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := k.Reload(); err != nil {
					log.Printf("Keyset Watcher: periodic reload failed: %v", err)
				}
			}
		}
	}()
}
