package plan

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path into c whenever the file changes, until ctx is done.
// The directory is watched rather than the file so that editors that save by
// rename keep triggering reloads. A document that fails to parse leaves the
// previous plans in place.
func Watch(ctx context.Context, path string, c *Catalog, onReload func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create plan watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve plan file: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

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
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				err := reload(abs, c)
				if err != nil {
					log.Printf("WARN: plan reload failed, keeping previous plans: %v", err)
				} else {
					log.Printf("INFO: plans reloaded from %s", abs)
				}
				if onReload != nil {
					onReload(err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("ERROR: plan watcher: %v", err)
			}
		}
	}()
	return nil
}

func reload(path string, c *Catalog) error {
	plans, err := LoadFile(path)
	if err != nil {
		return err
	}
	c.Replace(plans)
	return nil
}
