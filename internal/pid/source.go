package pid

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Source hands out the current Configuration. Readers never see a partially
// updated value; a reload swaps the whole pointer.
type Source struct {
	cur atomic.Pointer[Configuration]
}

func NewSource(c *Configuration) *Source {
	s := &Source{}
	s.cur.Store(c)
	return s
}

func (s *Source) Current() *Configuration {
	return s.cur.Load()
}

func (s *Source) Store(c *Configuration) {
	s.cur.Store(c)
}

// Reload rebuilds the configuration from path and swaps it in. The previous
// value is kept when the file is invalid.
func (s *Source) Reload(path string) error {
	c, err := FromFile(path)
	if err != nil {
		return err
	}
	s.Store(c)
	return nil
}

// Watch reloads path on write until ctx is done. Bursts of events are
// collapsed into one reload after debounce.
func (s *Source) Watch(ctx context.Context, path string, debounce time.Duration, log logrus.FieldLogger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	// Editors replace files, so watch the directory.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	go func() {
		defer w.Close()
		var timer <-chan time.Time
		base := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer = time.After(debounce)
			case <-timer:
				timer = nil
				if err := s.Reload(path); err != nil {
					log.WithError(err).WithField("path", path).Error("pid config reload failed; keeping previous configuration")
					continue
				}
				log.WithField("path", path).Info("pid config reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("pid config watcher error")
			}
		}
	}()
	return nil
}
