package gitstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// startWatcher watches HEAD, packed-refs and every directory under refs/.
// fsnotify is not recursive, so new ref directories are added as they appear.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating ref watcher: %w", err)
	}
	if err := w.Add(s.gitDir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.gitDir, err)
	}
	refsDir := filepath.Join(s.gitDir, "refs")
	err = filepath.WalkDir(refsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("watching refs: %w", err)
	}

	s.watcher = w
	s.done = make(chan struct{})
	s.dirty.Store(true)
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !s.relevant(ev.Name) {
				continue
			}
			s.dirty.Store(true)
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watcher.Add(ev.Name); err != nil {
						s.log.WithError(err).Warn("failed to watch new ref directory")
					}
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// A dropped event could hide a ref change; force a rescan.
			s.dirty.Store(true)
			s.log.WithError(err).Warn("ref watcher error")
		}
	}
}

func (s *Store) relevant(name string) bool {
	rel, err := filepath.Rel(s.gitDir, name)
	if err != nil {
		return true
	}
	switch rel {
	case "HEAD", "packed-refs":
		return true
	}
	return len(rel) >= 4 && rel[:4] == "refs"
}
