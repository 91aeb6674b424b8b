package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long a spool file must sit unchanged before it
// is read. Writers that create-then-write land both fsnotify events
// inside one window.
const defaultDebounce = 100 * time.Millisecond

// Spool ingests events dropped as JSON files into a watched directory.
// Airgapped or scripted producers write one event per *.json file; the
// spool validates, submits to the worker pool, and deletes the file.
// Files that fail validation are renamed to *.rejected and left behind
// for inspection.
type Spool struct {
	dir      string
	pool     *Pool
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	queueMu sync.Mutex
	queue   map[string]time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewSpool creates a spool over the directory, creating it if needed.
func NewSpool(dir string, pool *Pool, logger *log.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[spool] ", log.LstdFlags)
	}
	return &Spool{
		dir:      dir,
		pool:     pool,
		watcher:  watcher,
		debounce: defaultDebounce,
		logger:   logger,
		queue:    make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the spool directory. Files already present are queued
// immediately so events spooled while the process was down are not lost.
func (s *Spool) Start(ctx context.Context) error {
	if err := s.watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", s.dir, err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		s.queueFile(filepath.Join(s.dir, entry.Name()))
	}

	s.wg.Add(2)
	go s.watchLoop()
	go s.drainLoop(ctx)
	return nil
}

// Stop shuts down the watcher and waits for the loops to exit.
func (s *Spool) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
	})
	s.wg.Wait()
	return err
}

func (s *Spool) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			s.queueFile(event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("watcher error: %v", err)
		}
	}
}

func (s *Spool) queueFile(path string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue[path] = time.Now()
}

func (s *Spool) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainQueue(ctx)
		}
	}
}

// drainQueue processes files that have sat unchanged for a full
// debounce window.
func (s *Spool) drainQueue(ctx context.Context) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range s.queue {
		if now.Sub(queuedAt) < s.debounce {
			continue
		}
		delete(s.queue, path)
		s.processFile(ctx, path)
	}
}

func (s *Spool) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Printf("failed to read %s: %v", path, err)
		return
	}

	ev, err := ParseEvent(data)
	if err != nil {
		s.logger.Printf("rejecting %s: %v", path, err)
		if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
			s.logger.Printf("failed to quarantine %s: %v", path, renameErr)
		}
		return
	}

	if !s.pool.Submit(ctx, ev) {
		// Pool is shutting down; leave the file for the next start.
		return
	}
	if err := os.Remove(path); err != nil {
		s.logger.Printf("failed to remove %s: %v", path, err)
	}
	s.logger.Printf("ingested %s (tracker item %d)", filepath.Base(path), ev.TrackerRef)
}
